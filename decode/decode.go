// Package decode turns submitted EPCIS documents (1.x XML, 2.0 XML, 2.0
// JSON-LD) into the canonical capture aggregate. The content type picks the
// decoder; extension subtrees come out flattened into indexed fields.
package decode

import (
	"fmt"
	"strings"
	"time"

	"github.com/trackvision/tv-epcis-repository/types"
)

// Known media types. Parameters (charset, profiles) are ignored.
const (
	ContentTypeXML     = "application/xml"
	ContentTypeTextXML = "text/xml"
	ContentTypeJSON    = "application/json"
	ContentTypeJSONLD  = "application/ld+json"
)

// Decode parses one document. sizeLimit bounds the accepted byte count;
// anything larger fails before parsing starts.
func Decode(data []byte, contentType string, sizeLimit int) (*types.Capture, error) {
	if sizeLimit > 0 && len(data) > sizeLimit {
		return nil, fmt.Errorf("%w: %d bytes over limit %d", types.ErrOversizedDocument, len(data), sizeLimit)
	}

	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch mediaType {
	case ContentTypeXML, ContentTypeTextXML:
		return decodeXML(data)
	case ContentTypeJSON, ContentTypeJSONLD:
		return decodeJSON(data)
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", types.ErrMalformedDocument, contentType)
	}
}

// iso8601 layouts accepted for event and document timestamps, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// offsetFromTimestamp recovers the eventTimeZoneOffset from a timestamp's
// own zone designator when the document omitted the explicit field.
func offsetFromTimestamp(s string) string {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	_, secs := t.Zone()
	sign := "+"
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	return fmt.Sprintf("%s%02d:%02d", sign, secs/3600, (secs%3600)/60)
}

package decode

import (
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/trackvision/tv-epcis-repository/types"
)

// flattener assigns per-event field indexes during the DFS over extension
// subtrees. One flattener lives for exactly one event.
type flattener struct {
	fields     []types.Field
	next       int
	namespaces map[string]string // uri -> prefix, shared with the capture
}

func newFlattener(namespaces map[string]string) *flattener {
	return &flattener{namespaces: namespaces}
}

// intp is the index pointer helper used when wiring parent/entity links.
func intp(v int) *int { return &v }

// add records one field, parses its value speculatively, and returns the
// index it got.
func (fl *flattener) add(fieldType types.FieldType, namespace, name, value string, parent, entity *int) int {
	idx := fl.next
	fl.next++
	f := types.Field{
		Type:        fieldType,
		Namespace:   namespace,
		Name:        name,
		Index:       idx,
		ParentIndex: parent,
		EntityIndex: entity,
	}
	f.TextValue, f.NumericValue, f.DateValue = parseSlots(value)
	fl.fields = append(fl.fields, f)
	return idx
}

// walkElement flattens one extension element and its subtree. Attributes
// become fields of attrType whose parentIndex is the element's own index.
func (fl *flattener) walkElement(el *etree.Element, elemType, attrType types.FieldType, parent, entity *int) {
	fl.registerNamespace(el)

	value := ""
	if len(el.ChildElements()) == 0 {
		value = strings.TrimSpace(el.Text())
	}
	idx := fl.add(elemType, el.NamespaceURI(), el.Tag, value, parent, entity)

	for _, attr := range el.Attr {
		if attr.Space == "xmlns" || attr.Key == "xmlns" {
			continue
		}
		fl.add(attrType, attr.NamespaceURI(), attr.Key, attr.Value, intp(idx), entity)
	}

	for _, child := range el.ChildElements() {
		fl.walkElement(child, elemType, attrType, intp(idx), entity)
	}
}

func (fl *flattener) registerNamespace(el *etree.Element) {
	uri := el.NamespaceURI()
	if uri == "" || el.Space == "" {
		return
	}
	if _, seen := fl.namespaces[uri]; !seen {
		fl.namespaces[uri] = el.Space
	}
}

// parseSlots parses a raw extension value three ways. Any slot that parses
// is kept so the value can satisfy text, numeric, or time predicates alike.
func parseSlots(raw string) (*string, *float64, *time.Time) {
	var text *string
	var num *float64
	var date *time.Time

	if raw != "" {
		text = &raw
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			num = &v
		}
		if t, ok := parseTime(raw); ok {
			date = &t
		}
	}
	return text, num, date
}

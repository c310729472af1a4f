// Package eventhash derives content-addressed event identifiers. Two events
// that are semantically identical hash to the same id no matter which wire
// format they arrived in, so re-ingesting a document never mints new ids.
package eventhash

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/trackvision/tv-epcis-repository/types"
)

const versionSuffix = "?ver=CBV2.0"

// Hash returns the ni: URI for an event's canonical form.
func Hash(ev *types.Event) string {
	sum := sha256.Sum256([]byte(Canonical(ev)))
	return "ni:///sha-256;" + base64.RawURLEncoding.EncodeToString(sum[:]) + versionSuffix
}

// Canonical renders the deterministic serialization that gets hashed: one
// key=value pair per line, keys sorted, set-valued lists sorted by their
// canonical member form, timestamps in UTC millis, numbers without exponent
// or trailing fraction zeros.
func Canonical(ev *types.Event) string {
	pairs := map[string]string{}

	put := func(key, value string) {
		if value != "" {
			pairs[key] = value
		}
	}

	put("type", string(ev.Type))
	put("action", ev.Action)
	put("bizStep", ev.BizStep)
	put("disposition", ev.Disposition)
	put("readPoint", ev.ReadPoint)
	put("bizLocation", ev.BizLocation)
	put("transformationID", ev.TransformationID)
	put("certificationInfo", ev.CertificationInfo)
	put("eventTime", canonicalTime(ev.EventTime))
	put("eventTimeZoneOffset", ev.EventTimeZoneOffset)

	if ev.CorrectiveDeclarationTime != nil {
		put("errorDeclarationTime", canonicalTime(*ev.CorrectiveDeclarationTime))
	}
	put("errorDeclarationReason", ev.CorrectiveReason)
	if len(ev.CorrectiveEventIDs) > 0 {
		ids := append([]string(nil), ev.CorrectiveEventIDs...)
		sort.Strings(ids)
		put("correctiveEventIDs", strings.Join(ids, ","))
	}

	for epcType, members := range epcsByType(ev) {
		sort.Strings(members)
		put(string(epcType), strings.Join(members, ","))
	}

	putSet(put, "bizTransactionList", len(ev.Transactions), func(i int) string {
		return ev.Transactions[i].Type + ";" + ev.Transactions[i].ID
	})
	putSet(put, "sourceList", len(ev.Sources), func(i int) string {
		return ev.Sources[i].Type + ";" + ev.Sources[i].ID
	})
	putSet(put, "destinationList", len(ev.Destinations), func(i int) string {
		return ev.Destinations[i].Type + ";" + ev.Destinations[i].ID
	})
	putSet(put, "persistentDisposition", len(ev.PersistentDispositions), func(i int) string {
		return ev.PersistentDispositions[i].Type + ";" + ev.PersistentDispositions[i].ID
	})

	for i := range ev.SensorElements {
		se := &ev.SensorElements[i]
		prefix := fmt.Sprintf("sensorElement.%d.", i)
		if se.Time != nil {
			put(prefix+"time", canonicalTime(*se.Time))
		}
		put(prefix+"deviceID", se.DeviceID)
		put(prefix+"deviceMetadata", se.DeviceMetadata)
		put(prefix+"rawData", se.RawData)
		put(prefix+"bizRules", se.BizRules)
		for j := range se.Reports {
			putReport(put, fmt.Sprintf("%sreport.%d.", prefix, j), &se.Reports[j])
		}
	}

	for i := range ev.Fields {
		f := &ev.Fields[i]
		key := fmt.Sprintf("field.%d.%s.%s#%s", f.Index, f.Type, f.Namespace, f.Name)
		switch {
		case f.TextValue != nil:
			put(key, *f.TextValue)
		case f.NumericValue != nil:
			put(key, canonicalNumber(*f.NumericValue))
		case f.DateValue != nil:
			put(key, canonicalTime(*f.DateValue))
		}
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(pairs[k])
		b.WriteByte('\n')
	}
	return b.String()
}

func epcsByType(ev *types.Event) map[types.EpcType][]string {
	out := map[types.EpcType][]string{}
	for _, epc := range ev.Epcs {
		member := epc.ID
		if epc.Quantity != nil {
			member += ";" + canonicalNumber(*epc.Quantity)
			if epc.UnitOfMeasure != "" {
				member += ";" + epc.UnitOfMeasure
			}
		}
		out[epc.Type] = append(out[epc.Type], member)
	}
	return out
}

func putSet(put func(string, string), key string, n int, member func(int) string) {
	if n == 0 {
		return
	}
	members := make([]string, n)
	for i := 0; i < n; i++ {
		members[i] = member(i)
	}
	sort.Strings(members)
	put(key, strings.Join(members, ","))
}

func putReport(put func(string, string), prefix string, r *types.SensorReport) {
	put(prefix+"type", r.Type)
	put(prefix+"deviceID", r.DeviceID)
	put(prefix+"deviceMetadata", r.DeviceMetadata)
	put(prefix+"rawData", r.RawData)
	put(prefix+"dataProcessingMethod", r.DataProcessingMethod)
	if r.Time != nil {
		put(prefix+"time", canonicalTime(*r.Time))
	}
	put(prefix+"microorganism", r.Microorganism)
	put(prefix+"chemicalSubstance", r.ChemicalSubstance)
	putNum(put, prefix+"value", r.Value)
	put(prefix+"stringValue", r.StringValue)
	if r.BooleanValue != nil {
		put(prefix+"booleanValue", strconv.FormatBool(*r.BooleanValue))
	}
	put(prefix+"hexBinaryValue", r.HexBinaryValue)
	put(prefix+"uriValue", r.URIValue)
	putNum(put, prefix+"minValue", r.MinValue)
	putNum(put, prefix+"maxValue", r.MaxValue)
	putNum(put, prefix+"meanValue", r.MeanValue)
	putNum(put, prefix+"sDev", r.SDev)
	putNum(put, prefix+"percRank", r.PercRank)
	putNum(put, prefix+"percValue", r.PercValue)
	put(prefix+"uom", r.UnitOfMeasure)
	put(prefix+"coordinateReferenceSystem", r.CoordinateReferenceSystem)
}

func putNum(put func(string, string), key string, v *float64) {
	if v != nil {
		put(key, canonicalNumber(*v))
	}
}

// canonicalTime renders a timestamp in UTC with fixed millisecond precision.
func canonicalTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// canonicalNumber renders without exponent and without trailing zeros after
// the decimal point. strconv's shortest form already guarantees the leading
// zero on fractions.
func canonicalNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

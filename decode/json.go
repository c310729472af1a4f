package decode

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/trackvision/tv-epcis-repository/types"
)

// jsonDocument is the loosely-typed EPCIS 2.0 JSON-LD envelope. Events stay
// raw maps because their shape is open (extension properties).
type jsonDocument struct {
	Context       json.RawMessage `json:"@context"`
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schemaVersion"`
	CreationDate  string          `json:"creationDate"`
	EPCISBody     struct {
		EventList []map[string]interface{} `json:"eventList"`
	} `json:"epcisBody"`
	EPCISHeader *struct {
		EPCISMasterData *struct {
			Vocabularies []jsonVocabulary `json:"vocabularies"`
		} `json:"epcisMasterData"`
	} `json:"epcisHeader"`
}

type jsonVocabulary struct {
	Type     string `json:"type"`
	Elements []struct {
		ID         string `json:"id"`
		Attributes []struct {
			ID        string      `json:"id"`
			Attribute interface{} `json:"attribute"`
		} `json:"attributes"`
		Children []string `json:"children"`
	} `json:"vocabularyElementList"`
}

func decodeJSON(data []byte) (*types.Capture, error) {
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedDocument, err)
	}
	if doc.Type != "EPCISDocument" {
		return nil, fmt.Errorf("%w: document type %q", types.ErrSchemaInvalid, doc.Type)
	}

	version := doc.SchemaVersion
	if version == "" {
		version = types.SchemaVersion20
	}
	if !types.ValidSchemaVersion(version) {
		return nil, fmt.Errorf("%w: schemaVersion %q", types.ErrUnsupportedVersion, version)
	}

	capture := &types.Capture{
		SchemaVersion: version,
		Namespaces:    map[string]string{},
	}
	if t, ok := parseTime(doc.CreationDate); ok {
		capture.DocumentTime = t
	}

	prefixes := contextPrefixes(doc.Context)
	for prefix, uri := range prefixes {
		capture.Namespaces[uri] = prefix
	}

	for _, raw := range doc.EPCISBody.EventList {
		ev, err := parseJSONEvent(raw, prefixes, capture.Namespaces)
		if err != nil {
			return nil, err
		}
		capture.Events = append(capture.Events, *ev)
	}

	if doc.EPCISHeader != nil && doc.EPCISHeader.EPCISMasterData != nil {
		for _, vocab := range doc.EPCISHeader.EPCISMasterData.Vocabularies {
			for _, elem := range vocab.Elements {
				entry := types.MasterData{Type: vocab.Type, URI: elem.ID, Children: elem.Children}
				for _, attr := range elem.Attributes {
					entry.Attributes = append(entry.Attributes, types.MasterDataAttribute{
						Name:  attr.ID,
						Value: jsonScalar(attr.Attribute),
					})
				}
				capture.MasterData = append(capture.MasterData, entry)
			}
		}
	}

	return capture, nil
}

// contextPrefixes pulls prefix -> namespace mappings out of @context, which
// may be a string, an object, or an array mixing both.
func contextPrefixes(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}
	var entries []interface{}
	var single interface{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		if err := json.Unmarshal(raw, &single); err != nil {
			return out
		}
		entries = []interface{}{single}
	}
	for _, entry := range entries {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for prefix, v := range obj {
			if uri, ok := v.(string); ok && !strings.HasPrefix(prefix, "@") {
				out[prefix] = uri
			}
		}
	}
	return out
}

// jsonEventKeys are standard EPCIS event properties; anything else on an
// event object is an extension.
var jsonEventKeys = map[string]bool{
	"type": true, "eventID": true, "eventTime": true, "eventTimeZoneOffset": true,
	"recordTime": true, "action": true, "bizStep": true, "disposition": true,
	"readPoint": true, "bizLocation": true, "transformationID": true,
	"certificationInfo": true, "epcList": true, "childEPCs": true, "parentID": true,
	"inputEPCList": true, "outputEPCList": true, "quantityList": true,
	"childQuantityList": true, "inputQuantityList": true, "outputQuantityList": true,
	"bizTransactionList": true, "sourceList": true, "destinationList": true,
	"persistentDisposition": true, "ilmd": true, "sensorElementList": true,
	"errorDeclaration": true, "@context": true,
}

func parseJSONEvent(raw map[string]interface{}, prefixes, namespaces map[string]string) (*types.Event, error) {
	typeName, _ := raw["type"].(string)
	eventType, ok := eventTypeForTag(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", types.ErrSchemaInvalid, typeName)
	}

	ev := &types.Event{Type: eventType}
	fl := newFlattener(namespaces)
	reportCount := 0

	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}

	ts := str("eventTime")
	t, ok := parseTime(ts)
	if !ok {
		return nil, fmt.Errorf("%w: bad eventTime %q", types.ErrSchemaInvalid, ts)
	}
	ev.EventTime = t
	ev.EventTimeZoneOffset = str("eventTimeZoneOffset")
	if ev.EventTimeZoneOffset == "" {
		ev.EventTimeZoneOffset = offsetFromTimestamp(ts)
	}
	ev.EventID = str("eventID")
	ev.Action = str("action")
	ev.BizStep = str("bizStep")
	ev.Disposition = str("disposition")
	ev.ReadPoint = jsonLocationID(raw["readPoint"])
	ev.BizLocation = jsonLocationID(raw["bizLocation"])
	ev.TransformationID = str("transformationID")
	ev.CertificationInfo = str("certificationInfo")

	if parent := str("parentID"); parent != "" {
		ev.Epcs = append(ev.Epcs, types.Epc{Type: types.EpcParent, ID: parent})
	}
	appendJSONEpcs(ev, raw["epcList"], types.EpcList)
	appendJSONEpcs(ev, raw["childEPCs"], types.EpcChild)
	appendJSONEpcs(ev, raw["inputEPCList"], types.EpcInput)
	appendJSONEpcs(ev, raw["outputEPCList"], types.EpcOutput)
	for _, key := range []string{"quantityList", "childQuantityList", "inputQuantityList", "outputQuantityList"} {
		appendJSONQuantities(ev, raw[key])
	}

	for _, item := range jsonArray(raw["bizTransactionList"]) {
		if obj, ok := item.(map[string]interface{}); ok {
			ev.Transactions = append(ev.Transactions, types.BusinessTransaction{
				Type: jsonScalar(obj["type"]),
				ID:   jsonScalar(obj["bizTransaction"]),
			})
		}
	}
	for _, item := range jsonArray(raw["sourceList"]) {
		if obj, ok := item.(map[string]interface{}); ok {
			ev.Sources = append(ev.Sources, types.Source{
				Type: jsonScalar(obj["type"]),
				ID:   jsonScalar(obj["source"]),
			})
		}
	}
	for _, item := range jsonArray(raw["destinationList"]) {
		if obj, ok := item.(map[string]interface{}); ok {
			ev.Destinations = append(ev.Destinations, types.Destination{
				Type: jsonScalar(obj["type"]),
				ID:   jsonScalar(obj["destination"]),
			})
		}
	}
	if pd, ok := raw["persistentDisposition"].(map[string]interface{}); ok {
		for _, kind := range []string{"set", "unset"} {
			for _, v := range jsonArray(pd[kind]) {
				ev.PersistentDispositions = append(ev.PersistentDispositions, types.PersistentDisposition{
					Type: kind,
					ID:   jsonScalar(v),
				})
			}
		}
	}

	if ilmd, ok := raw["ilmd"].(map[string]interface{}); ok {
		for _, name := range sortedKeys(ilmd) {
			walkJSONField(fl, types.FieldIlmd, types.FieldIlmdAttribute, resolveName(name, prefixes), ilmd[name], nil, nil)
		}
	}

	for i, item := range jsonArray(raw["sensorElementList"]) {
		if obj, ok := item.(map[string]interface{}); ok {
			parseJSONSensorElement(ev, fl, obj, i, &reportCount, prefixes)
		}
	}

	if ed, ok := raw["errorDeclaration"].(map[string]interface{}); ok {
		if t, ok := parseTime(jsonScalar(ed["declarationTime"])); ok {
			ev.CorrectiveDeclarationTime = &t
		}
		ev.CorrectiveReason = jsonScalar(ed["reason"])
		for _, id := range jsonArray(ed["correctiveEventIDs"]) {
			ev.CorrectiveEventIDs = append(ev.CorrectiveEventIDs, jsonScalar(id))
		}
		for _, name := range sortedKeys(ed) {
			if name == "declarationTime" || name == "reason" || name == "correctiveEventIDs" {
				continue
			}
			walkJSONField(fl, types.FieldErrorDeclaration, types.FieldExtensionAttribute, resolveName(name, prefixes), ed[name], nil, nil)
		}
	}

	for _, name := range sortedKeys(raw) {
		if jsonEventKeys[name] {
			continue
		}
		walkJSONField(fl, types.FieldExtension, types.FieldExtensionAttribute, resolveName(name, prefixes), raw[name], nil, nil)
	}

	ev.Fields = fl.fields
	return ev, nil
}

func parseJSONSensorElement(ev *types.Event, fl *flattener, obj map[string]interface{}, index int, reportCount *int, prefixes map[string]string) {
	se := types.SensorElement{Index: index}

	if meta, ok := obj["sensorMetadata"].(map[string]interface{}); ok {
		for _, name := range sortedKeys(meta) {
			value := jsonScalar(meta[name])
			switch name {
			case "time":
				if t, ok := parseTime(value); ok {
					se.Time = &t
				}
			case "deviceID":
				se.DeviceID = value
			case "deviceMetadata":
				se.DeviceMetadata = value
			case "rawData":
				se.RawData = value
			case "bizRules":
				se.BizRules = value
			default:
				qn := resolveName(name, prefixes)
				fl.add(types.FieldSensorMetadataAttr, qn.namespace, qn.local, value, nil, intp(index))
			}
		}
	}

	for _, item := range jsonArray(obj["sensorReport"]) {
		report, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		r := types.SensorReport{Index: len(se.Reports), SensorIndex: index}
		for _, name := range sortedKeys(report) {
			parseJSONReportField(fl, &r, name, report[name], *reportCount, prefixes)
		}
		se.Reports = append(se.Reports, r)
		*reportCount++
	}

	for _, name := range sortedKeys(obj) {
		if name == "sensorMetadata" || name == "sensorReport" {
			continue
		}
		walkJSONField(fl, types.FieldSensorElementExtension, types.FieldExtensionAttribute, resolveName(name, prefixes), obj[name], nil, intp(index))
	}

	ev.SensorElements = append(ev.SensorElements, se)
}

func parseJSONReportField(fl *flattener, r *types.SensorReport, name string, v interface{}, flatReportIndex int, prefixes map[string]string) {
	float := func() *float64 {
		if f, ok := v.(float64); ok {
			return &f
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return &f
			}
		}
		return nil
	}

	switch name {
	case "type":
		r.Type = jsonScalar(v)
	case "deviceID":
		r.DeviceID = jsonScalar(v)
	case "deviceMetadata":
		r.DeviceMetadata = jsonScalar(v)
	case "rawData":
		r.RawData = jsonScalar(v)
	case "dataProcessingMethod":
		r.DataProcessingMethod = jsonScalar(v)
	case "time":
		if t, ok := parseTime(jsonScalar(v)); ok {
			r.Time = &t
		}
	case "microorganism":
		r.Microorganism = jsonScalar(v)
	case "chemicalSubstance":
		r.ChemicalSubstance = jsonScalar(v)
	case "value":
		r.Value = float()
	case "stringValue":
		r.StringValue = jsonScalar(v)
	case "booleanValue":
		if b, ok := v.(bool); ok {
			r.BooleanValue = &b
		}
	case "hexBinaryValue":
		r.HexBinaryValue = jsonScalar(v)
	case "uriValue":
		r.URIValue = jsonScalar(v)
	case "minValue":
		r.MinValue = float()
	case "maxValue":
		r.MaxValue = float()
	case "meanValue":
		r.MeanValue = float()
	case "sDev":
		r.SDev = float()
	case "percRank":
		r.PercRank = float()
	case "percValue":
		r.PercValue = float()
	case "uom":
		r.UnitOfMeasure = jsonScalar(v)
	case "coordinateReferenceSystem":
		r.CoordinateReferenceSystem = jsonScalar(v)
	default:
		qn := resolveName(name, prefixes)
		fl.add(types.FieldSensorReportExtension, qn.namespace, qn.local, jsonScalar(v), nil, intp(flatReportIndex))
	}
}

// qualifiedName is a JSON property name split on its context prefix.
type qualifiedName struct {
	namespace string
	local     string
}

func resolveName(name string, prefixes map[string]string) qualifiedName {
	if i := strings.IndexByte(name, ':'); i > 0 {
		prefix, local := name[:i], name[i+1:]
		if uri, ok := prefixes[prefix]; ok {
			return qualifiedName{namespace: uri, local: local}
		}
		return qualifiedName{namespace: prefix, local: local}
	}
	return qualifiedName{local: name}
}

// walkJSONField flattens one extension property the same way the XML DFS
// does: objects become parents, arrays repeat the name, leaves parse
// speculatively.
func walkJSONField(fl *flattener, elemType, attrType types.FieldType, qn qualifiedName, v interface{}, parent, entity *int) {
	switch value := v.(type) {
	case map[string]interface{}:
		idx := fl.add(elemType, qn.namespace, qn.local, "", parent, entity)
		for _, name := range sortedKeys(value) {
			walkJSONField(fl, elemType, attrType, resolveNameAny(name, fl), value[name], intp(idx), entity)
		}
	case []interface{}:
		for _, item := range value {
			walkJSONField(fl, elemType, attrType, qn, item, parent, entity)
		}
	default:
		fl.add(elemType, qn.namespace, qn.local, jsonScalar(v), parent, entity)
	}
}

// resolveNameAny resolves a prefixed name against the capture's namespace
// table (uri -> prefix, so inverted here).
func resolveNameAny(name string, fl *flattener) qualifiedName {
	if i := strings.IndexByte(name, ':'); i > 0 {
		prefix, local := name[:i], name[i+1:]
		for uri, p := range fl.namespaces {
			if p == prefix {
				return qualifiedName{namespace: uri, local: local}
			}
		}
		return qualifiedName{namespace: prefix, local: local}
	}
	return qualifiedName{local: name}
}

func jsonLocationID(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case map[string]interface{}:
		return jsonScalar(value["id"])
	}
	return ""
}

func appendJSONEpcs(ev *types.Event, v interface{}, epcType types.EpcType) {
	for _, item := range jsonArray(v) {
		if s := jsonScalar(item); s != "" {
			ev.Epcs = append(ev.Epcs, types.Epc{Type: epcType, ID: s})
		}
	}
}

func appendJSONQuantities(ev *types.Event, v interface{}) {
	for _, item := range jsonArray(v) {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		epc := types.Epc{Type: types.EpcQuantity, ID: jsonScalar(obj["epcClass"])}
		if q, ok := obj["quantity"].(float64); ok {
			epc.Quantity = &q
		}
		epc.UnitOfMeasure = jsonScalar(obj["uom"])
		ev.Epcs = append(ev.Epcs, epc)
	}
}

func jsonArray(v interface{}) []interface{} {
	arr, _ := v.([]interface{})
	return arr
}

// jsonScalar renders a leaf value as its canonical string form.
func jsonScalar(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(value)
		return string(b)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// document order is lost in Go maps; lexicographic keeps indexes stable
	sort.Strings(keys)
	return keys
}

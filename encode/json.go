package encode

import (
	"encoding/json"
	"time"

	"github.com/trackvision/tv-epcis-repository/types"
)

const epcisContext = "https://ref.gs1.org/standards/epcis/epcis-context.jsonld"

// QueryResultsJSON renders an EPCIS 2.0 JSON-LD EPCISQueryDocument.
func QueryResultsJSON(events []types.Event, queryName, nextPageToken string) ([]byte, error) {
	prefixes := newPrefixTable()
	list := make([]map[string]interface{}, 0, len(events))
	for i := range events {
		list = append(list, eventJSON(&events[i], prefixes))
	}

	queryResults := map[string]interface{}{
		"queryName":   queryName,
		"resultsBody": map[string]interface{}{"eventList": list},
	}
	if nextPageToken != "" {
		queryResults["nextPageToken"] = nextPageToken
	}

	doc := map[string]interface{}{
		"@context":      jsonContext(prefixes),
		"type":          "EPCISQueryDocument",
		"schemaVersion": types.SchemaVersion20,
		"creationDate":  xmlTime(time.Now()),
		"epcisBody": map[string]interface{}{
			"queryResults": queryResults,
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

// DocumentJSON renders a plain EPCISDocument, used for subscription
// deliveries.
func DocumentJSON(events []types.Event) ([]byte, error) {
	prefixes := newPrefixTable()
	list := make([]map[string]interface{}, 0, len(events))
	for i := range events {
		list = append(list, eventJSON(&events[i], prefixes))
	}
	doc := map[string]interface{}{
		"@context":      jsonContext(prefixes),
		"type":          "EPCISDocument",
		"schemaVersion": types.SchemaVersion20,
		"creationDate":  xmlTime(time.Now()),
		"epcisBody": map[string]interface{}{
			"eventList": list,
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

// jsonContext is the standard context plus one object per generated
// extension prefix.
func jsonContext(prefixes *prefixTable) []interface{} {
	ctx := []interface{}{epcisContext}
	for _, uri := range prefixes.order {
		ctx = append(ctx, map[string]string{prefixes.prefixes[uri]: uri})
	}
	return ctx
}

func eventJSON(ev *types.Event, prefixes *prefixTable) map[string]interface{} {
	out := map[string]interface{}{
		"type":      string(ev.Type),
		"eventTime": xmlTime(ev.EventTime),
	}
	if ev.EventTimeZoneOffset != "" {
		out["eventTimeZoneOffset"] = ev.EventTimeZoneOffset
	}
	if !ev.RecordTime.IsZero() {
		out["recordTime"] = xmlTime(ev.RecordTime)
	}
	if ev.EventID != "" {
		out["eventID"] = ev.EventID
	}
	if ev.Action != "" {
		out["action"] = ev.Action
	}
	if ev.BizStep != "" {
		out["bizStep"] = ev.BizStep
	}
	if ev.Disposition != "" {
		out["disposition"] = ev.Disposition
	}
	if ev.ReadPoint != "" {
		out["readPoint"] = map[string]string{"id": ev.ReadPoint}
	}
	if ev.BizLocation != "" {
		out["bizLocation"] = map[string]string{"id": ev.BizLocation}
	}
	if ev.TransformationID != "" {
		out["transformationID"] = ev.TransformationID
	}
	if ev.CertificationInfo != "" {
		out["certificationInfo"] = ev.CertificationInfo
	}

	epcListsJSON(ev, out)

	if len(ev.Transactions) > 0 {
		list := make([]map[string]string, 0, len(ev.Transactions))
		for _, bt := range ev.Transactions {
			entry := map[string]string{"bizTransaction": bt.ID}
			if bt.Type != "" {
				entry["type"] = bt.Type
			}
			list = append(list, entry)
		}
		out["bizTransactionList"] = list
	}
	if len(ev.Sources) > 0 {
		list := make([]map[string]string, 0, len(ev.Sources))
		for _, s := range ev.Sources {
			list = append(list, map[string]string{"type": s.Type, "source": s.ID})
		}
		out["sourceList"] = list
	}
	if len(ev.Destinations) > 0 {
		list := make([]map[string]string, 0, len(ev.Destinations))
		for _, d := range ev.Destinations {
			list = append(list, map[string]string{"type": d.Type, "destination": d.ID})
		}
		out["destinationList"] = list
	}
	if len(ev.PersistentDispositions) > 0 {
		pd := map[string][]string{}
		for _, d := range ev.PersistentDispositions {
			pd[d.Type] = append(pd[d.Type], d.ID)
		}
		out["persistentDisposition"] = pd
	}

	if decl := errorDeclarationJSON(ev, prefixes); decl != nil {
		out["errorDeclaration"] = decl
	}
	if ilmd := fieldTreeJSON(fieldsOfTypes(ev.Fields, nil, types.FieldIlmd), prefixes); len(ilmd) > 0 {
		out["ilmd"] = ilmd
	}
	if len(ev.SensorElements) > 0 {
		out["sensorElementList"] = sensorElementsJSON(ev, prefixes)
	}
	for name, value := range fieldTreeJSON(fieldsOfTypes(ev.Fields, nil, types.FieldExtension), prefixes) {
		out[name] = value
	}
	return out
}

func epcListsJSON(ev *types.Event, out map[string]interface{}) {
	byType := map[types.EpcType][]types.Epc{}
	for _, epc := range ev.Epcs {
		byType[epc.Type] = append(byType[epc.Type], epc)
	}

	plain := func(key string, epcs []types.Epc) {
		if len(epcs) == 0 {
			return
		}
		ids := make([]string, 0, len(epcs))
		for _, epc := range epcs {
			ids = append(ids, epc.ID)
		}
		out[key] = ids
	}
	plain("epcList", byType[types.EpcList])
	plain("childEPCs", byType[types.EpcChild])
	plain("inputEPCList", byType[types.EpcInput])
	plain("outputEPCList", byType[types.EpcOutput])

	if parents := byType[types.EpcParent]; len(parents) > 0 {
		out["parentID"] = parents[0].ID
	}
	if quantities := byType[types.EpcQuantity]; len(quantities) > 0 {
		list := make([]map[string]interface{}, 0, len(quantities))
		for _, epc := range quantities {
			entry := map[string]interface{}{"epcClass": epc.ID}
			if epc.Quantity != nil {
				entry["quantity"] = *epc.Quantity
			}
			if epc.UnitOfMeasure != "" {
				entry["uom"] = epc.UnitOfMeasure
			}
			list = append(list, entry)
		}
		out["quantityList"] = list
	}
}

func errorDeclarationJSON(ev *types.Event, prefixes *prefixTable) map[string]interface{} {
	if ev.CorrectiveDeclarationTime == nil && ev.CorrectiveReason == "" && len(ev.CorrectiveEventIDs) == 0 {
		return nil
	}
	decl := map[string]interface{}{}
	if ev.CorrectiveDeclarationTime != nil {
		decl["declarationTime"] = xmlTime(*ev.CorrectiveDeclarationTime)
	}
	if ev.CorrectiveReason != "" {
		decl["reason"] = ev.CorrectiveReason
	}
	if len(ev.CorrectiveEventIDs) > 0 {
		decl["correctiveEventIDs"] = ev.CorrectiveEventIDs
	}
	for name, value := range fieldTreeJSON(fieldsOfTypes(ev.Fields, nil, types.FieldErrorDeclaration), prefixes) {
		decl[name] = value
	}
	return decl
}

func sensorElementsJSON(ev *types.Event, prefixes *prefixTable) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(ev.SensorElements))
	flatReport := 0
	for i := range ev.SensorElements {
		se := &ev.SensorElements[i]
		elem := map[string]interface{}{}

		meta := map[string]interface{}{}
		if se.Time != nil {
			meta["time"] = xmlTime(*se.Time)
		}
		putStr(meta, "deviceID", se.DeviceID)
		putStr(meta, "deviceMetadata", se.DeviceMetadata)
		putStr(meta, "rawData", se.RawData)
		putStr(meta, "bizRules", se.BizRules)
		for _, f := range fieldsOfTypes(ev.Fields, &se.Index, types.FieldSensorMetadataAttr) {
			mergeJSONField(meta, qualify(prefixes, f.Namespace, f.Name), fieldValueJSON(&f))
		}
		if len(meta) > 0 {
			elem["sensorMetadata"] = meta
		}

		reports := make([]map[string]interface{}, 0, len(se.Reports))
		for j := range se.Reports {
			reports = append(reports, sensorReportJSON(ev, &se.Reports[j], flatReport, prefixes))
			flatReport++
		}
		if len(reports) > 0 {
			elem["sensorReport"] = reports
		}

		for name, value := range fieldTreeJSON(fieldsOfTypes(ev.Fields, &se.Index, types.FieldSensorElementExtension), prefixes) {
			elem[name] = value
		}
		out = append(out, elem)
	}
	return out
}

func sensorReportJSON(ev *types.Event, r *types.SensorReport, flatReport int, prefixes *prefixTable) map[string]interface{} {
	rep := map[string]interface{}{}
	putStr(rep, "type", r.Type)
	putStr(rep, "deviceID", r.DeviceID)
	putStr(rep, "deviceMetadata", r.DeviceMetadata)
	putStr(rep, "rawData", r.RawData)
	putStr(rep, "dataProcessingMethod", r.DataProcessingMethod)
	if r.Time != nil {
		rep["time"] = xmlTime(*r.Time)
	}
	putStr(rep, "microorganism", r.Microorganism)
	putStr(rep, "chemicalSubstance", r.ChemicalSubstance)
	putFloat(rep, "value", r.Value)
	putStr(rep, "stringValue", r.StringValue)
	if r.BooleanValue != nil {
		rep["booleanValue"] = *r.BooleanValue
	}
	putStr(rep, "hexBinaryValue", r.HexBinaryValue)
	putStr(rep, "uriValue", r.URIValue)
	putFloat(rep, "minValue", r.MinValue)
	putFloat(rep, "maxValue", r.MaxValue)
	putFloat(rep, "meanValue", r.MeanValue)
	putFloat(rep, "sDev", r.SDev)
	putFloat(rep, "percRank", r.PercRank)
	putFloat(rep, "percValue", r.PercValue)
	putStr(rep, "uom", r.UnitOfMeasure)
	putStr(rep, "coordinateReferenceSystem", r.CoordinateReferenceSystem)

	for _, f := range fieldsOfTypes(ev.Fields, &flatReport, types.FieldSensorReportExtension) {
		mergeJSONField(rep, qualify(prefixes, f.Namespace, f.Name), fieldValueJSON(&f))
	}
	return rep
}

func putStr(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func putFloat(m map[string]interface{}, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

// fieldTreeJSON rebuilds one extension forest and renders it as nested JSON
// values keyed by prefixed names.
func fieldTreeJSON(fields []types.Field, prefixes *prefixTable) map[string]interface{} {
	out := map[string]interface{}{}
	putFieldNodes(out, buildFieldTree(fields), prefixes)
	return out
}

// putFieldNodes merges sibling nodes into one object. JSON-LD has no other
// way to express a repeated element than an array, so the second node under
// a name turns the entry into one.
func putFieldNodes(m map[string]interface{}, nodes []*fieldNode, prefixes *prefixTable) {
	for _, node := range nodes {
		mergeJSONField(m, qualify(prefixes, node.field.Namespace, node.field.Name), fieldNodeJSON(node, prefixes))
	}
}

func mergeJSONField(m map[string]interface{}, key string, value interface{}) {
	switch existing := m[key].(type) {
	case nil:
		m[key] = value
	case []interface{}:
		m[key] = append(existing, value)
	default:
		m[key] = []interface{}{existing, value}
	}
}

func fieldNodeJSON(node *fieldNode, prefixes *prefixTable) interface{} {
	if len(node.children) == 0 && len(node.attrs) == 0 {
		return fieldValueJSON(&node.field)
	}
	obj := map[string]interface{}{}
	for _, attr := range node.attrs {
		obj["@"+qualify(prefixes, attr.Namespace, attr.Name)] = fieldValue(&attr)
	}
	putFieldNodes(obj, node.children, prefixes)
	return obj
}

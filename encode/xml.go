package encode

import (
	"fmt"
	"time"

	"github.com/beevik/etree"

	"github.com/trackvision/tv-epcis-repository/types"
)

const (
	epcisNS1 = "urn:epcglobal:epcis:xsd:1"
	epcisNS2 = "urn:epcglobal:epcis:xsd:2"
)

func xmlTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// QueryResultsXML renders an EPCISQueryDocument for the given schema version
// ("1.2" or "2.0") around a result set.
func QueryResultsXML(events []types.Event, queryName, version string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	ns := epcisNS2
	if version == types.SchemaVersion12 {
		ns = epcisNS1
	}
	root := doc.CreateElement("epcisq:EPCISQueryDocument")
	root.CreateAttr("xmlns:epcisq", "urn:epcglobal:epcis-query:xsd:"+ns[len(ns)-1:])
	root.CreateAttr("schemaVersion", version)
	root.CreateAttr("creationDate", xmlTime(time.Now()))

	body := root.CreateElement("EPCISBody")
	results := body.CreateElement("epcisq:QueryResults")
	results.CreateElement("queryName").SetText(queryName)
	resultsBody := results.CreateElement("resultsBody")
	eventList := resultsBody.CreateElement("EventList")

	prefixes := newPrefixTable()
	for i := range events {
		if err := appendEventXML(eventList, &events[i], version, prefixes); err != nil {
			return nil, err
		}
	}
	declarePrefixes(root, prefixes)

	doc.Indent(2)
	return doc.WriteToBytes()
}

// DocumentXML renders a plain EPCISDocument around the events, used for
// subscription deliveries.
func DocumentXML(events []types.Event, version string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	ns := epcisNS2
	if version == types.SchemaVersion12 {
		ns = epcisNS1
	}
	root := doc.CreateElement("epcis:EPCISDocument")
	root.CreateAttr("xmlns:epcis", ns)
	root.CreateAttr("schemaVersion", version)
	root.CreateAttr("creationDate", xmlTime(time.Now()))

	eventList := root.CreateElement("EPCISBody").CreateElement("EventList")
	prefixes := newPrefixTable()
	for i := range events {
		if err := appendEventXML(eventList, &events[i], version, prefixes); err != nil {
			return nil, err
		}
	}
	declarePrefixes(root, prefixes)

	doc.Indent(2)
	return doc.WriteToBytes()
}

func declarePrefixes(root *etree.Element, prefixes *prefixTable) {
	for _, uri := range prefixes.order {
		root.CreateAttr("xmlns:"+prefixes.prefixes[uri], uri)
	}
}

func appendEventXML(eventList *etree.Element, ev *types.Event, version string, prefixes *prefixTable) error {
	legacy := version != types.SchemaVersion20

	parent := eventList
	if legacy && ev.Type == types.TransformationEvent {
		// 1.2 hides transformation events behind the EventList extension
		parent = eventList.CreateElement("extension")
	}
	el := parent.CreateElement(string(ev.Type))

	el.CreateElement("eventTime").SetText(xmlTime(ev.EventTime))
	if ev.EventTimeZoneOffset != "" {
		el.CreateElement("eventTimeZoneOffset").SetText(ev.EventTimeZoneOffset)
	}
	if !ev.RecordTime.IsZero() {
		el.CreateElement("recordTime").SetText(xmlTime(ev.RecordTime))
	}
	if ev.EventID != "" {
		if legacy {
			el.CreateElement("baseExtension").CreateElement("eventID").SetText(ev.EventID)
		} else {
			el.CreateElement("eventID").SetText(ev.EventID)
		}
	}

	appendErrorDeclaration(el, ev, legacy, prefixes)
	appendEpcLists(el, ev, legacy)

	if ev.Action != "" {
		el.CreateElement("action").SetText(ev.Action)
	}
	if ev.TransformationID != "" {
		el.CreateElement("transformationID").SetText(ev.TransformationID)
	}
	if ev.BizStep != "" {
		el.CreateElement("bizStep").SetText(ev.BizStep)
	}
	if ev.Disposition != "" {
		el.CreateElement("disposition").SetText(ev.Disposition)
	}
	if len(ev.PersistentDispositions) > 0 && !legacy {
		pd := el.CreateElement("persistentDisposition")
		for _, d := range ev.PersistentDispositions {
			pd.CreateElement(d.Type).SetText(d.ID)
		}
	}
	if ev.ReadPoint != "" {
		el.CreateElement("readPoint").CreateElement("id").SetText(ev.ReadPoint)
	}
	if ev.BizLocation != "" {
		el.CreateElement("bizLocation").CreateElement("id").SetText(ev.BizLocation)
	}

	if len(ev.Transactions) > 0 {
		btl := el.CreateElement("bizTransactionList")
		for _, bt := range ev.Transactions {
			e := btl.CreateElement("bizTransaction")
			if bt.Type != "" {
				e.CreateAttr("type", bt.Type)
			}
			e.SetText(bt.ID)
		}
	}

	appendSourceDest(el, ev, legacy)
	appendIlmd(el, ev, legacy, prefixes)

	if !legacy && len(ev.SensorElements) > 0 {
		appendSensorElements(el, ev, prefixes)
	}
	if ev.CertificationInfo != "" && !legacy {
		el.CreateElement("certificationInfo").SetText(ev.CertificationInfo)
	}

	for _, root := range buildFieldTree(fieldsOfTypes(ev.Fields, nil, types.FieldExtension)) {
		appendFieldNode(el, root, prefixes)
	}
	return nil
}

func appendEpcLists(el *etree.Element, ev *types.Event, legacy bool) {
	byType := map[types.EpcType][]types.Epc{}
	for _, epc := range ev.Epcs {
		byType[epc.Type] = append(byType[epc.Type], epc)
	}

	addList := func(tag string, epcs []types.Epc) {
		if len(epcs) == 0 {
			return
		}
		list := el.CreateElement(tag)
		for _, epc := range epcs {
			list.CreateElement("epc").SetText(epc.ID)
		}
	}
	addQuantityList := func(tag string, epcs []types.Epc) {
		if len(epcs) == 0 {
			return
		}
		container := el
		if legacy {
			container = el.CreateElement("extension")
		}
		list := container.CreateElement(tag)
		for _, epc := range epcs {
			qe := list.CreateElement("quantityElement")
			qe.CreateElement("epcClass").SetText(epc.ID)
			if epc.Quantity != nil {
				qe.CreateElement("quantity").SetText(trimFloat(*epc.Quantity))
			}
			if epc.UnitOfMeasure != "" {
				qe.CreateElement("uom").SetText(epc.UnitOfMeasure)
			}
		}
	}

	for _, parent := range byType[types.EpcParent] {
		el.CreateElement("parentID").SetText(parent.ID)
	}
	addList("epcList", byType[types.EpcList])
	addList("childEPCs", byType[types.EpcChild])
	addList("inputEPCList", byType[types.EpcInput])
	addList("outputEPCList", byType[types.EpcOutput])
	addQuantityList("quantityList", byType[types.EpcQuantity])
}

func appendSourceDest(el *etree.Element, ev *types.Event, legacy bool) {
	if len(ev.Sources) == 0 && len(ev.Destinations) == 0 {
		return
	}
	container := el
	if legacy && ev.Type != types.TransformationEvent {
		container = el.CreateElement("extension")
	}
	if len(ev.Sources) > 0 {
		sl := container.CreateElement("sourceList")
		for _, s := range ev.Sources {
			e := sl.CreateElement("source")
			if s.Type != "" {
				e.CreateAttr("type", s.Type)
			}
			e.SetText(s.ID)
		}
	}
	if len(ev.Destinations) > 0 {
		dl := container.CreateElement("destinationList")
		for _, d := range ev.Destinations {
			e := dl.CreateElement("destination")
			if d.Type != "" {
				e.CreateAttr("type", d.Type)
			}
			e.SetText(d.ID)
		}
	}
}

func appendIlmd(el *etree.Element, ev *types.Event, legacy bool, prefixes *prefixTable) {
	roots := buildFieldTree(fieldsOfTypes(ev.Fields, nil, types.FieldIlmd))
	if len(roots) == 0 {
		return
	}
	container := el
	if legacy {
		container = el.CreateElement("extension")
	}
	ilmd := container.CreateElement("ilmd")
	for _, root := range roots {
		appendFieldNode(ilmd, root, prefixes)
	}
}

func appendErrorDeclaration(el *etree.Element, ev *types.Event, legacy bool, prefixes *prefixTable) {
	hasDecl := ev.CorrectiveDeclarationTime != nil || ev.CorrectiveReason != "" || len(ev.CorrectiveEventIDs) > 0
	if !hasDecl {
		return
	}
	container := el
	if legacy {
		container = el.CreateElement("baseExtension")
	}
	decl := container.CreateElement("errorDeclaration")
	if ev.CorrectiveDeclarationTime != nil {
		decl.CreateElement("declarationTime").SetText(xmlTime(*ev.CorrectiveDeclarationTime))
	}
	if ev.CorrectiveReason != "" {
		decl.CreateElement("reason").SetText(ev.CorrectiveReason)
	}
	if len(ev.CorrectiveEventIDs) > 0 {
		ids := decl.CreateElement("correctiveEventIDs")
		for _, id := range ev.CorrectiveEventIDs {
			ids.CreateElement("correctiveEventID").SetText(id)
		}
	}
	for _, root := range buildFieldTree(fieldsOfTypes(ev.Fields, nil, types.FieldErrorDeclaration)) {
		appendFieldNode(decl, root, prefixes)
	}
}

func appendSensorElements(el *etree.Element, ev *types.Event, prefixes *prefixTable) {
	list := el.CreateElement("sensorElementList")
	flatReport := 0
	for i := range ev.SensorElements {
		se := &ev.SensorElements[i]
		sel := list.CreateElement("sensorElement")

		meta := sel.CreateElement("sensorMetadata")
		if se.Time != nil {
			meta.CreateAttr("time", xmlTime(*se.Time))
		}
		setAttr(meta, "deviceID", se.DeviceID)
		setAttr(meta, "deviceMetadata", se.DeviceMetadata)
		setAttr(meta, "rawData", se.RawData)
		setAttr(meta, "bizRules", se.BizRules)
		for _, f := range fieldsOfTypes(ev.Fields, &se.Index, types.FieldSensorMetadataAttr) {
			meta.CreateAttr(qualify(prefixes, f.Namespace, f.Name), fieldValue(&f))
		}

		for j := range se.Reports {
			appendSensorReport(sel, ev, &se.Reports[j], flatReport, prefixes)
			flatReport++
		}

		for _, root := range buildFieldTree(fieldsOfTypes(ev.Fields, &se.Index, types.FieldSensorElementExtension)) {
			appendFieldNode(sel, root, prefixes)
		}
	}
}

func appendSensorReport(sel *etree.Element, ev *types.Event, r *types.SensorReport, flatReport int, prefixes *prefixTable) {
	rep := sel.CreateElement("sensorReport")
	setAttr(rep, "type", r.Type)
	setAttr(rep, "deviceID", r.DeviceID)
	setAttr(rep, "deviceMetadata", r.DeviceMetadata)
	setAttr(rep, "rawData", r.RawData)
	setAttr(rep, "dataProcessingMethod", r.DataProcessingMethod)
	if r.Time != nil {
		rep.CreateAttr("time", xmlTime(*r.Time))
	}
	setAttr(rep, "microorganism", r.Microorganism)
	setAttr(rep, "chemicalSubstance", r.ChemicalSubstance)
	setFloatAttr(rep, "value", r.Value)
	setAttr(rep, "stringValue", r.StringValue)
	if r.BooleanValue != nil {
		rep.CreateAttr("booleanValue", fmt.Sprintf("%t", *r.BooleanValue))
	}
	setAttr(rep, "hexBinaryValue", r.HexBinaryValue)
	setAttr(rep, "uriValue", r.URIValue)
	setFloatAttr(rep, "minValue", r.MinValue)
	setFloatAttr(rep, "maxValue", r.MaxValue)
	setFloatAttr(rep, "meanValue", r.MeanValue)
	setFloatAttr(rep, "sDev", r.SDev)
	setFloatAttr(rep, "percRank", r.PercRank)
	setFloatAttr(rep, "percValue", r.PercValue)
	setAttr(rep, "uom", r.UnitOfMeasure)
	setAttr(rep, "coordinateReferenceSystem", r.CoordinateReferenceSystem)

	for _, f := range fieldsOfTypes(ev.Fields, &flatReport, types.FieldSensorReportExtension) {
		rep.CreateAttr(qualify(prefixes, f.Namespace, f.Name), fieldValue(&f))
	}
}

func setAttr(el *etree.Element, key, value string) {
	if value != "" {
		el.CreateAttr(key, value)
	}
}

func setFloatAttr(el *etree.Element, key string, v *float64) {
	if v != nil {
		el.CreateAttr(key, trimFloat(*v))
	}
}

func qualify(prefixes *prefixTable, namespace, name string) string {
	if prefix := prefixes.prefixFor(namespace); prefix != "" {
		return prefix + ":" + name
	}
	return name
}

// appendFieldNode emits one reconstructed extension node with its attributes
// and children.
func appendFieldNode(parent *etree.Element, node *fieldNode, prefixes *prefixTable) {
	el := parent.CreateElement(qualify(prefixes, node.field.Namespace, node.field.Name))
	for _, attr := range node.attrs {
		el.CreateAttr(qualify(prefixes, attr.Namespace, attr.Name), fieldValue(&attr))
	}
	if len(node.children) == 0 {
		el.SetText(fieldValue(&node.field))
		return
	}
	for _, child := range node.children {
		appendFieldNode(el, child, prefixes)
	}
}

package decode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/trackvision/tv-epcis-repository/types"
)

const (
	epcisNS1 = "urn:epcglobal:epcis:xsd:1"
	epcisNS2 = "urn:epcglobal:epcis:xsd:2"
	sbdhNS   = "http://www.unece.org/cefact/namespaces/StandardBusinessDocumentHeader"
	xsiNS    = "http://www.w3.org/2001/XMLSchema-instance"
)

// standardNS are namespaces that never become extension fields.
var standardNS = map[string]bool{
	epcisNS1: true,
	epcisNS2: true,
	sbdhNS:   true,
	xsiNS:    true,
}

func decodeXML(data []byte) (*types.Capture, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedDocument, err)
	}

	// etree tolerates input with no elements at all; treat that as not XML
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: no XML root element", types.ErrMalformedDocument)
	}
	if root.Tag != "EPCISDocument" {
		return nil, fmt.Errorf("%w: root element is not EPCISDocument", types.ErrSchemaInvalid)
	}

	version := root.SelectAttrValue("schemaVersion", "")
	if !types.ValidSchemaVersion(version) {
		return nil, fmt.Errorf("%w: schemaVersion %q", types.ErrUnsupportedVersion, version)
	}

	capture := &types.Capture{
		SchemaVersion: version,
		Namespaces:    map[string]string{},
	}
	for _, attr := range root.Attr {
		if attr.Space == "xmlns" && !standardNS[attr.Value] {
			capture.Namespaces[attr.Value] = attr.Key
		}
	}
	if t, ok := parseTime(root.SelectAttrValue("creationDate", "")); ok {
		capture.DocumentTime = t
	}

	if header := root.SelectElement("EPCISHeader"); header != nil {
		capture.SBDH = parseSBDH(header)
		capture.MasterData = parseMasterData(header)
	}

	body := root.SelectElement("EPCISBody")
	if body == nil {
		return nil, fmt.Errorf("%w: missing EPCISBody", types.ErrSchemaInvalid)
	}
	eventList := body.SelectElement("EventList")
	if eventList == nil {
		return nil, fmt.Errorf("%w: missing EventList", types.ErrSchemaInvalid)
	}

	for _, el := range unwrapped(eventList) {
		eventType, ok := eventTypeForTag(el.Tag)
		if !ok {
			return nil, fmt.Errorf("%w: unknown event element %q", types.ErrSchemaInvalid, el.Tag)
		}
		ev, err := parseXMLEvent(el, eventType, capture.Namespaces)
		if err != nil {
			return nil, err
		}
		capture.Events = append(capture.Events, *ev)
	}

	return capture, nil
}

func eventTypeForTag(tag string) (types.EventType, bool) {
	switch tag {
	case "ObjectEvent":
		return types.ObjectEvent, true
	case "AggregationEvent":
		return types.AggregationEvent, true
	case "TransactionEvent":
		return types.TransactionEvent, true
	case "TransformationEvent":
		return types.TransformationEvent, true
	case "QuantityEvent":
		return types.QuantityEvent, true
	}
	return "", false
}

// unwrapped iterates children with 1.x extension and baseExtension wrappers
// made transparent: their children are hoisted one level.
func unwrapped(el *etree.Element) []*etree.Element {
	out := make([]*etree.Element, 0, len(el.ChildElements()))
	for _, child := range el.ChildElements() {
		ns := child.NamespaceURI()
		if (ns == "" || standardNS[ns]) && (child.Tag == "extension" || child.Tag == "baseExtension") {
			out = append(out, unwrapped(child)...)
			continue
		}
		out = append(out, child)
	}
	return out
}

func parseXMLEvent(el *etree.Element, eventType types.EventType, namespaces map[string]string) (*types.Event, error) {
	ev := &types.Event{Type: eventType}
	fl := newFlattener(namespaces)
	reportCount := 0

	for _, child := range unwrapped(el) {
		ns := child.NamespaceURI()
		if ns != "" && !standardNS[ns] {
			fl.walkElement(child, types.FieldExtension, types.FieldExtensionAttribute, nil, nil)
			continue
		}

		switch child.Tag {
		case "eventTime":
			t, ok := parseTime(child.Text())
			if !ok {
				return nil, fmt.Errorf("%w: bad eventTime %q", types.ErrSchemaInvalid, child.Text())
			}
			ev.EventTime = t
			if ev.EventTimeZoneOffset == "" {
				ev.EventTimeZoneOffset = offsetFromTimestamp(child.Text())
			}
		case "eventTimeZoneOffset":
			ev.EventTimeZoneOffset = strings.TrimSpace(child.Text())
		case "recordTime":
			// assigned by the repository, never trusted from the document
		case "eventID":
			ev.EventID = strings.TrimSpace(child.Text())
		case "action":
			ev.Action = strings.TrimSpace(child.Text())
		case "bizStep":
			ev.BizStep = strings.TrimSpace(child.Text())
		case "disposition":
			ev.Disposition = strings.TrimSpace(child.Text())
		case "readPoint":
			ev.ReadPoint = idChildText(child)
		case "bizLocation":
			ev.BizLocation = idChildText(child)
		case "transformationID":
			ev.TransformationID = strings.TrimSpace(child.Text())
		case "certificationInfo":
			ev.CertificationInfo = strings.TrimSpace(child.Text())
		case "parentID":
			ev.Epcs = append(ev.Epcs, types.Epc{Type: types.EpcParent, ID: strings.TrimSpace(child.Text())})
		case "epcList":
			appendEpcs(ev, child, types.EpcList)
		case "childEPCs":
			appendEpcs(ev, child, types.EpcChild)
		case "inputEPCList":
			appendEpcs(ev, child, types.EpcInput)
		case "outputEPCList":
			appendEpcs(ev, child, types.EpcOutput)
		case "quantityList", "childQuantityList", "inputQuantityList", "outputQuantityList":
			appendQuantityEpcs(ev, child)
		case "epcClass":
			// QuantityEvent (1.x) carries a bare class plus quantity
			ev.Epcs = append(ev.Epcs, types.Epc{Type: types.EpcQuantity, ID: strings.TrimSpace(child.Text())})
		case "quantity":
			if v, err := strconv.ParseFloat(strings.TrimSpace(child.Text()), 64); err == nil && len(ev.Epcs) > 0 {
				ev.Epcs[len(ev.Epcs)-1].Quantity = &v
			}
		case "bizTransactionList":
			for _, bt := range child.SelectElements("bizTransaction") {
				ev.Transactions = append(ev.Transactions, types.BusinessTransaction{
					Type: bt.SelectAttrValue("type", ""),
					ID:   strings.TrimSpace(bt.Text()),
				})
			}
		case "sourceList":
			for _, s := range child.SelectElements("source") {
				ev.Sources = append(ev.Sources, types.Source{
					Type: s.SelectAttrValue("type", ""),
					ID:   strings.TrimSpace(s.Text()),
				})
			}
		case "destinationList":
			for _, d := range child.SelectElements("destination") {
				ev.Destinations = append(ev.Destinations, types.Destination{
					Type: d.SelectAttrValue("type", ""),
					ID:   strings.TrimSpace(d.Text()),
				})
			}
		case "persistentDisposition":
			for _, pd := range child.ChildElements() {
				if pd.Tag == "set" || pd.Tag == "unset" {
					ev.PersistentDispositions = append(ev.PersistentDispositions, types.PersistentDisposition{
						Type: pd.Tag,
						ID:   strings.TrimSpace(pd.Text()),
					})
				}
			}
		case "ilmd":
			for _, ext := range child.ChildElements() {
				fl.walkElement(ext, types.FieldIlmd, types.FieldIlmdAttribute, nil, nil)
			}
		case "sensorElementList":
			for i, se := range child.SelectElements("sensorElement") {
				parseSensorElement(ev, fl, se, i, &reportCount)
			}
		case "errorDeclaration":
			parseErrorDeclaration(ev, fl, child)
		default:
			// unqualified but unknown: tolerated, same as foreign extensions
			fl.walkElement(child, types.FieldExtension, types.FieldExtensionAttribute, nil, nil)
		}
	}

	ev.Fields = fl.fields
	return ev, nil
}

func idChildText(el *etree.Element) string {
	if id := el.SelectElement("id"); id != nil {
		return strings.TrimSpace(id.Text())
	}
	return strings.TrimSpace(el.Text())
}

func appendEpcs(ev *types.Event, list *etree.Element, epcType types.EpcType) {
	for _, epc := range list.SelectElements("epc") {
		ev.Epcs = append(ev.Epcs, types.Epc{Type: epcType, ID: strings.TrimSpace(epc.Text())})
	}
}

func appendQuantityEpcs(ev *types.Event, list *etree.Element) {
	for _, qe := range list.SelectElements("quantityElement") {
		epc := types.Epc{Type: types.EpcQuantity}
		if c := qe.SelectElement("epcClass"); c != nil {
			epc.ID = strings.TrimSpace(c.Text())
		}
		if q := qe.SelectElement("quantity"); q != nil {
			if v, err := strconv.ParseFloat(strings.TrimSpace(q.Text()), 64); err == nil {
				epc.Quantity = &v
			}
		}
		if u := qe.SelectElement("uom"); u != nil {
			epc.UnitOfMeasure = strings.TrimSpace(u.Text())
		}
		ev.Epcs = append(ev.Epcs, epc)
	}
}

func parseSensorElement(ev *types.Event, fl *flattener, el *etree.Element, index int, reportCount *int) {
	se := types.SensorElement{Index: index}

	if meta := el.SelectElement("sensorMetadata"); meta != nil {
		for _, attr := range meta.Attr {
			if ns := attr.NamespaceURI(); ns != "" && !standardNS[ns] {
				fl.add(types.FieldSensorMetadataAttr, ns, attr.Key, attr.Value, nil, intp(index))
				continue
			}
			switch attr.Key {
			case "time":
				if t, ok := parseTime(attr.Value); ok {
					se.Time = &t
				}
			case "deviceID":
				se.DeviceID = attr.Value
			case "deviceMetadata":
				se.DeviceMetadata = attr.Value
			case "rawData":
				se.RawData = attr.Value
			case "bizRules":
				se.BizRules = attr.Value
			}
		}
	}

	for _, child := range el.ChildElements() {
		switch {
		case child.Tag == "sensorMetadata":
			// handled above
		case child.Tag == "sensorReport":
			report := parseSensorReport(fl, child, index, len(se.Reports), *reportCount)
			se.Reports = append(se.Reports, report)
			*reportCount++
		case child.NamespaceURI() != "" && !standardNS[child.NamespaceURI()]:
			fl.walkElement(child, types.FieldSensorElementExtension, types.FieldExtensionAttribute, nil, intp(index))
		}
	}

	ev.SensorElements = append(ev.SensorElements, se)
}

func parseSensorReport(fl *flattener, el *etree.Element, sensorIndex, reportIndex, flatReportIndex int) types.SensorReport {
	r := types.SensorReport{Index: reportIndex, SensorIndex: sensorIndex}

	float := func(s string) *float64 {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return &v
		}
		return nil
	}

	for _, attr := range el.Attr {
		if ns := attr.NamespaceURI(); ns != "" && !standardNS[ns] {
			fl.add(types.FieldSensorReportExtension, ns, attr.Key, attr.Value, nil, intp(flatReportIndex))
			continue
		}
		switch attr.Key {
		case "type":
			r.Type = attr.Value
		case "deviceID":
			r.DeviceID = attr.Value
		case "deviceMetadata":
			r.DeviceMetadata = attr.Value
		case "rawData":
			r.RawData = attr.Value
		case "dataProcessingMethod":
			r.DataProcessingMethod = attr.Value
		case "time":
			if t, ok := parseTime(attr.Value); ok {
				r.Time = &t
			}
		case "microorganism":
			r.Microorganism = attr.Value
		case "chemicalSubstance":
			r.ChemicalSubstance = attr.Value
		case "value":
			r.Value = float(attr.Value)
		case "stringValue":
			r.StringValue = attr.Value
		case "booleanValue":
			if v, err := strconv.ParseBool(attr.Value); err == nil {
				r.BooleanValue = &v
			}
		case "hexBinaryValue":
			r.HexBinaryValue = attr.Value
		case "uriValue":
			r.URIValue = attr.Value
		case "minValue":
			r.MinValue = float(attr.Value)
		case "maxValue":
			r.MaxValue = float(attr.Value)
		case "meanValue":
			r.MeanValue = float(attr.Value)
		case "sDev":
			r.SDev = float(attr.Value)
		case "percRank":
			r.PercRank = float(attr.Value)
		case "percValue":
			r.PercValue = float(attr.Value)
		case "uom":
			r.UnitOfMeasure = attr.Value
		case "coordinateReferenceSystem":
			r.CoordinateReferenceSystem = attr.Value
		}
	}

	return r
}

func parseErrorDeclaration(ev *types.Event, fl *flattener, el *etree.Element) {
	for _, child := range unwrapped(el) {
		switch child.Tag {
		case "declarationTime":
			if t, ok := parseTime(child.Text()); ok {
				ev.CorrectiveDeclarationTime = &t
			}
		case "reason":
			ev.CorrectiveReason = strings.TrimSpace(child.Text())
		case "correctiveEventIDs":
			for _, id := range child.SelectElements("correctiveEventID") {
				ev.CorrectiveEventIDs = append(ev.CorrectiveEventIDs, strings.TrimSpace(id.Text()))
			}
		default:
			if child.NamespaceURI() != "" && !standardNS[child.NamespaceURI()] {
				fl.walkElement(child, types.FieldErrorDeclaration, types.FieldExtensionAttribute, nil, nil)
			}
		}
	}
}

func parseSBDH(header *etree.Element) *types.StandardBusinessHeader {
	sbdh := header.SelectElement("StandardBusinessDocumentHeader")
	if sbdh == nil {
		return nil
	}
	out := &types.StandardBusinessHeader{}
	if s := sbdh.SelectElement("Sender"); s != nil {
		if id := s.SelectElement("Identifier"); id != nil {
			out.Sender = strings.TrimSpace(id.Text())
		}
	}
	if r := sbdh.SelectElement("Receiver"); r != nil {
		if id := r.SelectElement("Identifier"); id != nil {
			out.Receiver = strings.TrimSpace(id.Text())
		}
	}
	if di := sbdh.SelectElement("DocumentIdentification"); di != nil {
		if ii := di.SelectElement("InstanceIdentifier"); ii != nil {
			out.DocumentIdentifier = strings.TrimSpace(ii.Text())
		}
		if ct := di.SelectElement("CreationDateAndTime"); ct != nil {
			if t, ok := parseTime(ct.Text()); ok {
				out.CreationDateTime = t
			}
		}
	}
	return out
}

func parseMasterData(header *etree.Element) []types.MasterData {
	container := header
	if ext := header.SelectElement("extension"); ext != nil {
		container = ext
	}
	md := container.SelectElement("EPCISMasterData")
	if md == nil {
		return nil
	}
	vocabList := md.SelectElement("VocabularyList")
	if vocabList == nil {
		return nil
	}

	var out []types.MasterData
	for _, vocab := range vocabList.SelectElements("Vocabulary") {
		vocabType := vocab.SelectAttrValue("type", "")
		elemList := vocab.SelectElement("VocabularyElementList")
		if elemList == nil {
			continue
		}
		for _, elem := range elemList.SelectElements("VocabularyElement") {
			entry := types.MasterData{
				Type: vocabType,
				URI:  elem.SelectAttrValue("id", ""),
			}
			for _, attr := range elem.SelectElements("attribute") {
				entry.Attributes = append(entry.Attributes, types.MasterDataAttribute{
					Name:  attr.SelectAttrValue("id", ""),
					Value: strings.TrimSpace(attr.Text()),
				})
			}
			if children := elem.SelectElement("children"); children != nil {
				for _, id := range children.SelectElements("id") {
					entry.Children = append(entry.Children, strings.TrimSpace(id.Text()))
				}
			}
			out = append(out, entry)
		}
	}
	return out
}

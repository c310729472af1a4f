package encode

import (
	"time"

	"github.com/beevik/etree"

	"github.com/trackvision/tv-epcis-repository/types"
)

const (
	soapNS       = "http://schemas.xmlsoap.org/soap/envelope/"
	epcisQueryNS = "urn:epcglobal:epcis-query:xsd:1"
)

// soapEnvelope wraps a builder that fills the Body element.
func soapEnvelope(fill func(body *etree.Element) error) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", soapNS)
	env.CreateAttr("xmlns:epcisq", epcisQueryNS)
	body := env.CreateElement("soapenv:Body")
	if err := fill(body); err != nil {
		return nil, err
	}
	doc.Indent(2)
	return doc.WriteToBytes()
}

// SOAPFault renders an EPCISException fault. exceptionType is the EPCIS
// exception element name (QueryParameterException, QueryTooLargeException,
// NoSuchNameException, SubscribeNotPermittedException, ...).
func SOAPFault(exceptionType, reason string) ([]byte, error) {
	return soapEnvelope(func(body *etree.Element) error {
		fault := body.CreateElement("soapenv:Fault")
		fault.CreateElement("faultcode").SetText("soapenv:Client")
		fault.CreateElement("faultstring").SetText(reason)
		detail := fault.CreateElement("detail")
		exc := detail.CreateElement("epcisq:" + exceptionType)
		exc.CreateElement("reason").SetText(reason)
		return nil
	})
}

// SOAPPollResponse renders the Poll result set as 1.2 QueryResults.
func SOAPPollResponse(events []types.Event, queryName string) ([]byte, error) {
	return soapEnvelope(func(body *etree.Element) error {
		results := body.CreateElement("epcisq:QueryResults")
		results.CreateElement("queryName").SetText(queryName)
		resultsBody := results.CreateElement("resultsBody")
		eventList := resultsBody.CreateElement("EventList")
		prefixes := newPrefixTable()
		for i := range events {
			if err := appendEventXML(eventList, &events[i], types.SchemaVersion12, prefixes); err != nil {
				return err
			}
		}
		declarePrefixes(eventList, prefixes)
		return nil
	})
}

// SOAPStringListResponse renders GetQueryNames / GetSubscriptionIDs style
// responses: a wrapper element holding string items.
func SOAPStringListResponse(wrapper, item string, values []string) ([]byte, error) {
	return soapEnvelope(func(body *etree.Element) error {
		w := body.CreateElement("epcisq:" + wrapper)
		for _, v := range values {
			w.CreateElement(item).SetText(v)
		}
		return nil
	})
}

// SOAPStringResponse renders single-string responses (GetVendorVersion,
// GetStandardVersion).
func SOAPStringResponse(wrapper, value string) ([]byte, error) {
	return soapEnvelope(func(body *etree.Element) error {
		body.CreateElement("epcisq:" + wrapper).SetText(value)
		return nil
	})
}

// SOAPVoidResponse renders Subscribe / Unsubscribe acknowledgements.
func SOAPVoidResponse(wrapper string) ([]byte, error) {
	return soapEnvelope(func(body *etree.Element) error {
		body.CreateElement("epcisq:" + wrapper)
		return nil
	})
}

// SubscriptionDeliveryXML renders the standing-query result document pushed
// to 1.2 subscribers.
func SubscriptionDeliveryXML(events []types.Event, subscriptionID string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("epcisq:EPCISQueryDocument")
	root.CreateAttr("xmlns:epcisq", epcisQueryNS)
	root.CreateAttr("schemaVersion", types.SchemaVersion12)
	root.CreateAttr("creationDate", xmlTime(time.Now()))

	body := root.CreateElement("EPCISBody")
	results := body.CreateElement("epcisq:QueryResults")
	results.CreateElement("subscriptionID").SetText(subscriptionID)
	eventList := results.CreateElement("resultsBody").CreateElement("EventList")

	prefixes := newPrefixTable()
	for i := range events {
		if err := appendEventXML(eventList, &events[i], types.SchemaVersion12, prefixes); err != nil {
			return nil, err
		}
	}
	declarePrefixes(root, prefixes)

	doc.Indent(2)
	return doc.WriteToBytes()
}

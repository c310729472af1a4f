package encode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackvision/tv-epcis-repository/types"
)

func TestSOAPFault(t *testing.T) {
	out, err := SOAPFault("NoSuchNameException", "unknown query")
	require.NoError(t, err)

	doc := parseXML(t, out)
	env := doc.Root()
	assert.Equal(t, "Envelope", env.Tag)
	assert.Equal(t, "http://schemas.xmlsoap.org/soap/envelope/", env.SelectAttrValue("xmlns:soapenv", ""))

	fault := doc.FindElement("//soapenv:Body/soapenv:Fault")
	require.NotNil(t, fault)
	assert.Equal(t, "soapenv:Client", fault.FindElement("faultcode").Text())
	assert.Equal(t, "unknown query", fault.FindElement("faultstring").Text())

	exc := fault.FindElement("detail/epcisq:NoSuchNameException")
	require.NotNil(t, exc)
	assert.Equal(t, "unknown query", exc.FindElement("reason").Text())
}

func TestSOAPPollResponse(t *testing.T) {
	out, err := SOAPPollResponse([]types.Event{sampleEvent()}, "SimpleEventQuery")
	require.NoError(t, err)

	doc := parseXML(t, out)
	results := doc.FindElement("//soapenv:Body/epcisq:QueryResults")
	require.NotNil(t, results)
	assert.Equal(t, "SimpleEventQuery", results.FindElement("queryName").Text())

	// events render in 1.2 form inside the envelope
	obj := results.FindElement("resultsBody/EventList/ObjectEvent")
	require.NotNil(t, obj)
	assert.NotNil(t, obj.FindElement("baseExtension/eventID"))
	assert.Nil(t, obj.FindElement("sensorElementList"))
}

func TestSOAPStringResponses(t *testing.T) {
	out, err := SOAPStringResponse("GetVendorVersionResult", "1.0")
	require.NoError(t, err)
	doc := parseXML(t, out)
	assert.Equal(t, "1.0", doc.FindElement("//epcisq:GetVendorVersionResult").Text())

	out, err = SOAPStringListResponse("GetQueryNamesResult", "string", []string{"SimpleEventQuery"})
	require.NoError(t, err)
	doc = parseXML(t, out)
	names := doc.FindElements("//epcisq:GetQueryNamesResult/string")
	require.Len(t, names, 1)
	assert.Equal(t, "SimpleEventQuery", names[0].Text())

	out, err = SOAPVoidResponse("SubscribeResult")
	require.NoError(t, err)
	doc = parseXML(t, out)
	assert.NotNil(t, doc.FindElement("//epcisq:SubscribeResult"))
}

func TestSubscriptionDeliveryXML(t *testing.T) {
	out, err := SubscriptionDeliveryXML([]types.Event{sampleEvent()}, "sub-1")
	require.NoError(t, err)

	doc := parseXML(t, out)
	root := doc.Root()
	assert.Equal(t, "EPCISQueryDocument", root.Tag)
	assert.Equal(t, "1.2", root.SelectAttrValue("schemaVersion", ""))

	results := doc.FindElement("//EPCISBody/epcisq:QueryResults")
	require.NotNil(t, results)
	assert.Equal(t, "sub-1", results.FindElement("subscriptionID").Text())
	assert.NotNil(t, results.FindElement("resultsBody/EventList/ObjectEvent"))
}

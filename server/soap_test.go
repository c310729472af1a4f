package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackvision/tv-epcis-repository/types"
)

func soapRequest(body string) *http.Request {
	req := authed(http.MethodPost, "/Query.svc",
		`<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:epcisq="urn:epcglobal:epcis-query:xsd:1">
  <soapenv:Body>`+body+`</soapenv:Body>
</soapenv:Envelope>`)
	req.Header.Set("Content-Type", "text/xml")
	return req
}

func soapDoc(t *testing.T, body []byte) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(body))
	return doc
}

func TestSOAPVersionOperations(t *testing.T) {
	s := newTestServer(t, &fakeTx{})

	rec := s.do(soapRequest(`<epcisq:GetVendorVersion/>`))
	require.Equal(t, http.StatusOK, rec.Code)
	doc := soapDoc(t, rec.Body.Bytes())
	assert.Equal(t, "1.0", doc.FindElement("//epcisq:GetVendorVersionResult").Text())

	rec = s.do(soapRequest(`<epcisq:GetStandardVersion/>`))
	require.Equal(t, http.StatusOK, rec.Code)
	doc = soapDoc(t, rec.Body.Bytes())
	assert.Equal(t, "1.2", doc.FindElement("//epcisq:GetStandardVersionResult").Text())
}

func TestSOAPGetQueryNames(t *testing.T) {
	s := newTestServer(t, &fakeTx{})

	rec := s.do(soapRequest(`<epcisq:GetQueryNames/>`))
	require.Equal(t, http.StatusOK, rec.Code)
	doc := soapDoc(t, rec.Body.Bytes())
	names := doc.FindElements("//epcisq:GetQueryNamesResult/string")
	require.Len(t, names, 1)
	assert.Equal(t, "SimpleEventQuery", names[0].Text())
}

func TestSOAPPoll(t *testing.T) {
	tx := &fakeTx{events: []types.Event{{
		ID:                  1,
		Type:                types.ObjectEvent,
		EventTime:           time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		EventTimeZoneOffset: "+00:00",
		Action:              types.ActionObserve,
		BizStep:             "shipping",
	}}}
	s := newTestServer(t, tx)

	rec := s.do(soapRequest(`<epcisq:Poll>
  <queryName>SimpleEventQuery</queryName>
  <params>
    <param>
      <name>EQ_bizStep</name>
      <value><string>shipping</string><string>receiving</string></value>
    </param>
    <param>
      <name>orderBy</name>
      <value>eventTime</value>
    </param>
  </params>
</epcisq:Poll>`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	doc := soapDoc(t, rec.Body.Bytes())
	results := doc.FindElement("//epcisq:QueryResults")
	require.NotNil(t, results)
	assert.Equal(t, "SimpleEventQuery", results.FindElement("queryName").Text())
	assert.NotNil(t, results.FindElement("resultsBody/EventList/ObjectEvent"))
}

func TestSOAPPollUnknownQueryName(t *testing.T) {
	s := newTestServer(t, &fakeTx{})

	rec := s.do(soapRequest(`<epcisq:Poll><queryName>ComplexEventQuery</queryName></epcisq:Poll>`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	doc := soapDoc(t, rec.Body.Bytes())
	assert.NotNil(t, doc.FindElement("//detail/epcisq:NoSuchNameException"))
}

func TestSOAPPollBadParameter(t *testing.T) {
	s := newTestServer(t, &fakeTx{})

	rec := s.do(soapRequest(`<epcisq:Poll>
  <queryName>SimpleEventQuery</queryName>
  <params>
    <param><name>frobnicate</name><value>1</value></param>
  </params>
</epcisq:Poll>`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	doc := soapDoc(t, rec.Body.Bytes())
	assert.NotNil(t, doc.FindElement("//detail/epcisq:QueryParameterException"))
}

func TestSOAPSubscribeLifecycle(t *testing.T) {
	tx := &fakeTx{}
	s := newTestServer(t, tx)

	rec := s.do(soapRequest(`<epcisq:Subscribe>
  <queryName>SimpleEventQuery</queryName>
  <params>
    <param><name>EQ_bizStep</name><value>shipping</value></param>
  </params>
  <dest>https://example.com/hook</dest>
  <controls>
    <schedule><minute>0</minute><hour>6</hour></schedule>
    <reportIfEmpty>true</reportIfEmpty>
  </controls>
  <subscriptionID>soap-sub-1</subscriptionID>
</epcisq:Subscribe>`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, soapDoc(t, rec.Body.Bytes()).FindElement("//epcisq:SubscribeResult"))

	require.Len(t, tx.subscriptions, 1)
	sub := tx.subscriptions[0]
	assert.Equal(t, "soap-sub-1", sub.SubscriptionID)
	assert.Equal(t, "SimpleEventQuery", sub.QueryName)
	assert.Equal(t, "0 6 * * *", sub.Trigger)
	assert.True(t, sub.ReportIfEmpty)

	rec = s.do(soapRequest(`<epcisq:GetSubscriptionIDs><queryName>SimpleEventQuery</queryName></epcisq:GetSubscriptionIDs>`))
	require.Equal(t, http.StatusOK, rec.Code)
	ids := soapDoc(t, rec.Body.Bytes()).FindElements("//epcisq:GetSubscriptionIDsResult/string")
	require.Len(t, ids, 1)
	assert.Equal(t, "soap-sub-1", ids[0].Text())

	rec = s.do(soapRequest(`<epcisq:Unsubscribe><subscriptionID>soap-sub-1</subscriptionID></epcisq:Unsubscribe>`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, tx.subscriptions)

	// a second unsubscribe finds nothing
	rec = s.do(soapRequest(`<epcisq:Unsubscribe><subscriptionID>soap-sub-1</subscriptionID></epcisq:Unsubscribe>`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotNil(t, soapDoc(t, rec.Body.Bytes()).FindElement("//detail/epcisq:NoSuchSubscriptionException"))
}

func TestSOAPSubscribeBadSchedulePersistsNothing(t *testing.T) {
	tx := &fakeTx{}
	s := newTestServer(t, tx)

	rec := s.do(soapRequest(`<epcisq:Subscribe>
  <queryName>SimpleEventQuery</queryName>
  <dest>https://example.com/hook</dest>
  <controls>
    <schedule><minute>61</minute></schedule>
  </controls>
  <subscriptionID>soap-sub-bad</subscriptionID>
</epcisq:Subscribe>`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotNil(t, soapDoc(t, rec.Body.Bytes()).FindElement("//detail/epcisq:SubscriptionControlsException"))
	assert.Empty(t, tx.subscriptions)
}

func TestSOAPSubscribeRequiresIDAndDest(t *testing.T) {
	s := newTestServer(t, &fakeTx{})

	rec := s.do(soapRequest(`<epcisq:Subscribe><queryName>SimpleEventQuery</queryName></epcisq:Subscribe>`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotNil(t, soapDoc(t, rec.Body.Bytes()).FindElement("//detail/epcisq:ValidationException"))
}

func TestSOAPMalformedEnvelope(t *testing.T) {
	s := newTestServer(t, &fakeTx{})

	req := authed(http.MethodPost, "/Query.svc", "this is not xml")
	req.Header.Set("Content-Type", "text/xml")
	rec := s.do(req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotNil(t, soapDoc(t, rec.Body.Bytes()).FindElement("//detail/epcisq:ValidationException"))
}

func TestSOAPUnknownOperation(t *testing.T) {
	s := newTestServer(t, &fakeTx{})

	rec := s.do(soapRequest(`<epcisq:Reticulate/>`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotNil(t, soapDoc(t, rec.Body.Bytes()).FindElement("//detail/epcisq:ImplementationException"))
}

func TestCronFromSchedule(t *testing.T) {
	sched := etree.NewElement("schedule")
	sched.CreateElement("minute").SetText("30")
	sched.CreateElement("dayOfWeek").SetText("1")
	assert.Equal(t, "30 * * * 1", cronFromSchedule(sched))

	assert.Equal(t, "* * * * *", cronFromSchedule(etree.NewElement("schedule")))
}

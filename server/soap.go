package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/labstack/echo/v4"

	"github.com/trackvision/tv-epcis-repository/encode"
	"github.com/trackvision/tv-epcis-repository/query"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/subscription"
	"github.com/trackvision/tv-epcis-repository/types"
)

const (
	soapQueryName   = "SimpleEventQuery"
	vendorVersion   = "1.0"
	standardVersion = "1.2"
)

// soapQuery serves the EPCIS 1.2 query control interface: one POST endpoint
// dispatching on the operation element inside the SOAP body.
func (s *Server) soapQuery(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, s.cfg.CaptureSizeLimit))
	if err != nil {
		return respondError(c, err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return s.soapFault(c, "ValidationException", "envelope is not well-formed XML")
	}
	op := soapOperation(doc)
	if op == nil {
		return s.soapFault(c, "ValidationException", "no operation in SOAP body")
	}

	switch op.Tag {
	case "GetVendorVersion":
		payload, err := encode.SOAPStringResponse("GetVendorVersionResult", vendorVersion)
		return s.soapOK(c, payload, err)
	case "GetStandardVersion":
		payload, err := encode.SOAPStringResponse("GetStandardVersionResult", standardVersion)
		return s.soapOK(c, payload, err)
	case "GetQueryNames":
		payload, err := encode.SOAPStringListResponse("GetQueryNamesResult", "string", []string{soapQueryName})
		return s.soapOK(c, payload, err)
	case "Poll":
		return s.soapPoll(c, op)
	case "Subscribe":
		return s.soapSubscribe(c, op)
	case "Unsubscribe":
		return s.soapUnsubscribe(c, op)
	case "GetSubscriptionIDs":
		return s.soapSubscriptionIDs(c)
	default:
		return s.soapFault(c, "ImplementationException", "unknown operation "+op.Tag)
	}
}

func soapOperation(doc *etree.Document) *etree.Element {
	root := doc.Root()
	if root == nil {
		return nil
	}
	for _, child := range root.ChildElements() {
		if child.Tag == "Body" {
			elements := child.ChildElements()
			if len(elements) > 0 {
				return elements[0]
			}
		}
	}
	return nil
}

// soapParams reads the 1.2 param list: <params><param><name/><value/>...
// Values are either element text or nested <string> items.
func soapParams(op *etree.Element) []types.QueryParam {
	var out []types.QueryParam
	params := op.SelectElement("params")
	if params == nil {
		return out
	}
	for _, p := range params.SelectElements("param") {
		nameEl := p.SelectElement("name")
		valueEl := p.SelectElement("value")
		if nameEl == nil || valueEl == nil {
			continue
		}
		var values []string
		if items := valueEl.SelectElements("string"); len(items) > 0 {
			for _, item := range items {
				values = append(values, strings.TrimSpace(item.Text()))
			}
		} else {
			values = []string{strings.TrimSpace(valueEl.Text())}
		}
		out = append(out, types.QueryParam{Name: strings.TrimSpace(nameEl.Text()), Values: values})
	}
	return out
}

func (s *Server) soapPoll(c echo.Context, op *etree.Element) error {
	if name := childText(op, "queryName"); name != soapQueryName {
		return s.soapFault(c, "NoSuchNameException", "unknown query "+name)
	}

	result, err := s.queries.Run(c.Request().Context(), tenantID(c), soapParams(op))
	if err != nil {
		return s.soapError(c, err)
	}
	payload, err := encode.SOAPPollResponse(result.Events, soapQueryName)
	return s.soapOK(c, payload, err)
}

func (s *Server) soapSubscribe(c echo.Context, op *etree.Element) error {
	if name := childText(op, "queryName"); name != soapQueryName {
		return s.soapFault(c, "NoSuchNameException", "unknown query "+name)
	}
	subscriptionID := childText(op, "subscriptionID")
	dest := childText(op, "dest")
	if subscriptionID == "" || dest == "" {
		return s.soapFault(c, "ValidationException", "subscriptionID and dest are required")
	}

	params := soapParams(op)
	if _, err := query.ParseParams(params); err != nil {
		return s.soapError(c, err)
	}

	trigger := types.TriggerOnCapture
	reportIfEmpty := false
	initial := time.Now().UTC()
	if controls := op.SelectElement("controls"); controls != nil {
		if sched := controls.SelectElement("schedule"); sched != nil {
			trigger = cronFromSchedule(sched)
		}
		if childText(controls, "reportIfEmpty") == "true" {
			reportIfEmpty = true
		}
		if t, err := time.Parse(time.RFC3339, childText(controls, "initialRecordTime")); err == nil {
			initial = t.UTC()
		}
	}
	if err := subscription.ValidateTrigger(trigger); err != nil {
		return s.soapFault(c, "SubscriptionControlsException", "bad schedule: "+err.Error())
	}

	sub := &types.Subscription{
		SubscriptionID:    subscriptionID,
		Name:              subscriptionID,
		QueryName:         soapQueryName,
		Parameters:        params,
		Destination:       dest,
		TenantID:          tenantID(c),
		ReportIfEmpty:     reportIfEmpty,
		Trigger:           trigger,
		InitialRecordTime: initial,
		LastExecutedTime:  initial,
		Active:            true,
	}
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		return tx.UpsertSubscription(c.Request().Context(), sub)
	})
	if err != nil {
		return s.soapError(c, err)
	}
	if err := s.subs.Add(*sub); err != nil {
		return s.soapFault(c, "SubscriptionControlsException", err.Error())
	}
	payload, err := encode.SOAPVoidResponse("SubscribeResult")
	return s.soapOK(c, payload, err)
}

// cronFromSchedule converts the 1.2 QuerySchedule fields (second, minute,
// hour, ...) into a cron expression. Empty fields mean "every".
func cronFromSchedule(sched *etree.Element) string {
	field := func(tag, every string) string {
		if v := childText(sched, tag); v != "" {
			return v
		}
		return every
	}
	return strings.Join([]string{
		field("minute", "*"),
		field("hour", "*"),
		field("dayOfMonth", "*"),
		field("month", "*"),
		field("dayOfWeek", "*"),
	}, " ")
}

func (s *Server) soapUnsubscribe(c echo.Context, op *etree.Element) error {
	subscriptionID := childText(op, "subscriptionID")
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		return tx.DeleteSubscription(c.Request().Context(), tenantID(c), subscriptionID)
	})
	if err != nil {
		return s.soapError(c, err)
	}
	s.subs.Remove(subscriptionID)
	payload, err := encode.SOAPVoidResponse("UnsubscribeResult")
	return s.soapOK(c, payload, err)
}

func (s *Server) soapSubscriptionIDs(c echo.Context) error {
	var subs []types.Subscription
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		var err error
		subs, err = tx.ListSubscriptions(c.Request().Context(), tenantID(c))
		return err
	})
	if err != nil {
		return s.soapError(c, err)
	}
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.QueryName == soapQueryName {
			ids = append(ids, sub.SubscriptionID)
		}
	}
	payload, err := encode.SOAPStringListResponse("GetSubscriptionIDsResult", "string", ids)
	return s.soapOK(c, payload, err)
}

func childText(el *etree.Element, tag string) string {
	if child := el.SelectElement(tag); child != nil {
		return strings.TrimSpace(child.Text())
	}
	return ""
}

func (s *Server) soapOK(c echo.Context, payload []byte, err error) error {
	if err != nil {
		return s.soapError(c, err)
	}
	return c.Blob(http.StatusOK, "text/xml", payload)
}

// soapError maps domain errors to EPCISException fault subtypes.
func (s *Server) soapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, types.ErrUnsupportedParameter), errors.Is(err, types.ErrInvalidParameterValue):
		return s.soapFault(c, "QueryParameterException", err.Error())
	case errors.Is(err, types.ErrQueryTooLarge):
		return s.soapFault(c, "QueryTooLargeException", err.Error())
	case errors.Is(err, types.ErrSubscriptionExists):
		return s.soapFault(c, "DuplicateSubscriptionException", err.Error())
	case errors.Is(err, types.ErrSubscriptionNotFound):
		return s.soapFault(c, "NoSuchSubscriptionException", err.Error())
	default:
		return s.soapFault(c, "ImplementationException", "internal error")
	}
}

func (s *Server) soapFault(c echo.Context, exceptionType, reason string) error {
	payload, err := encode.SOAPFault(exceptionType, reason)
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.Blob(http.StatusInternalServerError, "text/xml", payload)
}

package server

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/trackvision/tv-epcis-repository/decode"
	"github.com/trackvision/tv-epcis-repository/encode"
	"github.com/trackvision/tv-epcis-repository/query"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/subscription"
	"github.com/trackvision/tv-epcis-repository/types"
)

const nextPageTokenHeader = "GS1-Next-Page-Token"

// httpQueryParams lifts the URL query string into the parameter grammar,
// one QueryParam per name with all its values.
func httpQueryParams(c echo.Context) []types.QueryParam {
	raw := c.QueryParams()
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]types.QueryParam, 0, len(names))
	for _, name := range names {
		params = append(params, types.QueryParam{Name: name, Values: raw[name]})
	}
	return params
}

func (s *Server) getEvents(c echo.Context) error {
	result, err := s.queries.Run(c.Request().Context(), tenantID(c), httpQueryParams(c))
	if err != nil {
		return respondError(c, err)
	}
	return s.respondQueryResults(c, result, "SimpleEventQuery")
}

func (s *Server) respondQueryResults(c echo.Context, result *query.Result, queryName string) error {
	if result.NextPageToken != "" {
		c.Response().Header().Set(nextPageTokenHeader, result.NextPageToken)
	}
	if wantsXML(c) {
		payload, err := encode.QueryResultsXML(result.Events, queryName, types.SchemaVersion20)
		if err != nil {
			return respondError(c, err)
		}
		return c.Blob(http.StatusOK, decode.ContentTypeXML, payload)
	}
	payload, err := encode.QueryResultsJSON(result.Events, queryName, result.NextPageToken)
	if err != nil {
		return respondError(c, err)
	}
	return c.Blob(http.StatusOK, decode.ContentTypeJSONLD, payload)
}

// discover serves the vocabulary discovery endpoints off one dimension of
// the stored events.
func (s *Server) discover(dimension string) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := intQuery(c, "perPage", 100)
		var values []string
		err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
			var err error
			values, err = tx.DistinctEventValues(c.Request().Context(), tenantID(c), dimension, limit)
			return err
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, values)
	}
}

// namedQueryBody is the POST /queries request shape: a name plus the raw
// parameter map.
type namedQueryBody struct {
	Name  string                 `json:"name"`
	Query map[string]interface{} `json:"query"`
}

func (s *Server) createNamedQuery(c echo.Context) error {
	var body namedQueryBody
	if err := c.Bind(&body); err != nil || body.Name == "" {
		return c.JSON(http.StatusBadRequest, problem{Title: "body needs a name and a query object"})
	}

	params := paramsFromJSON(body.Query)
	if _, err := query.ParseParams(params); err != nil {
		return respondError(c, err)
	}

	q := &types.NamedQuery{
		Name:       body.Name,
		TenantID:   tenantID(c),
		Parameters: params,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		return tx.SaveNamedQuery(c.Request().Context(), q)
	})
	if err != nil {
		return respondError(c, err)
	}

	c.Response().Header().Set("Location", "/queries/"+q.Name)
	return c.JSON(http.StatusCreated, q)
}

// paramsFromJSON converts a JSON query object to the parameter list.
// Values may be scalars or arrays.
func paramsFromJSON(raw map[string]interface{}) []types.QueryParam {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]types.QueryParam, 0, len(names))
	for _, name := range names {
		var values []string
		switch v := raw[name].(type) {
		case []interface{}:
			for _, item := range v {
				values = append(values, jsonParamValue(item))
			}
		default:
			values = []string{jsonParamValue(v)}
		}
		params = append(params, types.QueryParam{Name: name, Values: values})
	}
	return params
}

func jsonParamValue(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	}
	return ""
}

func (s *Server) listNamedQueries(c echo.Context) error {
	var queries []types.NamedQuery
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		var err error
		queries, err = tx.ListNamedQueries(c.Request().Context(), tenantID(c))
		return err
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, queries)
}

func (s *Server) getNamedQuery(c echo.Context) error {
	var q *types.NamedQuery
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		var err error
		q, err = tx.GetNamedQuery(c.Request().Context(), tenantID(c), c.Param("name"))
		return err
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

func (s *Server) deleteNamedQuery(c echo.Context) error {
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		return tx.DeleteNamedQuery(c.Request().Context(), tenantID(c), c.Param("name"))
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// runNamedQuery executes a stored query; request parameters (perPage,
// nextPageToken, orderBy) layer on top of the stored ones.
func (s *Server) runNamedQuery(c echo.Context) error {
	name := c.Param("name")

	var q *types.NamedQuery
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		var err error
		q, err = tx.GetNamedQuery(c.Request().Context(), tenantID(c), name)
		return err
	})
	if err != nil {
		return respondError(c, err)
	}

	params := append([]types.QueryParam{}, q.Parameters...)
	params = append(params, httpQueryParams(c)...)

	result, err := s.queries.Run(c.Request().Context(), tenantID(c), params)
	if err != nil {
		return respondError(c, err)
	}
	return s.respondQueryResults(c, result, name)
}

// subscriptionBody is the POST /queries/{name}/subscriptions request shape.
type subscriptionBody struct {
	Name              string `json:"name"`
	Destination       string `json:"dest"`
	SignatureToken    string `json:"signatureToken"`
	ReportIfEmpty     bool   `json:"reportIfEmpty"`
	Stream            bool   `json:"stream"`
	Schedule          string `json:"schedule"`
	InitialRecordTime string `json:"initialRecordTime"`
}

func (s *Server) createSubscription(c echo.Context) error {
	queryName := c.Param("name")

	var body subscriptionBody
	if err := c.Bind(&body); err != nil || body.Destination == "" {
		return c.JSON(http.StatusBadRequest, problem{Title: "body needs a dest"})
	}
	if !body.Stream && body.Schedule == "" {
		return c.JSON(http.StatusBadRequest, problem{Title: "either stream or schedule is required"})
	}

	var q *types.NamedQuery
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		var err error
		q, err = tx.GetNamedQuery(c.Request().Context(), tenantID(c), queryName)
		return err
	})
	if err != nil {
		return respondError(c, err)
	}

	trigger := body.Schedule
	if body.Stream {
		trigger = types.TriggerOnCapture
	}
	if err := subscription.ValidateTrigger(trigger); err != nil {
		return c.JSON(http.StatusBadRequest, problem{Title: "bad schedule", Detail: err.Error()})
	}
	initial := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, body.InitialRecordTime); err == nil {
		initial = t.UTC()
	}
	name := body.Name
	if name == "" {
		name = queryName + "/" + uuid.New().String()
	}

	sub := &types.Subscription{
		SubscriptionID:    uuid.New().String(),
		Name:              name,
		QueryName:         queryName,
		Parameters:        q.Parameters,
		Destination:       body.Destination,
		SignatureSecret:   body.SignatureToken,
		TenantID:          tenantID(c),
		ReportIfEmpty:     body.ReportIfEmpty,
		Trigger:           trigger,
		InitialRecordTime: initial,
		LastExecutedTime:  initial,
		Active:            true,
	}

	err = s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		return tx.UpsertSubscription(c.Request().Context(), sub)
	})
	if err != nil {
		return respondError(c, err)
	}
	if err := s.subs.Add(*sub); err != nil {
		return c.JSON(http.StatusBadRequest, problem{Title: "bad schedule", Detail: err.Error()})
	}

	c.Response().Header().Set("Location", "/queries/"+queryName+"/subscriptions/"+sub.SubscriptionID)
	return c.JSON(http.StatusCreated, sub)
}

func (s *Server) listSubscriptions(c echo.Context) error {
	queryName := c.Param("name")
	var subs []types.Subscription
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		var err error
		subs, err = tx.ListSubscriptions(c.Request().Context(), tenantID(c))
		return err
	})
	if err != nil {
		return respondError(c, err)
	}
	out := subs[:0]
	for _, sub := range subs {
		if sub.QueryName == queryName {
			out = append(out, sub)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) deleteSubscription(c echo.Context) error {
	subscriptionID := c.Param("subscriptionID")

	var target *types.Subscription
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		subs, err := tx.ListSubscriptions(c.Request().Context(), tenantID(c))
		if err != nil {
			return err
		}
		for i := range subs {
			if subs[i].SubscriptionID == subscriptionID {
				target = &subs[i]
				return tx.DeleteSubscription(c.Request().Context(), tenantID(c), subs[i].Name)
			}
		}
		return types.ErrSubscriptionNotFound
	})
	if err != nil {
		return respondError(c, err)
	}

	s.subs.Remove(target.SubscriptionID)
	return c.NoContent(http.StatusNoContent)
}

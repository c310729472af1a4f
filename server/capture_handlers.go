package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trackvision/tv-epcis-repository/decode"
	"github.com/trackvision/tv-epcis-repository/encode"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/types"
)

func captureMediaType(contentType string) (string, bool) {
	mt := contentType
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	mt = strings.TrimSpace(strings.ToLower(mt))
	switch mt {
	case decode.ContentTypeXML, decode.ContentTypeTextXML, decode.ContentTypeJSON, decode.ContentTypeJSONLD:
		return mt, true
	}
	return mt, false
}

func (s *Server) postCapture(c echo.Context) error {
	mediaType, ok := captureMediaType(c.Request().Header.Get(echo.HeaderContentType))
	if !ok {
		return c.JSON(http.StatusUnsupportedMediaType, problem{
			Title:  "unsupported content type",
			Detail: mediaType,
		})
	}

	limit := s.cfg.CaptureSizeLimit
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return respondError(c, err)
	}
	if int64(len(body)) > limit {
		return respondError(c, types.ErrOversizedDocument)
	}

	doc, err := decode.Decode(body, mediaType, int(limit))
	if err != nil {
		return respondError(c, err)
	}

	if err := s.captures.Store(c.Request().Context(), tenantID(c), doc); err != nil {
		return respondError(c, err)
	}

	c.Response().Header().Set("Location", "/capture/"+doc.CaptureID)
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"captureID": doc.CaptureID,
		"events":    len(doc.Events),
	})
}

func (s *Server) listCaptures(c echo.Context) error {
	perPage := intQuery(c, "perPage", 30)
	page := intQuery(c, "page", 0)

	var captures []types.Capture
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		var err error
		captures, err = tx.ListCaptures(c.Request().Context(), tenantID(c), perPage, page*perPage)
		return err
	})
	if err != nil {
		return respondError(c, err)
	}

	out := make([]map[string]interface{}, 0, len(captures))
	for i := range captures {
		out = append(out, map[string]interface{}{
			"captureID":     captures[i].CaptureID,
			"schemaVersion": captures[i].SchemaVersion,
			"createdDate":   captures[i].DocumentTime,
			"recordTime":    captures[i].RecordTime,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getCapture(c echo.Context) error {
	var cap *types.Capture
	err := s.store.Tx(c.Request().Context(), func(tx storage.Tx) error {
		var err error
		cap, err = tx.GetCapture(c.Request().Context(), tenantID(c), c.Param("id"))
		return err
	})
	if err != nil {
		return respondError(c, err)
	}

	if wantsXML(c) {
		payload, err := encode.DocumentXML(cap.Events, types.SchemaVersion20)
		if err != nil {
			return respondError(c, err)
		}
		return c.Blob(http.StatusOK, decode.ContentTypeXML, payload)
	}
	payload, err := encode.DocumentJSON(cap.Events)
	if err != nil {
		return respondError(c, err)
	}
	return c.Blob(http.StatusOK, decode.ContentTypeJSONLD, payload)
}

func wantsXML(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "xml")
}

func intQuery(c echo.Context, name string, fallback int) int {
	if v := c.QueryParam(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

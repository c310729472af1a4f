package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trackvision/tv-epcis-repository/types"
)

// problem is the JSON error body. Violations carry the failed semantic
// rules when validation rejected a capture.
type problem struct {
	Title      string                `json:"title"`
	Detail     string                `json:"detail,omitempty"`
	Violations []types.RuleViolation `json:"violations,omitempty"`
}

// maxReportedViolations bounds the violation list echoed back to callers.
const maxReportedViolations = 20

// respondError maps domain errors onto wire status codes. Storage internals
// never leak; canceled requests get no body at all.
func respondError(c echo.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return c.NoContent(499)
	}

	var validation *types.ValidationError
	if errors.As(err, &validation) {
		violations := validation.Violations
		if len(violations) > maxReportedViolations {
			violations = violations[:maxReportedViolations]
		}
		return c.JSON(http.StatusBadRequest, problem{
			Title:      "validation failed",
			Violations: violations,
		})
	}

	var param *types.ParameterError
	if errors.As(err, &param) {
		return c.JSON(http.StatusBadRequest, problem{
			Title:  param.Kind.Error(),
			Detail: param.Parameter,
		})
	}

	switch {
	case errors.Is(err, types.ErrMalformedDocument),
		errors.Is(err, types.ErrSchemaInvalid),
		errors.Is(err, types.ErrUnsupportedVersion):
		return c.JSON(http.StatusBadRequest, problem{Title: err.Error()})

	case errors.Is(err, types.ErrOversizedDocument),
		errors.Is(err, types.ErrCaptureLimitExceeded),
		errors.Is(err, types.ErrQueryTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, problem{Title: err.Error()})

	case errors.Is(err, types.ErrCaptureNotFound),
		errors.Is(err, types.ErrQueryNotFound),
		errors.Is(err, types.ErrSubscriptionNotFound):
		return c.JSON(http.StatusNotFound, problem{Title: err.Error()})

	case errors.Is(err, types.ErrSubscriptionExists),
		errors.Is(err, types.ErrQueryExists):
		return c.JSON(http.StatusConflict, problem{Title: err.Error()})

	default:
		return c.JSON(http.StatusInternalServerError, problem{Title: "internal error"})
	}
}

package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced at the API boundary. Handlers map these to HTTP
// status codes; nothing below the boundary formats wire responses.
var (
	ErrMalformedDocument    = errors.New("malformed document")
	ErrSchemaInvalid        = errors.New("document failed schema check")
	ErrUnsupportedVersion   = errors.New("unsupported schema version")
	ErrOversizedDocument    = errors.New("document exceeds capture size limit")
	ErrCaptureLimitExceeded = errors.New("capture exceeds event count limit")
	ErrValidationFailed     = errors.New("validation failed")

	ErrUnsupportedParameter  = errors.New("unsupported query parameter")
	ErrInvalidParameterValue = errors.New("invalid query parameter value")
	ErrQueryTooLarge         = errors.New("query result exceeds eventCountLimit")

	ErrSubscriptionExists   = errors.New("subscription already exists")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrQueryNotFound        = errors.New("named query not found")
	ErrQueryExists          = errors.New("named query already exists")
	ErrCaptureNotFound      = errors.New("capture not found")

	ErrStorage = errors.New("storage error")
)

// RuleViolation identifies one failed semantic rule.
type RuleViolation struct {
	Rule    string `json:"rule"`
	Detail  string `json:"detail"`
	EventID string `json:"eventID,omitempty"`
}

// ValidationError aggregates every rule violation found in one capture.
// It wraps ErrValidationFailed so callers can match with errors.Is.
type ValidationError struct {
	Violations []RuleViolation
}

func (e *ValidationError) Error() string {
	rules := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		rules = append(rules, v.Rule)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(rules, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// ParameterError reports a rejected query parameter by name.
// Kind is ErrUnsupportedParameter or ErrInvalidParameterValue.
type ParameterError struct {
	Kind      error
	Parameter string
	Detail    string
}

func (e *ParameterError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %s", e.Kind, e.Parameter)
	}
	return fmt.Sprintf("%v: %s (%s)", e.Kind, e.Parameter, e.Detail)
}

func (e *ParameterError) Unwrap() error { return e.Kind }

// Package apierr defines the error taxonomy shared by all domain services and
// the echo error handler that renders it. Services return these typed errors;
// handlers never build HTTP status codes by hand.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Kind classifies an error for HTTP mapping.
type Kind int

const (
	KindValidation Kind = iota
	KindInvalidState
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindDuplicateKey
	KindConflict
	KindGateway
	KindInternal
)

// Error is the canonical service error. Fields is populated only for
// validation errors and maps field names to one or more messages.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string][]string
	// CorrelationID is set for gateway errors so support can trace the
	// upstream failure without exposing processor details to the caller.
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// NotFound reports a missing entity, tenant, or alias.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// InvalidState reports a state transition that is not allowed from the
// entity's current state.
func InvalidState(msg string) *Error {
	return &Error{Kind: KindInvalidState, Message: msg}
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// Forbidden reports an authenticated caller lacking the required role.
func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

// DuplicateKey reports a uniqueness violation on codes, tax IDs, or aliases.
func DuplicateKey(msg string) *Error {
	return &Error{Kind: KindDuplicateKey, Message: msg}
}

// Conflict reports concurrent-modification or lock contention.
func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// Gateway wraps a payment-processor failure with a fresh correlation ID.
// The processor error is retained internally and never rendered to callers.
func Gateway(cause error) *Error {
	return &Error{
		Kind:          KindGateway,
		Message:       "payment could not be processed",
		CorrelationID: uuid.NewString(),
		cause:         cause,
	}
}

// WithCorrelationID replaces the generated correlation ID, letting callers
// reuse the ID they already sent upstream so logs line up end to end.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", cause: cause}
}

// Validation collects field-level validation failures. Add messages with
// Add, then return the error via Err (nil when nothing was added) so call
// sites can build up checks linearly.
type Validation struct {
	fields map[string][]string
}

func NewValidation() *Validation {
	return &Validation{fields: make(map[string][]string)}
}

func (v *Validation) Add(field, message string) *Validation {
	v.fields[field] = append(v.fields[field], message)
	return v
}

func (v *Validation) Empty() bool { return len(v.fields) == 0 }

func (v *Validation) Err() error {
	if v.Empty() {
		return nil
	}
	return &Error{Kind: KindValidation, Message: "validation failed", Fields: v.fields}
}

// FieldError builds a single-field validation error.
func FieldError(field, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "validation failed",
		Fields:  map[string][]string{field: {message}},
	}
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// Status maps a Kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidState, KindDuplicateKey, KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorHandler returns an echo error handler that renders the taxonomy:
// validation errors as {field: [messages]}, everything else as {"error": msg}.
// Internal details and stack traces never reach the caller.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *Error
		if errors.As(err, &apiErr) {
			status := apiErr.Kind.Status()
			switch apiErr.Kind {
			case KindValidation:
				_ = c.JSON(status, apiErr.Fields)
			case KindGateway:
				logger.Error().
					Err(apiErr.cause).
					Str("correlation_id", apiErr.CorrelationID).
					Msg("payment gateway failure")
				_ = c.JSON(status, map[string]string{
					"error":          apiErr.Message,
					"correlation_id": apiErr.CorrelationID,
				})
			case KindInternal:
				logger.Error().Err(apiErr.cause).Msg("internal error")
				_ = c.JSON(status, map[string]string{"error": apiErr.Message})
			default:
				_ = c.JSON(status, map[string]string{"error": apiErr.Message})
			}
			return
		}

		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			_ = c.JSON(httpErr.Code, map[string]interface{}{"error": httpErr.Message})
			return
		}

		logger.Error().Err(err).Msg("unhandled error")
		_ = c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// Package apperr defines the typed errors returned by domain services and the
// echo error handler that renders them as {"code", "message"} JSON bodies.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Numeric error codes exposed to API clients.
const (
	CodeInvalidRequest         = 100003
	CodePermissionDenied       = 100004
	CodeInvalidRole            = 100030
	CodeAmbiguousRole          = 100031
	CodeInternalServerError    = 100500
	CodeUserDoesNotExist       = 300011
	CodeObjectDoesNotExist     = 300012
	CodeCantResendInvitation   = 300013
	CodeInvitationDoesNotExist = 300016
)

// Error is a domain error carrying an HTTP status and a machine-readable code.
type Error struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two *Error values by code so callers can compare against the
// package-level sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e that carries cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithMessage returns a copy of e with a different human message.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Sentinels. Use errors.Is(err, apperr.ErrPermissionDenied) to classify.
var (
	ErrInvalidRequest         = &Error{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: "invalid request"}
	ErrInvalidRole            = &Error{Status: http.StatusBadRequest, Code: CodeInvalidRole, Message: "invalid role"}
	ErrAmbiguousRole          = &Error{Status: http.StatusBadRequest, Code: CodeAmbiguousRole, Message: "ambiguous role context"}
	ErrPermissionDenied       = &Error{Status: http.StatusForbidden, Code: CodePermissionDenied, Message: "permission denied"}
	ErrObjectDoesNotExist     = &Error{Status: http.StatusNotFound, Code: CodeObjectDoesNotExist, Message: "object does not exist"}
	ErrUserDoesNotExist       = &Error{Status: http.StatusNotFound, Code: CodeUserDoesNotExist, Message: "user does not exist"}
	ErrInvitationDoesNotExist = &Error{Status: http.StatusNotFound, Code: CodeInvitationDoesNotExist, Message: "invitation does not exist"}
	ErrCantResendInvitation   = &Error{Status: http.StatusBadRequest, Code: CodeCantResendInvitation, Message: "invitation can not be resent"}
	ErrInternalServerError    = &Error{Status: http.StatusInternalServerError, Code: CodeInternalServerError, Message: "internal server error"}
)

func InvalidRequest(format string, args ...interface{}) *Error {
	return ErrInvalidRequest.WithMessage(format, args...)
}

func InvalidRole(format string, args ...interface{}) *Error {
	return ErrInvalidRole.WithMessage(format, args...)
}

func PermissionDenied(format string, args ...interface{}) *Error {
	return ErrPermissionDenied.WithMessage(format, args...)
}

func ObjectDoesNotExist(format string, args ...interface{}) *Error {
	return ErrObjectDoesNotExist.WithMessage(format, args...)
}

func InternalServerError(format string, args ...interface{}) *Error {
	return ErrInternalServerError.WithMessage(format, args...)
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// HTTPErrorHandler renders domain errors for echo. Unknown errors are logged
// and reported as a generic internal server error.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var body *Error
		var ae *Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			body = ae
		case errors.As(err, &he):
			body = &Error{Status: he.Code, Code: he.Code, Message: fmt.Sprintf("%v", he.Message)}
		default:
			logger.Error().Err(err).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
			body = ErrInternalServerError
		}

		if body.Status >= http.StatusInternalServerError && ae != nil {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("internal error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(body.Status)
		} else {
			werr = c.JSON(body.Status, map[string]interface{}{
				"code":    body.Code,
				"message": body.Message,
			})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

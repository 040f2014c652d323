package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// Error is a failure that already knows how it is rendered to the caller.
type Error struct {
	HTTPStatus int
	Code       models.StatusCode
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d/%d: %s", e.HTTPStatus, e.Code, e.Message)
}

// New builds an Error.
func New(status int, code models.StatusCode, format string, args ...any) *Error {
	return &Error{HTTPStatus: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidParameters(format string, args ...any) *Error {
	return New(http.StatusBadRequest, models.StatusInvalidParameters, format, args...)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, models.StatusClientError, "%s", message)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, models.StatusClientError, "%s", message)
}

func NotFound(format string, args ...any) *Error {
	return New(http.StatusNotFound, models.StatusInvalidParameters, format, args...)
}

func UnknownToken(format string, args ...any) *Error {
	return New(http.StatusNotFound, models.StatusUnknownToken, format, args...)
}

func UnknownLocation(format string, args ...any) *Error {
	return New(http.StatusNotFound, models.StatusUnknownLocation, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(http.StatusBadRequest, models.StatusClientError, format, args...)
}

func UnableToUseClientAPI(format string, args ...any) *Error {
	return New(http.StatusOK, models.StatusUnableToUseClientAPI, format, args...)
}

func Internal(message string) *Error {
	return New(http.StatusInternalServerError, models.StatusServerError, "%s", message)
}

// From extracts an *Error from err, mapping anything else to an internal error.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal("internal server error")
}

// Package apperr defines the error taxonomy shared across service packages:
// Unauthorized, NotFound, Conflict, Validation, Throttled, Internal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

type Error struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Unauthorized(message string) *Error {
	return &Error{Status: http.StatusForbidden, Code: "UNAUTHORIZED", Message: message}
}

func NotFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: message}
}

func Conflict(message string, details any) *Error {
	return &Error{Status: http.StatusConflict, Code: "CONFLICT", Message: message, Details: details}
}

func Validation(message string) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: message}
}

func Internal(message string) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: "SERVER_ERROR", Message: message}
}

// Throttled is the Internal variant for backing-store pressure. It carries a
// retry hint instead of being retried here; retry policy belongs to the caller.
func Throttled(message string) *Error {
	return &Error{
		Status:  http.StatusServiceUnavailable,
		Code:    "THROTTLED",
		Message: message,
		Details: map[string]any{"retryable": true},
	}
}

// FromStore translates a backing-store failure. Postgres SQLSTATE classes 53
// (insufficient resources) and 57 (operator intervention) become Throttled;
// everything else is a plain Internal error.
func FromStore(err error) *Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		if class == "53" || class == "57" {
			return Throttled("store is under pressure, try again")
		}
	}
	return Internal("store operation failed")
}

func IsNotFound(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == "NOT_FOUND"
}

func IsUnauthorized(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == "UNAUTHORIZED"
}

func IsConflict(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == "CONFLICT"
}

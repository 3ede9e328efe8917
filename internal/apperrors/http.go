package apperrors

import (
	"errors"
	"net/http"
)

// statusBySentinel is checked in order; the first match wins.
var statusBySentinel = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrUnauthorized, http.StatusUnauthorized},
	{ErrForbidden, http.StatusForbidden},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrBackendUnavailable, http.StatusServiceUnavailable},
}

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the text to show a client for err. Storage and
// internal failures carry host details in their message and are replaced
// with a generic one.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorage):
		return "artifact storage failure"
	case HTTPStatus(err) == http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}

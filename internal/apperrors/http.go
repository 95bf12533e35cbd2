package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps err to a response status. Unclassified errors are 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error payload.
type Body struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// ResponseBody renders err for a client. Internal details are replaced with
// a generic message.
func ResponseBody(err error) Body {
	var e *Error
	if !errors.As(err, &e) {
		return Body{Error: http.StatusText(http.StatusInternalServerError)}
	}
	if errors.Is(e.Class, ErrInternal) {
		return Body{Error: http.StatusText(http.StatusInternalServerError)}
	}
	return Body{Error: e.Message, Field: e.Field}
}

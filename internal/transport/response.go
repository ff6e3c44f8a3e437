// Package transport contains the HTTP router, middleware chain, request
// handlers and the WebSocket endpoint for the case-tracking API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/caseflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrMalformedMessage:  http.StatusBadRequest,
	model.ErrUnauthenticated:   http.StatusUnauthorized,
	model.ErrUnauthorized:      http.StatusForbidden,
	model.ErrActorInactive:     http.StatusForbidden,
	model.ErrActorNotFound:     http.StatusNotFound,
	model.ErrCaseNotFound:      http.StatusNotFound,
	model.ErrCaseExists:        http.StatusConflict,
	model.ErrConflict:          http.StatusConflict,
	model.ErrInvalidTransition: http.StatusUnprocessableEntity,
	model.ErrInternalError:     http.StatusInternalServerError,
}

// StatusForCode returns the HTTP status for an error code, defaulting to 500.
func StatusForCode(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err does not wrap an *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusForCode(ee.Code), errorResponse{Error: ee})
}

// Package transport contains the HTTP router, middleware chain, and all
// request handlers the browser talks to.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/officeflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrBusinessError:      http.StatusBadGateway,
	model.ErrPartialSubmission:  http.StatusMultiStatus,
	model.ErrSigningUnavailable: http.StatusServiceUnavailable,
	model.ErrSigningFailed:      http.StatusUnprocessableEntity,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// StatusFor returns the HTTP status of an envelope. A business error keeps
// the backend's 4xx status; anything else from the backend is a 502.
func StatusFor(ee *model.ErrorEnvelope) int {
	if ee.Code == model.ErrBusinessError {
		if ee.UpstreamStatus >= 400 && ee.UpstreamStatus < 500 {
			return ee.UpstreamStatus
		}
		return http.StatusBadGateway
	}
	if status := statusForCode[ee.Code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that carry no envelope become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}

// Package transport contains the HTTP router, middleware chain, and the
// request handlers for the workflow engine API.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pitabwire/flowdesk/model"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrForbidden:           http.StatusForbidden,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrRateLimited:         http.StatusTooManyRequests,
	model.ErrInternalError:       http.StatusInternalServerError,
	model.ErrNotPending:          http.StatusConflict,
	model.ErrNotApprover:         http.StatusForbidden,
	model.ErrRunBusy:             http.StatusServiceUnavailable,
	model.ErrRunNotActive:        http.StatusConflict,
	model.ErrEvaluationFailed:    http.StatusUnprocessableEntity,
	model.ErrDefinitionNotActive: http.StatusConflict,
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

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors without an envelope in their chain become a
// generic 500 so internal detail never reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if ee.Code == model.ErrRunBusy || ee.Code == model.ErrRateLimited {
		ee.Retryable = true
		w.Header().Set("Retry-After", "1")
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// decodeJSON reads a required JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return model.NewBadRequestError("request body is required")
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewBadRequestError("request body is required")
		}
		return model.NewBadRequestError(fmt.Sprintf("malformed JSON body: %v", err))
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be absent.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(r, dst)
	if ee, ok := model.AsEnvelope(err); ok && ee.Message == "request body is required" {
		return nil
	}
	return err
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, model.NewBadRequestError(fmt.Sprintf("query parameter %s must be a non-negative integer", name))
	}
	return v, nil
}

// queryBool parses a boolean query parameter, returning false when absent.
func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, model.NewBadRequestError(fmt.Sprintf("query parameter %s must be a boolean", name))
	}
	return v, nil
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aula-app/aula-engine/internal/audit"
	"github.com/aula-app/aula-engine/internal/engine"
	"github.com/aula-app/aula-engine/internal/obs"
)

// envelope is the response shape of every endpoint.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Count     *int   `json:"count,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data, RequestID: RequestIDFromContext(r.Context())})
}

func writeList[T any](w http.ResponseWriter, r *http.Request, items []T) {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: items, Count: &n, RequestID: RequestIDFromContext(r.Context())})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, envelope{Error: msg, RequestID: RequestIDFromContext(r.Context())})
}

// RequestIDFromContext returns the identifier assigned by the RequestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	return audit.RequestIDFromContext(ctx)
}

var engineStatus = map[engine.Code]int{
	engine.CodePermissionDenied:  http.StatusForbidden,
	engine.CodePhaseNotOpen:      http.StatusConflict,
	engine.CodeInvalidTransition: http.StatusConflict,
	engine.CodeAlreadyDelegate:   http.StatusConflict,
	engine.CodeSelfDelegation:    http.StatusBadRequest,
	engine.CodeInvalidInput:      http.StatusBadRequest,
	engine.CodeIdeaNotApproved:   http.StatusUnprocessableEntity,
	engine.CodeNotEligible:       http.StatusUnprocessableEntity,
	engine.CodeNotFound:          http.StatusNotFound,
	engine.CodeDatabase:          http.StatusInternalServerError,
	engine.CodeNetwork:           http.StatusBadGateway,
}

// handleEngineError maps an engine error onto the HTTP contract. Storage and
// unexpected failures are logged and reported without their cause.
func handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := engine.CodeOf(err)
	status, ok := engineStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		obs.Logger().Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("code", string(code)).
			Msg("request_failed")
		msg = "internal error"
		var e *engine.Error
		if errors.As(err, &e) {
			msg = e.Message
		}
	}
	writeJSON(w, status, envelope{Error: msg, Code: string(code), RequestID: RequestIDFromContext(r.Context())})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

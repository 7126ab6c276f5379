package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/AngelP17/YieldOps/internal/resilience"
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

// writeError maps the typed error kinds onto HTTP statuses. Unknown
// errors become a 500 carrying the request id for correlation, never
// the internal message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case resilience.IsValidation(err), resilience.IsConflict(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case resilience.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case resilience.IsUnavailable(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "repository unavailable, retry later"})
	default:
		reqID := middleware.GetReqID(r.Context())
		log.Error().Err(err).Str("request_id", reqID).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:     "internal error",
			RequestID: reqID,
		})
	}
}

// decodeJSON reads a bounded JSON body into v. A missing body is an
// error; handlers with optional bodies check for io.EOF themselves.
func decodeJSON(r *http.Request, v interface{}) error {
	defer io.Copy(io.Discard, r.Body)
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return resilience.Validationf("request body required")
		}
		return resilience.Validationf("invalid request body: %v", err)
	}
	return nil
}

// decodeJSONOptional is decodeJSON for endpoints whose body may be
// absent entirely.
func decodeJSONOptional(r *http.Request, v interface{}) error {
	defer io.Copy(io.Discard, r.Body)
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return resilience.Validationf("invalid request body: %v", err)
	}
	return nil
}

// queryInt parses an integer query parameter, falling back to def
// when the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, resilience.Validationf("%s must be an integer, got %q", name, raw)
	}
	return v, nil
}

// queryBool parses a boolean query parameter. ok reports whether the
// parameter was present at all.
func queryBool(r *http.Request, name string) (value, ok bool, err error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, resilience.Validationf("%s must be a boolean, got %q", name, raw)
	}
	return v, true, nil
}

// clampLimit normalizes a caller-supplied page size.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

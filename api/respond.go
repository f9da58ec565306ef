package api

import (
	"encoding/json"
	"net/http"

	quota "github.com/xraph/quota"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// statusOf maps engine errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case quota.IsNotFound(err):
		return http.StatusNotFound
	case quota.IsInvalidProduct(err):
		return http.StatusUnprocessableEntity
	case quota.IsInvalidInput(err):
		return http.StatusBadRequest
	case quota.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("api: request failed",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		msg = http.StatusText(status)
	}
	respondError(w, status, msg)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ABOUTME: JSON response helpers and the error-taxonomy-to-HTTP-status mapping.
// ABOUTME: Keeps handler bodies focused on request flow.

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/weavelink/weave-gateway/internal/connection"
)

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// writeError maps the connection error taxonomy onto HTTP statuses. Internal
// detail stays in the log; the client sees the sanitized message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, connection.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, connection.ErrConflict), errors.Is(err, connection.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, connection.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, connection.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, connection.ErrExternalClient):
		status = http.StatusBadGateway
	case errors.Is(err, connection.ErrPersistence), errors.Is(err, connection.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("unclassified api error", "error", err)
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	return true
}

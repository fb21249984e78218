package httpapi

import (
	"encoding/json"
	"net/http"

	"lightkeyd/internal/dispatch"
	"lightkeyd/internal/orchestrator"
	"lightkeyd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeServiceError maps well-known service errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case orchestrator.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case orchestrator.IsInvalidBatch(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case orchestrator.IsClosed(err):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case dispatch.IsNoInstance(err):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		if he, ok := err.(HTTPError); ok {
			writeJSONError(w, he.StatusCode(), he.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

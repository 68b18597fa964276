package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Error kinds carried in the error envelope. Clients branch on these
// instead of parsing messages.
const (
	kindBadRequest       = "bad_request"
	kindUnauthorized     = "unauthorized"
	kindForbidden        = "forbidden"
	kindNotFound         = "not_found"
	kindMethodNotAllowed = "method_not_allowed"
	kindNotReady         = "not_ready"
	kindInternal         = "internal_error"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type envelope struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

// writeSuccess writes a success envelope with the given payload.
func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(envelope{Status: "success", Data: data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes an error envelope.
func writeError(w http.ResponseWriter, statusCode int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	err := json.NewEncoder(w).Encode(envelope{
		Status: "error",
		Error:  &errorBody{Kind: kind, Message: message},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

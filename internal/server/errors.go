package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/habgate/habgate/internal/upstream"
)

// errorBody is the stable error shape for JSON endpoints.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Type: typ, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeUpstreamError maps an upstream round-trip failure onto the
// gateway status codes: timeouts are 504, everything else 502.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var se *upstream.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "backend did not respond in time")
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, "upstream_status", se.Error())
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", "backend request failed")
	}
}

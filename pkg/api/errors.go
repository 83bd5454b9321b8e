package api

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"microplate/gateway/pkg/models"
)

// Error codes returned in the envelope of gateway-generated failures.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeProxyError      = "PROXY_ERROR"
	CodeGatewayTimeout  = "GATEWAY_TIMEOUT"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeInvalidJSON     = "INVALID_JSON"
	CodeInternal        = "INTERNAL_SERVER_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("[api] error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, models.ErrorResponse{
		Success: false,
		Error:   models.ErrorBody{Code: code, Message: message},
	})
}

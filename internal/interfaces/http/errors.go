package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"jaspire/internal/domain/linking"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// endpoint distinguishes how provider outages are reported.
type endpoint int

const (
	dataEndpoint endpoint = iota
	sessionStartEndpoint
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeError maps a domain error to its status code. Untagged errors are
// infrastructure failures; their detail is logged and never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error, ep endpoint) {
	status := statusFor(err, ep)
	kind := linking.KindOf(err)
	if kind == "" {
		log.Printf("Error handling %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, status, ErrorResponse{Error: "internal_error", Message: "internal error"})
		return
	}
	if status >= http.StatusInternalServerError {
		log.Printf("Error handling %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, ErrorResponse{Error: string(kind), Message: linking.SafeMessage(err)})
}

func statusFor(err error, ep endpoint) int {
	switch linking.KindOf(err) {
	case linking.KindInvalidInput, linking.KindUnsupportedProvider:
		return http.StatusBadRequest
	case linking.KindInvalidCredential:
		return http.StatusUnauthorized
	case linking.KindForbidden:
		return http.StatusForbidden
	case linking.KindSessionNotFound, linking.KindAccountNotFound:
		return http.StatusNotFound
	case linking.KindSessionExpired, linking.KindSessionAlreadyCompleted, linking.KindTokenAlreadyConsumed:
		return http.StatusConflict
	case linking.KindExchangeFailed:
		if errors.Is(err, linking.ErrTokenAlreadyConsumed) {
			return http.StatusConflict
		}
		return http.StatusBadGateway
	case linking.KindProviderUnavailable:
		if ep == sessionStartEndpoint {
			return http.StatusInternalServerError
		}
		return http.StatusBadGateway
	case linking.KindProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(message string) error {
	return linking.NewError(linking.KindInvalidInput, "", message, nil)
}

package plaid

import (
	"log"
	"net/http"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/providerhttp"
)

// apiError is Plaid's error envelope.
type apiError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	RequestID    string `json:"request_id"`
}

// mapError turns a non-2xx Plaid response into exactly one error kind.
func (c *Client) mapError(op string, resp *providerhttp.Response) error {
	var e apiError
	if err := c.http.DecodeJSON(op, resp, &e); err != nil || e.ErrorCode == "" {
		return c.http.Unavailable(op, resp)
	}
	log.Printf("Plaid: %s failed: %s/%s (status %d, request %s)", op, e.ErrorType, e.ErrorCode, resp.StatusCode, e.RequestID)

	kind, msg := classify(resp.StatusCode, e.ErrorType, e.ErrorCode)
	return linking.NewError(kind, linking.ProviderPlaid, msg, nil)
}

func classify(status int, errorType, errorCode string) (linking.Kind, string) {
	switch errorCode {
	case "INVALID_PUBLIC_TOKEN":
		return linking.KindTokenAlreadyConsumed, "public token is invalid, expired or already exchanged"
	case "ITEM_LOGIN_REQUIRED", "INVALID_ACCESS_TOKEN", "ITEM_NOT_FOUND", "ACCESS_NOT_GRANTED":
		return linking.KindInvalidCredential, "account access was revoked; relink required"
	case "INVALID_API_KEYS", "UNAUTHORIZED_ENVIRONMENT", "INVALID_CLIENT_ID", "INVALID_SECRET":
		return linking.KindConfiguration, "Plaid rejected the configured credentials"
	}
	switch {
	case errorType == "RATE_LIMIT_EXCEEDED" || status == http.StatusTooManyRequests:
		return linking.KindProviderUnavailable, "Plaid rate limit exceeded"
	case errorType == "INSTITUTION_ERROR":
		return linking.KindProviderUnavailable, "institution is unavailable"
	default:
		return linking.KindProviderUnavailable, "Plaid request failed: " + errorCode
	}
}

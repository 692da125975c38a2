package mastercard

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/providerhttp"
)

// apiError is the Finicity error body. code is a number on most endpoints and a
// string on a few.
type apiError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

func (c *Client) mapError(op string, resp *providerhttp.Response) error {
	var e apiError
	if err := json.Unmarshal(resp.Body, &e); err == nil && len(e.Code) > 0 {
		log.Printf("Mastercard: %s failed with status %d: code %s: %s", op, resp.StatusCode, e.Code, e.Message)
	} else {
		log.Printf("Mastercard: %s failed with status %d: %s", op, resp.StatusCode, providerhttp.Truncate(resp.Body))
	}

	switch {
	case op == "partner_authentication" && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden):
		return linking.NewError(linking.KindConfiguration, linking.ProviderMastercard, "Mastercard rejected the configured partner credentials", nil)
	case resp.StatusCode == http.StatusNotFound && (op == "customer_accounts" || op == "customer_transactions"):
		return linking.NewError(linking.KindInvalidCredential, linking.ProviderMastercard, "customer no longer exists; relink required", nil)
	case resp.StatusCode == http.StatusForbidden:
		return linking.NewError(linking.KindInvalidCredential, linking.ProviderMastercard, "access to customer data was revoked", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return linking.NewError(linking.KindProviderUnavailable, linking.ProviderMastercard, "Mastercard rate limit exceeded", nil)
	default:
		return linking.NewError(linking.KindProviderUnavailable, linking.ProviderMastercard,
			fmt.Sprintf("provider returned status %d", resp.StatusCode), nil)
	}
}

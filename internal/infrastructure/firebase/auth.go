package firebase

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/auth"
)

// IDTokenVerifier authenticates callers by Firebase ID token.
type IDTokenVerifier struct {
	client *auth.Client
}

// NewIDTokenVerifier creates a verifier backed by the app's Auth client.
func NewIDTokenVerifier(ctx context.Context, c *Client) (*IDTokenVerifier, error) {
	a, err := c.Auth(ctx)
	if err != nil {
		return nil, err
	}
	return &IDTokenVerifier{client: a}, nil
}

// VerifyToken checks signature, audience and expiry and returns the Firebase UID.
func (v *IDTokenVerifier) VerifyToken(ctx context.Context, idToken string) (string, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", fmt.Errorf("invalid firebase id token: %w", err)
	}
	if token.UID == "" {
		return "", fmt.Errorf("firebase id token carries no uid")
	}
	return token.UID, nil
}

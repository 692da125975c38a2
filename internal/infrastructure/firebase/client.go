// Package firebase backs the linking repositories with Firestore and verifies
// Firebase ID tokens for client authentication.
package firebase

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

const (
	sessionsCollection    = "link_sessions"
	accountsCollection    = "linked_accounts"
	credentialsCollection = "provider_credentials"
)

// Client holds the Firebase app and the service clients built from it.
type Client struct {
	app       *firebase.App
	firestore *firestore.Client
	auth      *auth.Client
}

// NewClient initializes a Firebase app. credentialsFile may be empty, in which
// case Application Default Credentials are used.
func NewClient(ctx context.Context, projectID, credentialsFile string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	return &Client{app: app}, nil
}

// Firestore returns the lazily created Firestore client.
func (c *Client) Firestore(ctx context.Context) (*firestore.Client, error) {
	if c.firestore != nil {
		return c.firestore, nil
	}
	fs, err := c.app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firestore client: %w", err)
	}
	c.firestore = fs
	return fs, nil
}

// Auth returns the lazily created Firebase Auth client.
func (c *Client) Auth(ctx context.Context) (*auth.Client, error) {
	if c.auth != nil {
		return c.auth, nil
	}
	a, err := c.app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase auth client: %w", err)
	}
	c.auth = a
	return a, nil
}

// Close releases the Firestore connection if one was opened.
func (c *Client) Close() error {
	if c.firestore == nil {
		return nil
	}
	return c.firestore.Close()
}

package main

import (
	"context"
	"fmt"
	"log"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/crypto"
	"jaspire/internal/infrastructure/firebase"
	"jaspire/internal/infrastructure/providers"
	"jaspire/internal/infrastructure/stores"
	httphandlers "jaspire/internal/interfaces/http"
	"jaspire/internal/shared/auth"
	"jaspire/internal/shared/config"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	Stores *stores.Stores

	// Handlers
	LinkSessionHandler *httphandlers.LinkSessionHandler
	AccountHandler     *httphandlers.AccountHandler
	HealthHandler      *httphandlers.HealthHandler

	// Auth
	Verifier auth.TokenVerifier

	// Services (for scheduler)
	SessionManager *linking.SessionManager
	AccountService *linking.AccountService
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	st, err := stores.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps, err := wire(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return deps, nil
}

func wire(ctx context.Context, cfg *config.Config, st *stores.Stores) (*Dependencies, error) {
	if st.DB != nil && cfg.Database.AutoMigrate {
		n, err := st.DB.Migrate(ctx)
		if err != nil {
			return nil, err
		}
		log.Printf("Applied %d database migrations", n)
	}

	// Initialize encryptor
	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(ctx, cfg, st)
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry(cfg.Providers, cfg.Link.CallbackURL)
	if cfg.Link.CallbackURL == "" {
		log.Println("Warning: LINK_CALLBACK_URL is not set; Mastercard and Alpaca sessions will fail")
	}

	// Initialize domain services
	sessionManager := linking.NewSessionManager(registry, st.Sessions, cfg.Link.SessionTTL)
	exchangeService := linking.NewExchangeService(registry, st.Sessions, st.Accounts, st.Credentials, encryptor)
	accountService := linking.NewAccountService(registry, st.Accounts, st.Credentials, encryptor)
	diagnostics := linking.NewDiagnostics(registry)

	return &Dependencies{
		Stores:             st,
		LinkSessionHandler: httphandlers.NewLinkSessionHandler(sessionManager, exchangeService, cfg.Link.AppURL),
		AccountHandler:     httphandlers.NewAccountHandler(accountService),
		HealthHandler:      httphandlers.NewHealthHandler(diagnostics, st.Ping),
		Verifier:           verifier,
		SessionManager:     sessionManager,
		AccountService:     accountService,
	}, nil
}

func newVerifier(ctx context.Context, cfg *config.Config, st *stores.Stores) (auth.TokenVerifier, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeJWT:
		return auth.NewJWT(cfg.JWT.Secret), nil
	case config.AuthModeFirebase:
		client, err := st.FirebaseClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		v, err := firebase.NewIDTokenVerifier(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize firebase auth: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.Stores != nil {
		d.Stores.Close()
	}
}

package main

import (
	"log"
	"net/http"

	"jaspire/internal/shared/config"
	"jaspire/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Health and diagnostics
	mux.HandleFunc("GET /health", deps.HealthHandler.HandleHealth)
	mux.HandleFunc("GET /health/{provider}", deps.HealthHandler.HandleProvider)

	// Provider redirect target; the session id in state is the only credential.
	mux.HandleFunc("GET /link-sessions/callback", deps.LinkSessionHandler.HandleCallback)

	// Protected routes
	authMiddleware := middleware.Auth(deps.Verifier)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	protect("POST /link-sessions", deps.LinkSessionHandler.HandleStart)
	protect("GET /link-sessions/{id}", deps.LinkSessionHandler.HandleGet)
	protect("POST /link-sessions/{id}/exchange", deps.LinkSessionHandler.HandleExchange)

	protect("GET /accounts", deps.AccountHandler.HandleList)
	protect("GET /accounts/{id}", deps.AccountHandler.HandleGet)
	protect("DELETE /accounts/{id}", deps.AccountHandler.HandleRevoke)
	protect("POST /accounts/{id}/refresh", deps.AccountHandler.HandleRefresh)
	protect("GET /accounts/{id}/transactions", deps.AccountHandler.HandleTransactions)

	// Apply global middleware. Tracing sits inside Logging so the matched
	// route pattern is known when the span is named.
	handler := middleware.Logging(middleware.CORS(cfg.Server.AllowedHosts)(middleware.Tracing(mux)))

	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(handler)
	}

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(middleware.SecureCookies(handler))
		log.Println("TLS security middleware enabled (HSTS + SecureCookies)")
	}

	return handler
}

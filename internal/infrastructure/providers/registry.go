// Package providers builds the provider registry from configuration.
package providers

import (
	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/alpaca"
	"jaspire/internal/infrastructure/mastercard"
	"jaspire/internal/infrastructure/plaid"
	"jaspire/internal/shared/config"
)

// NewRegistry registers every provider client. Clients are registered even
// when their credentials are missing; each call then fails with
// ConfigurationError before any network I/O.
func NewRegistry(cfg config.ProvidersConfig, callbackURL string) *linking.Registry {
	return linking.NewRegistry(
		plaid.NewClient(plaid.Config{
			ClientID:     cfg.Plaid.ClientID,
			Secret:       cfg.Plaid.Secret,
			BaseURL:      cfg.Plaid.BaseURL,
			ClientName:   cfg.Plaid.ClientName,
			Products:     cfg.Plaid.Products,
			CountryCodes: cfg.Plaid.CountryCodes,
			Timeout:      cfg.Plaid.Timeout,
			RateLimit:    cfg.RateLimit,
			RateBurst:    cfg.RateBurst,
		}),
		mastercard.NewClient(mastercard.Config{
			PartnerID:     cfg.Mastercard.PartnerID,
			PartnerSecret: cfg.Mastercard.PartnerSecret,
			AppKey:        cfg.Mastercard.AppKey,
			BaseURL:       cfg.Mastercard.BaseURL,
			CustomerType:  cfg.Mastercard.CustomerType,
			RedirectURL:   callbackURL,
			Timeout:       cfg.Mastercard.Timeout,
			RateLimit:     cfg.RateLimit,
			RateBurst:     cfg.RateBurst,
		}),
		alpaca.NewClient(alpaca.Config{
			ClientID:     cfg.Alpaca.ClientID,
			ClientSecret: cfg.Alpaca.ClientSecret,
			APIKey:       cfg.Alpaca.APIKey,
			APISecret:    cfg.Alpaca.APISecret,
			BaseURL:      cfg.Alpaca.BaseURL,
			AuthURL:      cfg.Alpaca.AuthURL,
			TokenURL:     cfg.Alpaca.TokenURL,
			RedirectURL:  callbackURL,
			Timeout:      cfg.Alpaca.Timeout,
			RateLimit:    cfg.RateLimit,
			RateBurst:    cfg.RateBurst,
		}),
	)
}

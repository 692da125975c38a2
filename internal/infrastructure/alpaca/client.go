// Package alpaca integrates Alpaca brokerage accounts through OAuth.
package alpaca

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/providerhttp"
	"jaspire/internal/shared/secrets"
)

const (
	authorizePath = "/oauth/authorize"
	tokenPath     = "/oauth/token"
	accountPath   = "/v2/account"

	defaultScope = "account:write trading"
)

type Config struct {
	ClientID     string
	ClientSecret string
	APIKey       string
	APISecret    string
	// BaseURL is the trading API root, AuthURL hosts the consent page and
	// TokenURL the OAuth token endpoint.
	BaseURL     string
	AuthURL     string
	TokenURL    string
	RedirectURL string
	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
	Transport   http.RoundTripper
}

// Client implements link sessions, token exchange, account reads and credential
// validation for Alpaca. Alpaca exposes no transaction feed, so the client is
// not a TransactionFetcher.
type Client struct {
	cfg   Config
	api   *providerhttp.Client
	oauth *providerhttp.Client
}

var (
	_ linking.LinkSessionCreator  = (*Client)(nil)
	_ linking.TokenExchanger      = (*Client)(nil)
	_ linking.AccountFetcher      = (*Client)(nil)
	_ linking.CredentialValidator = (*Client)(nil)
)

// NewClient creates an Alpaca client
func NewClient(cfg Config) *Client {
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://api.alpaca.markets"
	}
	httpCfg := providerhttp.Config{
		Provider:  linking.ProviderAlpaca,
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Transport: cfg.Transport,
	}
	oauthCfg := httpCfg
	oauthCfg.BaseURL = cfg.TokenURL
	return &Client{
		cfg:   cfg,
		api:   providerhttp.New(httpCfg),
		oauth: providerhttp.New(oauthCfg),
	}
}

func (c *Client) Provider() linking.Provider {
	return linking.ProviderAlpaca
}

func (c *Client) MaskedCredentials() map[string]string {
	return secrets.MaskAll(map[string]string{
		"ALPACA_CLIENT_ID":     c.cfg.ClientID,
		"ALPACA_CLIENT_SECRET": c.cfg.ClientSecret,
		"ALPACA_API_KEY":       c.cfg.APIKey,
		"ALPACA_API_SECRET":    c.cfg.APISecret,
	})
}

func configError(msg string) error {
	return linking.NewError(linking.KindConfiguration, linking.ProviderAlpaca, msg, nil)
}

// CreateLinkSession builds the OAuth consent URL; the session id is the OAuth state.
// No network call is needed.
func (c *Client) CreateLinkSession(ctx context.Context, userID, sessionID string) (*linking.SessionHandle, error) {
	if c.cfg.ClientID == "" || c.cfg.AuthURL == "" {
		return nil, configError("ALPACA_CLIENT_ID and ALPACA_AUTH_URL must be set")
	}
	if c.cfg.RedirectURL == "" {
		return nil, configError("LINK_CALLBACK_URL must be set")
	}
	u, err := url.Parse(strings.TrimSuffix(c.cfg.AuthURL, "/") + authorizePath)
	if err != nil {
		return nil, linking.NewError(linking.KindConfiguration, linking.ProviderAlpaca, "ALPACA_AUTH_URL is invalid", err)
	}
	u.RawQuery = url.Values{
		"response_type": {"code"},
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {c.cfg.RedirectURL},
		"state":         {sessionID},
		"scope":         {defaultScope},
	}.Encode()
	return &linking.SessionHandle{URL: u.String()}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeToken redeems an authorization code and reads the account it grants.
func (c *Client) ExchangeToken(ctx context.Context, code string) (*linking.ExchangeResult, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return nil, configError("ALPACA_CLIENT_ID and ALPACA_CLIENT_SECRET must be set")
	}

	resp, err := c.oauth.Do(ctx, providerhttp.Request{
		Method:    http.MethodPost,
		Path:      tokenPath,
		Operation: "oauth_token",
		Form: url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {c.cfg.ClientID},
			"client_secret": {c.cfg.ClientSecret},
			"redirect_uri":  {c.cfg.RedirectURL},
		},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, c.mapTokenError(resp)
	}
	var token tokenResponse
	if err := c.oauth.DecodeJSON("oauth_token", resp, &token); err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, linking.NewError(linking.KindProviderUnavailable, linking.ProviderAlpaca, "provider returned no access token", nil)
	}

	acct, err := c.getAccount(ctx, bearer(token.AccessToken))
	if err != nil {
		return nil, err
	}
	return &linking.ExchangeResult{
		AccessToken:       token.AccessToken,
		ProviderAccountID: acct.ID,
		AccountType:       "brokerage",
		DisplayName:       "Alpaca " + acct.AccountNumber,
		Mask:              lastFour(acct.AccountNumber),
		Institution:       linking.Institution{ID: "alpaca", Name: "Alpaca Securities"},
	}, nil
}

func (c *Client) mapTokenError(resp *providerhttp.Response) error {
	var e oauthError
	_ = json.Unmarshal(resp.Body, &e)
	log.Printf("Alpaca: oauth_token failed with status %d: %s", resp.StatusCode, e.Error)
	switch e.Error {
	case "invalid_grant":
		return linking.NewError(linking.KindTokenAlreadyConsumed, linking.ProviderAlpaca, "authorization code is invalid, expired or already used", nil)
	case "invalid_client", "unauthorized_client":
		return configError("Alpaca rejected the configured OAuth client")
	}
	return c.oauth.Unavailable("oauth_token", resp)
}

type brokerageAccount struct {
	ID             string           `json:"id"`
	AccountNumber  string           `json:"account_number"`
	Status         string           `json:"status"`
	Currency       string           `json:"currency"`
	Cash           *decimal.Decimal `json:"cash"`
	Equity         *decimal.Decimal `json:"equity"`
	PortfolioValue *decimal.Decimal `json:"portfolio_value"`
	BuyingPower    *decimal.Decimal `json:"buying_power"`
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func (c *Client) getAccount(ctx context.Context, header http.Header) (*brokerageAccount, error) {
	resp, err := c.api.Do(ctx, providerhttp.Request{
		Method:    http.MethodGet,
		Path:      accountPath,
		Header:    header,
		Operation: "account_get",
	})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		log.Printf("Alpaca: account_get rejected with status %d", resp.StatusCode)
		return nil, linking.NewError(linking.KindInvalidCredential, linking.ProviderAlpaca, "Alpaca access was revoked; relink required", nil)
	case !resp.OK():
		return nil, c.api.Unavailable("account_get", resp)
	}
	var acct brokerageAccount
	if err := c.api.DecodeJSON("account_get", resp, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// FetchAccounts returns the single brokerage account behind the token.
func (c *Client) FetchAccounts(ctx context.Context, accessToken string) ([]linking.AccountSummary, error) {
	acct, err := c.getAccount(ctx, bearer(accessToken))
	if err != nil {
		return nil, err
	}
	balance := acct.Equity
	if balance == nil {
		balance = acct.PortfolioValue
	}
	return []linking.AccountSummary{{
		ProviderAccountID: acct.ID,
		Name:              "Alpaca " + acct.AccountNumber,
		Mask:              lastFour(acct.AccountNumber),
		Type:              "brokerage",
		Balance:           balance,
		Available:         acct.Cash,
		Currency:          acct.Currency,
	}}, nil
}

// ValidateCredentials reads the account with the server API key pair.
func (c *Client) ValidateCredentials(ctx context.Context) (*linking.CredentialCheck, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, configError("ALPACA_API_KEY and ALPACA_API_SECRET must be set")
	}
	endpoint := c.api.BaseURL() + accountPath
	acct, err := c.getAccount(ctx, http.Header{
		"APCA-API-KEY-ID":     {c.cfg.APIKey},
		"APCA-API-SECRET-KEY": {c.cfg.APISecret},
	})
	switch {
	case err == nil:
		return &linking.CredentialCheck{Valid: true, Message: "Alpaca API key accepted (account " + acct.Status + ")", Endpoint: endpoint}, nil
	case linking.KindOf(err) == linking.KindInvalidCredential:
		return &linking.CredentialCheck{Valid: false, Message: "Alpaca rejected the configured API key", Endpoint: endpoint}, nil
	default:
		return nil, err
	}
}

func lastFour(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

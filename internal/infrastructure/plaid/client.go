// Package plaid integrates Plaid Link: link tokens, public-token exchange,
// balances and transactions.
package plaid

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/providerhttp"
	"jaspire/internal/shared/secrets"
)

const (
	linkTokenCreatePath     = "/link/token/create"
	publicTokenExchangePath = "/item/public_token/exchange"
	accountsGetPath         = "/accounts/get"
	transactionsGetPath     = "/transactions/get"
	institutionsGetPath     = "/institutions/get"

	transactionsPageSize = 500
	dateLayout           = "2006-01-02"
)

type Config struct {
	ClientID     string
	Secret       string
	BaseURL      string
	ClientName   string
	Products     []string
	CountryCodes []string
	Timeout      time.Duration
	RateLimit    float64
	RateBurst    int
	Transport    http.RoundTripper
}

// Client implements every linking capability for Plaid.
type Client struct {
	cfg  Config
	http *providerhttp.Client
}

var (
	_ linking.LinkSessionCreator  = (*Client)(nil)
	_ linking.TokenExchanger      = (*Client)(nil)
	_ linking.AccountFetcher      = (*Client)(nil)
	_ linking.TransactionFetcher  = (*Client)(nil)
	_ linking.CredentialValidator = (*Client)(nil)
)

// NewClient creates a Plaid client. Missing credentials are reported per call.
func NewClient(cfg Config) *Client {
	if cfg.ClientName == "" {
		cfg.ClientName = "Jaspire"
	}
	if len(cfg.Products) == 0 {
		cfg.Products = []string{"transactions"}
	}
	if len(cfg.CountryCodes) == 0 {
		cfg.CountryCodes = []string{"US"}
	}
	return &Client{
		cfg: cfg,
		http: providerhttp.New(providerhttp.Config{
			Provider:  linking.ProviderPlaid,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
			Transport: cfg.Transport,
		}),
	}
}

func (c *Client) Provider() linking.Provider {
	return linking.ProviderPlaid
}

func (c *Client) MaskedCredentials() map[string]string {
	return secrets.MaskAll(map[string]string{
		"PLAID_CLIENT_ID": c.cfg.ClientID,
		"PLAID_SECRET":    c.cfg.Secret,
	})
}

func (c *Client) checkConfig() error {
	if c.cfg.ClientID == "" || c.cfg.Secret == "" {
		return linking.NewError(linking.KindConfiguration, linking.ProviderPlaid, "PLAID_CLIENT_ID and PLAID_SECRET must be set", nil)
	}
	return nil
}

type auth struct {
	ClientID string `json:"client_id"`
	Secret   string `json:"secret"`
}

func (c *Client) auth() auth {
	return auth{ClientID: c.cfg.ClientID, Secret: c.cfg.Secret}
}

// post sends an authenticated call and decodes a 2xx body into out.
func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	if err := c.checkConfig(); err != nil {
		return err
	}
	resp, err := c.http.Do(ctx, providerhttp.Request{
		Method:    http.MethodPost,
		Path:      path,
		JSON:      body,
		Operation: op,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return c.mapError(op, resp)
	}
	return c.http.DecodeJSON(op, resp, out)
}

type linkTokenRequest struct {
	auth
	ClientName   string   `json:"client_name"`
	Language     string   `json:"language"`
	CountryCodes []string `json:"country_codes"`
	Products     []string `json:"products"`
	User         struct {
		ClientUserID string `json:"client_user_id"`
	} `json:"user"`
}

type linkTokenResponse struct {
	LinkToken  string `json:"link_token"`
	Expiration string `json:"expiration"`
	RequestID  string `json:"request_id"`
}

// CreateLinkSession issues a Link token. The token's own expiration is the session TTL.
func (c *Client) CreateLinkSession(ctx context.Context, userID, sessionID string) (*linking.SessionHandle, error) {
	req := linkTokenRequest{
		auth:         c.auth(),
		ClientName:   c.cfg.ClientName,
		Language:     "en",
		CountryCodes: c.cfg.CountryCodes,
		Products:     c.cfg.Products,
	}
	req.User.ClientUserID = userID

	var resp linkTokenResponse
	if err := c.post(ctx, "link_token_create", linkTokenCreatePath, req, &resp); err != nil {
		return nil, err
	}
	if resp.LinkToken == "" {
		return nil, linking.NewError(linking.KindProviderUnavailable, linking.ProviderPlaid, "provider returned no link token", nil)
	}

	handle := &linking.SessionHandle{LinkToken: resp.LinkToken}
	if resp.Expiration != "" {
		if t, err := time.Parse(time.RFC3339, resp.Expiration); err == nil {
			handle.ExpiresAt = t
		} else {
			log.Printf("Plaid: unparseable link token expiration %q (request %s)", resp.Expiration, resp.RequestID)
		}
	}
	return handle, nil
}

type exchangeRequest struct {
	auth
	PublicToken string `json:"public_token"`
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
	RequestID   string `json:"request_id"`
}

// ExchangeToken swaps a Link public token for an item access token. The item is
// the linked account; its accounts are read afterwards for display metadata.
func (c *Client) ExchangeToken(ctx context.Context, publicToken string) (*linking.ExchangeResult, error) {
	var resp exchangeResponse
	err := c.post(ctx, "public_token_exchange", publicTokenExchangePath, exchangeRequest{
		auth:        c.auth(),
		PublicToken: publicToken,
	}, &resp)
	if err != nil {
		return nil, err
	}

	result := &linking.ExchangeResult{
		AccessToken:       resp.AccessToken,
		ProviderAccountID: resp.ItemID,
		AccountType:       "bank",
	}

	// The public token is spent at this point; metadata is best effort.
	accounts, err := c.getAccounts(ctx, resp.AccessToken)
	if err != nil {
		log.Printf("Plaid: item %s linked without account metadata: %v", resp.ItemID, err)
		return result, nil
	}
	if accounts.Item.InstitutionID != "" {
		result.Institution = linking.Institution{ID: accounts.Item.InstitutionID, Name: accounts.Item.InstitutionName}
	}
	if len(accounts.Accounts) > 0 {
		first := accounts.Accounts[0]
		result.DisplayName = first.displayName()
		result.Mask = first.Mask
		result.AccountType = first.Type
	}
	return result, nil
}

type accessTokenRequest struct {
	auth
	AccessToken string `json:"access_token"`
}

type account struct {
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	OfficialName string `json:"official_name"`
	Mask         string `json:"mask"`
	Type         string `json:"type"`
	Subtype      string `json:"subtype"`
	Balances     struct {
		Available       *decimal.Decimal `json:"available"`
		Current         *decimal.Decimal `json:"current"`
		ISOCurrencyCode string           `json:"iso_currency_code"`
	} `json:"balances"`
}

func (a account) displayName() string {
	if a.OfficialName != "" {
		return a.OfficialName
	}
	return a.Name
}

type accountsResponse struct {
	Accounts []account `json:"accounts"`
	Item     struct {
		ItemID          string `json:"item_id"`
		InstitutionID   string `json:"institution_id"`
		InstitutionName string `json:"institution_name"`
	} `json:"item"`
}

func (c *Client) getAccounts(ctx context.Context, accessToken string) (*accountsResponse, error) {
	var resp accountsResponse
	err := c.post(ctx, "accounts_get", accountsGetPath, accessTokenRequest{auth: c.auth(), AccessToken: accessToken}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchAccounts returns every account under the item.
func (c *Client) FetchAccounts(ctx context.Context, accessToken string) ([]linking.AccountSummary, error) {
	resp, err := c.getAccounts(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	out := make([]linking.AccountSummary, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		out = append(out, linking.AccountSummary{
			ProviderAccountID: a.AccountID,
			Name:              a.displayName(),
			Mask:              a.Mask,
			Type:              a.Type,
			Subtype:           a.Subtype,
			Balance:           a.Balances.Current,
			Available:         a.Balances.Available,
			Currency:          a.Balances.ISOCurrencyCode,
		})
	}
	return out, nil
}

type transactionsRequest struct {
	auth
	AccessToken string `json:"access_token"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Options     struct {
		Count  int `json:"count"`
		Offset int `json:"offset"`
	} `json:"options"`
}

type transaction struct {
	TransactionID   string          `json:"transaction_id"`
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	ISOCurrencyCode string          `json:"iso_currency_code"`
	Name            string          `json:"name"`
	MerchantName    string          `json:"merchant_name"`
	Category        []string        `json:"category"`
	Date            string          `json:"date"`
	Pending         bool            `json:"pending"`
}

type transactionsResponse struct {
	Transactions      []transaction `json:"transactions"`
	TotalTransactions int           `json:"total_transactions"`
}

// FetchTransactions pages through /transactions/get for [from, to].
func (c *Client) FetchTransactions(ctx context.Context, accessToken string, from, to time.Time) ([]linking.Transaction, error) {
	req := transactionsRequest{
		auth:        c.auth(),
		AccessToken: accessToken,
		StartDate:   from.Format(dateLayout),
		EndDate:     to.Format(dateLayout),
	}
	req.Options.Count = transactionsPageSize

	var out []linking.Transaction
	for {
		var resp transactionsResponse
		if err := c.post(ctx, "transactions_get", transactionsGetPath, req, &resp); err != nil {
			return nil, err
		}
		for _, t := range resp.Transactions {
			out = append(out, t.toDomain())
		}
		req.Options.Offset += len(resp.Transactions)
		if len(resp.Transactions) == 0 || req.Options.Offset >= resp.TotalTransactions {
			break
		}
	}
	return out, nil
}

func (t transaction) toDomain() linking.Transaction {
	tx := linking.Transaction{
		ID:                t.TransactionID,
		ProviderAccountID: t.AccountID,
		Amount:            t.Amount,
		Currency:          t.ISOCurrencyCode,
		Description:       t.Name,
		Pending:           t.Pending,
	}
	if t.MerchantName != "" {
		tx.Description = t.MerchantName
	}
	if len(t.Category) > 0 {
		tx.Category = t.Category[len(t.Category)-1]
	}
	if d, err := time.Parse(dateLayout, t.Date); err == nil {
		tx.Date = d
	}
	return tx
}

type institutionsRequest struct {
	auth
	Count        int      `json:"count"`
	Offset       int      `json:"offset"`
	CountryCodes []string `json:"country_codes"`
}

// ValidateCredentials lists a single institution, the cheapest authenticated call.
func (c *Client) ValidateCredentials(ctx context.Context) (*linking.CredentialCheck, error) {
	endpoint := c.http.BaseURL() + institutionsGetPath
	var resp struct {
		Total int `json:"total"`
	}
	err := c.post(ctx, "institutions_get", institutionsGetPath, institutionsRequest{
		auth:         c.auth(),
		Count:        1,
		CountryCodes: c.cfg.CountryCodes,
	}, &resp)
	switch {
	case err == nil:
		return &linking.CredentialCheck{Valid: true, Message: "Plaid credentials accepted", Endpoint: endpoint}, nil
	case linking.KindOf(err) == linking.KindConfiguration && c.checkConfig() == nil:
		// Keys are present but Plaid rejected them.
		return &linking.CredentialCheck{Valid: false, Message: linking.SafeMessage(err), Endpoint: endpoint}, nil
	default:
		return nil, err
	}
}

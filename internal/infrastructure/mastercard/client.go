// Package mastercard integrates Mastercard Open Banking (Finicity): customers,
// Connect URLs, accounts and transactions.
package mastercard

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/providerhttp"
	"jaspire/internal/shared/secrets"
)

const (
	partnerAuthPath     = "/aggregation/v2/partners/authentication"
	customersPath       = "/aggregation/v1/customers"
	connectGeneratePath = "/connect/v2/generate"

	transactionsPageSize = 1000
)

type Config struct {
	PartnerID     string
	PartnerSecret string
	AppKey        string
	BaseURL       string
	// CustomerType is "testing" or "active".
	CustomerType string
	// RedirectURL is the link callback; state and code are appended per session.
	RedirectURL string
	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
	Transport   http.RoundTripper
}

// Client implements every linking capability for Mastercard Open Banking.
// The durable credential is the Finicity customer id; every call authenticates
// as the partner first.
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

// NewClient creates a Mastercard client
func NewClient(cfg Config) *Client {
	if cfg.CustomerType == "" {
		cfg.CustomerType = "testing"
	}
	return &Client{
		cfg: cfg,
		http: providerhttp.New(providerhttp.Config{
			Provider:  linking.ProviderMastercard,
			BaseURL:   cfg.BaseURL,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
			Transport: cfg.Transport,
		}),
	}
}

func (c *Client) Provider() linking.Provider {
	return linking.ProviderMastercard
}

func (c *Client) MaskedCredentials() map[string]string {
	return secrets.MaskAll(map[string]string{
		"MASTERCARD_PARTNER_ID":     c.cfg.PartnerID,
		"MASTERCARD_PARTNER_SECRET": c.cfg.PartnerSecret,
		"MASTERCARD_APP_KEY":        c.cfg.AppKey,
	})
}

func (c *Client) checkConfig() error {
	if c.cfg.PartnerID == "" || c.cfg.PartnerSecret == "" || c.cfg.AppKey == "" {
		return linking.NewError(linking.KindConfiguration, linking.ProviderMastercard,
			"MASTERCARD_PARTNER_ID, MASTERCARD_PARTNER_SECRET and MASTERCARD_APP_KEY must be set", nil)
	}
	return nil
}

// call sends one request with the app key and, when token is set, the partner token.
func (c *Client) call(ctx context.Context, op string, req providerhttp.Request, token string, out any) error {
	req.Operation = op
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Finicity-App-Key", c.cfg.AppKey)
	if token != "" {
		req.Header.Set("Finicity-App-Token", token)
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return c.mapError(op, resp)
	}
	if out == nil {
		return nil
	}
	return c.http.DecodeJSON(op, resp, out)
}

// authenticate obtains a partner access token.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	if err := c.checkConfig(); err != nil {
		return "", err
	}
	var resp struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, "partner_authentication", providerhttp.Request{
		Method: http.MethodPost,
		Path:   partnerAuthPath,
		JSON: map[string]string{
			"partnerId":     c.cfg.PartnerID,
			"partnerSecret": c.cfg.PartnerSecret,
		},
	}, "", &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", linking.NewError(linking.KindProviderUnavailable, linking.ProviderMastercard, "provider returned no partner token", nil)
	}
	return resp.Token, nil
}

type customer struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func customerUsername(userID string) string {
	return "jaspire-" + userID
}

// ensureCustomer returns the Finicity customer for userID, creating it on first link.
func (c *Client) ensureCustomer(ctx context.Context, token, userID string) (string, error) {
	username := customerUsername(userID)

	var found struct {
		Found     int        `json:"found"`
		Customers []customer `json:"customers"`
	}
	err := c.call(ctx, "customers_search", providerhttp.Request{
		Method: http.MethodGet,
		Path:   customersPath,
		Query:  url.Values{"username": {username}},
	}, token, &found)
	if err != nil {
		return "", err
	}
	for _, cu := range found.Customers {
		if cu.Username == username && cu.ID != "" {
			return cu.ID, nil
		}
	}

	var created customer
	err = c.call(ctx, "customer_create", providerhttp.Request{
		Method: http.MethodPost,
		Path:   "/aggregation/v2/customers/" + c.cfg.CustomerType,
		JSON: map[string]string{
			"username":  username,
			"firstName": "Jaspire",
			"lastName":  "User",
		},
	}, token, &created)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", linking.NewError(linking.KindProviderUnavailable, linking.ProviderMastercard, "provider returned no customer id", nil)
	}
	log.Printf("Mastercard: created customer %s for user %s", created.ID, userID)
	return created.ID, nil
}

// redirectURI carries the session id as state and the customer id as code, so the
// callback can complete the session without another lookup.
func (c *Client) redirectURI(sessionID, customerID string) (string, error) {
	if c.cfg.RedirectURL == "" {
		return "", linking.NewError(linking.KindConfiguration, linking.ProviderMastercard, "LINK_CALLBACK_URL must be set", nil)
	}
	u, err := url.Parse(c.cfg.RedirectURL)
	if err != nil {
		return "", linking.NewError(linking.KindConfiguration, linking.ProviderMastercard, "LINK_CALLBACK_URL is invalid", err)
	}
	q := u.Query()
	q.Set("state", sessionID)
	q.Set("code", customerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CreateLinkSession generates a Connect URL for the user's customer.
// A failure is returned as is; no fallback URL is ever produced.
func (c *Client) CreateLinkSession(ctx context.Context, userID, sessionID string) (*linking.SessionHandle, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	customerID, err := c.ensureCustomer(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	redirect, err := c.redirectURI(sessionID, customerID)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Link string `json:"link"`
	}
	err = c.call(ctx, "connect_generate", providerhttp.Request{
		Method: http.MethodPost,
		Path:   connectGeneratePath,
		JSON: map[string]string{
			"partnerId":   c.cfg.PartnerID,
			"customerId":  customerID,
			"redirectUri": redirect,
		},
	}, token, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Link == "" {
		return nil, linking.NewError(linking.KindProviderUnavailable, linking.ProviderMastercard, "provider returned no connect link", nil)
	}
	return &linking.SessionHandle{URL: resp.Link, ProviderRef: customerID}, nil
}

type account struct {
	ID                     string           `json:"id"`
	Number                 string           `json:"number"`
	RealAccountNumberLast4 string           `json:"realAccountNumberLast4"`
	Name                   string           `json:"name"`
	Type                   string           `json:"type"`
	Status                 string           `json:"status"`
	Balance                *decimal.Decimal `json:"balance"`
	Currency               string           `json:"currency"`
	InstitutionID          string           `json:"institutionId"`
	Detail                 struct {
		AvailableBalanceAmount *decimal.Decimal `json:"availableBalanceAmount"`
	} `json:"detail"`
}

func (a account) mask() string {
	if a.RealAccountNumberLast4 != "" {
		return a.RealAccountNumberLast4
	}
	if n := len(a.Number); n >= 4 {
		return a.Number[n-4:]
	}
	return ""
}

func (c *Client) customerAccounts(ctx context.Context, customerID string) ([]account, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Accounts []account `json:"accounts"`
	}
	err = c.call(ctx, "customer_accounts", providerhttp.Request{
		Method: http.MethodGet,
		Path:   customersPath + "/" + url.PathEscape(customerID) + "/accounts",
	}, token, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// ExchangeToken treats the callback code as the customer id and confirms that
// Connect left at least one account behind.
func (c *Client) ExchangeToken(ctx context.Context, customerID string) (*linking.ExchangeResult, error) {
	accounts, err := c.customerAccounts(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, linking.NewError(linking.KindInvalidCredential, linking.ProviderMastercard, "no accounts were linked in Connect", nil)
	}

	first := accounts[0]
	return &linking.ExchangeResult{
		AccessToken:       customerID,
		ProviderAccountID: customerID,
		AccountType:       first.Type,
		DisplayName:       first.Name,
		Mask:              first.mask(),
		Institution:       linking.Institution{ID: first.InstitutionID},
	}, nil
}

// FetchAccounts lists the customer's accounts.
func (c *Client) FetchAccounts(ctx context.Context, customerID string) ([]linking.AccountSummary, error) {
	accounts, err := c.customerAccounts(ctx, customerID)
	if err != nil {
		return nil, err
	}
	out := make([]linking.AccountSummary, 0, len(accounts))
	for _, a := range accounts {
		currency := a.Currency
		if currency == "" {
			currency = "USD"
		}
		out = append(out, linking.AccountSummary{
			ProviderAccountID: a.ID,
			Name:              a.Name,
			Mask:              a.mask(),
			Type:              a.Type,
			Balance:           a.Balance,
			Available:         a.Detail.AvailableBalanceAmount,
			Currency:          currency,
		})
	}
	return out, nil
}

type transaction struct {
	ID              int64           `json:"id"`
	AccountID       int64           `json:"accountId"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	Status          string          `json:"status"`
	PostedDate      int64           `json:"postedDate"`
	TransactionDate int64           `json:"transactionDate"`
	Categorization  struct {
		Category string `json:"category"`
	} `json:"categorization"`
}

func (t transaction) toDomain() linking.Transaction {
	when := t.TransactionDate
	if when == 0 {
		when = t.PostedDate
	}
	return linking.Transaction{
		ID:                strconv.FormatInt(t.ID, 10),
		ProviderAccountID: strconv.FormatInt(t.AccountID, 10),
		Amount:            t.Amount,
		Currency:          "USD",
		Description:       t.Description,
		Category:          t.Categorization.Category,
		Date:              time.Unix(when, 0).UTC(),
		Pending:           t.Status == "pending",
	}
}

// FetchTransactions pages through the customer's transactions for [from, to].
func (c *Client) FetchTransactions(ctx context.Context, customerID string, from, to time.Time) ([]linking.Transaction, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var out []linking.Transaction
	start := 1
	for {
		var resp struct {
			Found         int           `json:"found"`
			Displaying    int           `json:"displaying"`
			MoreAvailable bool          `json:"moreAvailable"`
			Transactions  []transaction `json:"transactions"`
		}
		err := c.call(ctx, "customer_transactions", providerhttp.Request{
			Method: http.MethodGet,
			Path:   fmt.Sprintf("/aggregation/v3/customers/%s/transactions", url.PathEscape(customerID)),
			Query: url.Values{
				"fromDate": {strconv.FormatInt(from.Unix(), 10)},
				"toDate":   {strconv.FormatInt(to.Unix(), 10)},
				"start":    {strconv.Itoa(start)},
				"limit":    {strconv.Itoa(transactionsPageSize)},
			},
		}, token, &resp)
		if err != nil {
			return nil, err
		}
		for _, t := range resp.Transactions {
			out = append(out, t.toDomain())
		}
		if !resp.MoreAvailable || len(resp.Transactions) == 0 {
			break
		}
		start += len(resp.Transactions)
	}
	return out, nil
}

// ValidateCredentials authenticates as the partner.
func (c *Client) ValidateCredentials(ctx context.Context) (*linking.CredentialCheck, error) {
	endpoint := c.http.BaseURL() + partnerAuthPath
	_, err := c.authenticate(ctx)
	switch {
	case err == nil:
		return &linking.CredentialCheck{Valid: true, Message: "Mastercard partner credentials accepted", Endpoint: endpoint}, nil
	case linking.KindOf(err) == linking.KindConfiguration && c.checkConfig() == nil:
		return &linking.CredentialCheck{Valid: false, Message: linking.SafeMessage(err), Endpoint: endpoint}, nil
	default:
		return nil, err
	}
}

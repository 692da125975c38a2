package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/memory"
	"jaspire/internal/shared/middleware"
)

// MockProvider implements every provider capability through Func fields.
type MockProvider struct {
	Name                  linking.Provider
	CreateLinkSessionFunc func(ctx context.Context, userID, sessionID string) (*linking.SessionHandle, error)
	ExchangeTokenFunc     func(ctx context.Context, token string) (*linking.ExchangeResult, error)
	FetchAccountsFunc     func(ctx context.Context, accessToken string) ([]linking.AccountSummary, error)
	FetchTransactionsFunc func(ctx context.Context, accessToken string, from, to time.Time) ([]linking.Transaction, error)
	ValidateFunc          func(ctx context.Context) (*linking.CredentialCheck, error)
	Masked                map[string]string
}

func (m *MockProvider) Provider() linking.Provider {
	return m.Name
}

func (m *MockProvider) CreateLinkSession(ctx context.Context, userID, sessionID string) (*linking.SessionHandle, error) {
	if m.CreateLinkSessionFunc != nil {
		return m.CreateLinkSessionFunc(ctx, userID, sessionID)
	}
	return &linking.SessionHandle{LinkToken: "link-sandbox-" + sessionID}, nil
}

func (m *MockProvider) ExchangeToken(ctx context.Context, token string) (*linking.ExchangeResult, error) {
	if m.ExchangeTokenFunc != nil {
		return m.ExchangeTokenFunc(ctx, token)
	}
	return &linking.ExchangeResult{
		AccessToken:       "access-sandbox-secret",
		ProviderAccountID: "item-" + token,
		AccountType:       "depository",
		Institution:       linking.Institution{ID: "ins_1", Name: "First Platypus Bank"},
	}, nil
}

func (m *MockProvider) FetchAccounts(ctx context.Context, accessToken string) ([]linking.AccountSummary, error) {
	if m.FetchAccountsFunc != nil {
		return m.FetchAccountsFunc(ctx, accessToken)
	}
	return nil, nil
}

func (m *MockProvider) FetchTransactions(ctx context.Context, accessToken string, from, to time.Time) ([]linking.Transaction, error) {
	if m.FetchTransactionsFunc != nil {
		return m.FetchTransactionsFunc(ctx, accessToken, from, to)
	}
	return nil, nil
}

func (m *MockProvider) ValidateCredentials(ctx context.Context) (*linking.CredentialCheck, error) {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx)
	}
	return &linking.CredentialCheck{Valid: true, Message: "credentials accepted", Endpoint: "https://sandbox.example.test/institutions/get"}, nil
}

func (m *MockProvider) MaskedCredentials() map[string]string {
	return m.Masked
}

type prefixSealer struct{}

func (prefixSealer) Encrypt(s string) (string, error) { return "sealed:" + s, nil }
func (prefixSealer) Decrypt(s string) (string, error) { return strings.TrimPrefix(s, "sealed:"), nil }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	plaid    *MockProvider
	sessions *memory.SessionStore
	accounts *memory.AccountStore
	manager  *linking.SessionManager
	links    *LinkSessionHandler
	account  *AccountHandler
	health   *HealthHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := func() time.Time { return testNow }
	env := &testEnv{
		plaid:    &MockProvider{Name: linking.ProviderPlaid, Masked: map[string]string{"PLAID_SECRET": "abcd********wxyz"}},
		sessions: memory.NewSessionStore(),
		accounts: memory.NewAccountStore(),
	}
	credentials := memory.NewCredentialStore()
	registry := linking.NewRegistry(env.plaid)

	env.manager = linking.NewSessionManager(registry, env.sessions, time.Hour).WithClock(clock)
	exchange := linking.NewExchangeService(registry, env.sessions, env.accounts, credentials, prefixSealer{}).WithClock(clock)
	accounts := linking.NewAccountService(registry, env.accounts, credentials, prefixSealer{}).WithClock(clock)

	env.links = NewLinkSessionHandler(env.manager, exchange, "https://app.jaspire.test/")
	env.account = NewAccountHandler(accounts)
	env.account.now = clock
	env.health = NewHealthHandler(linking.NewDiagnostics(registry), nil)
	return env
}

// startSession creates a PENDING plaid session for userID.
func (e *testEnv) startSession(t *testing.T, userID string) *linking.LinkSession {
	t.Helper()
	s, err := e.manager.StartSession(context.Background(), userID, linking.ProviderPlaid)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	return s
}

// authedRequest builds a request as the mux would hand it to a handler behind Auth.
func authedRequest(method, target, userID string, body io.Reader, pathValues map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, body)
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	if userID == "" {
		return req
	}
	return req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
}

package linking_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"jaspire/internal/domain/linking"
	"jaspire/internal/infrastructure/memory"
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

	mu        sync.Mutex
	exchanged []string
}

func (m *MockProvider) Provider() linking.Provider {
	return m.Name
}

func (m *MockProvider) CreateLinkSession(ctx context.Context, userID, sessionID string) (*linking.SessionHandle, error) {
	if m.CreateLinkSessionFunc != nil {
		return m.CreateLinkSessionFunc(ctx, userID, sessionID)
	}
	return &linking.SessionHandle{LinkToken: "link-" + sessionID}, nil
}

func (m *MockProvider) ExchangeToken(ctx context.Context, token string) (*linking.ExchangeResult, error) {
	m.mu.Lock()
	m.exchanged = append(m.exchanged, token)
	m.mu.Unlock()
	if m.ExchangeTokenFunc != nil {
		return m.ExchangeTokenFunc(ctx, token)
	}
	return &linking.ExchangeResult{AccessToken: "access-" + token, ProviderAccountID: "item-1", AccountType: "depository"}, nil
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
	return &linking.CredentialCheck{Valid: true, Message: "ok", Endpoint: "https://example.test/validate"}, nil
}

func (m *MockProvider) MaskedCredentials() map[string]string {
	return m.Masked
}

func (m *MockProvider) ExchangeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exchanged)
}

// prefixSealer is a reversible stand-in for the at-rest cipher.
type prefixSealer struct{}

func (prefixSealer) Encrypt(s string) (string, error) { return "sealed:" + s, nil }
func (prefixSealer) Decrypt(s string) (string, error) { return strings.TrimPrefix(s, "sealed:"), nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	plaid       *MockProvider
	clock       *fakeClock
	sessions    *memory.SessionStore
	accounts    *memory.AccountStore
	credentials *memory.CredentialStore
	manager     *linking.SessionManager
	exchange    *linking.ExchangeService
	accountSvc  *linking.AccountService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		plaid:       &MockProvider{Name: linking.ProviderPlaid},
		clock:       &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		sessions:    memory.NewSessionStore(),
		accounts:    memory.NewAccountStore(),
		credentials: memory.NewCredentialStore(),
	}
	registry := linking.NewRegistry(f.plaid)
	f.manager = linking.NewSessionManager(registry, f.sessions, time.Hour).WithClock(f.clock.Now)
	f.exchange = linking.NewExchangeService(registry, f.sessions, f.accounts, f.credentials, prefixSealer{}).WithClock(f.clock.Now)
	f.accountSvc = linking.NewAccountService(registry, f.accounts, f.credentials, prefixSealer{}).WithClock(f.clock.Now)
	return f
}

func (f *fixture) start(t *testing.T, userID string) *linking.LinkSession {
	t.Helper()
	s, err := f.manager.StartSession(context.Background(), userID, linking.ProviderPlaid)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	return s
}

func (f *fixture) status(t *testing.T, id string) linking.SessionStatus {
	t.Helper()
	s, err := f.sessions.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() failed: %v", err)
	}
	return s.Status
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	return string(b)
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}

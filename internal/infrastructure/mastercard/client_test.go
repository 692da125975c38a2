package mastercard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jaspire/internal/domain/linking"
)

// fakeFinicity serves the partner, customer, connect and account endpoints.
type fakeFinicity struct {
	t             *testing.T
	authStatus    int
	existing      string
	connectStatus int
	accounts      string
	created       atomic.Int32
	lastRedirect  string
}

func (f *fakeFinicity) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Finicity-App-Key") != "app-key-000111" {
		f.t.Errorf("%s: missing app key", r.URL.Path)
	}
	if r.URL.Path != partnerAuthPath && r.Header.Get("Finicity-App-Token") != "partner-token" {
		f.t.Errorf("%s: missing partner token", r.URL.Path)
	}

	switch {
	case r.URL.Path == partnerAuthPath:
		if f.authStatus != 0 {
			w.WriteHeader(f.authStatus)
			w.Write([]byte(`{"code":23001,"message":"invalid credentials"}`))
			return
		}
		w.Write([]byte(`{"token":"partner-token"}`))
	case r.URL.Path == customersPath && r.Method == http.MethodGet:
		if r.URL.Query().Get("username") != "jaspire-u1" {
			f.t.Errorf("username = %q", r.URL.Query().Get("username"))
		}
		if f.existing != "" {
			w.Write([]byte(`{"found":1,"customers":[{"id":"` + f.existing + `","username":"jaspire-u1"}]}`))
			return
		}
		w.Write([]byte(`{"found":0,"customers":[]}`))
	case r.URL.Path == "/aggregation/v2/customers/testing":
		f.created.Add(1)
		w.Write([]byte(`{"id":"1005061234","username":"jaspire-u1"}`))
	case r.URL.Path == connectGeneratePath:
		if f.connectStatus != 0 {
			w.WriteHeader(f.connectStatus)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.lastRedirect = body["redirectUri"]
		w.Write([]byte(`{"link":"https://connect2.finicity.com?customerId=` + body["customerId"] + `"}`))
	case strings.HasSuffix(r.URL.Path, "/accounts"):
		if strings.Contains(r.URL.Path, "/gone/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(f.accounts))
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, fake *fakeFinicity) *Client {
	t.Helper()
	fake.t = t
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return NewClient(Config{
		PartnerID:     "2445580000000",
		PartnerSecret: "partner-secret-xyz",
		AppKey:        "app-key-000111",
		BaseURL:       server.URL,
		RedirectURL:   "https://api.jaspire.app/link-sessions/callback",
		Timeout:       2 * time.Second,
	})
}

func TestCreateLinkSession_CreatesCustomer(t *testing.T) {
	fake := &fakeFinicity{}
	client := newTestClient(t, fake)

	handle, err := client.CreateLinkSession(context.Background(), "u1", "sess-1")
	if err != nil {
		t.Fatalf("CreateLinkSession() failed: %v", err)
	}
	if fake.created.Load() != 1 {
		t.Errorf("customers created = %d, want 1", fake.created.Load())
	}
	if handle.ProviderRef != "1005061234" {
		t.Errorf("ProviderRef = %q", handle.ProviderRef)
	}
	if !strings.Contains(handle.URL, "customerId=1005061234") {
		t.Errorf("URL = %q", handle.URL)
	}

	redirect, err := url.Parse(fake.lastRedirect)
	if err != nil {
		t.Fatalf("redirectUri unparseable: %v", err)
	}
	if redirect.Query().Get("state") != "sess-1" || redirect.Query().Get("code") != "1005061234" {
		t.Errorf("redirectUri = %q", fake.lastRedirect)
	}
}

func TestCreateLinkSession_ReusesCustomer(t *testing.T) {
	fake := &fakeFinicity{existing: "777"}
	client := newTestClient(t, fake)

	handle, err := client.CreateLinkSession(context.Background(), "u1", "sess-1")
	if err != nil {
		t.Fatalf("CreateLinkSession() failed: %v", err)
	}
	if fake.created.Load() != 0 {
		t.Error("customer created although one exists")
	}
	if handle.ProviderRef != "777" {
		t.Errorf("ProviderRef = %q", handle.ProviderRef)
	}
}

func TestCreateLinkSession_NoFallbackURL(t *testing.T) {
	fake := &fakeFinicity{existing: "777", connectStatus: http.StatusBadGateway}
	client := newTestClient(t, fake)

	handle, err := client.CreateLinkSession(context.Background(), "u1", "sess-1")
	if !errors.Is(err, linking.ErrProviderUnavailable) {
		t.Fatalf("error = %v, want ProviderUnavailable", err)
	}
	if handle != nil {
		t.Errorf("handle = %+v, want nil", handle)
	}
}

func TestCreateLinkSession_RejectedPartnerIsConfiguration(t *testing.T) {
	fake := &fakeFinicity{authStatus: http.StatusUnauthorized}
	client := newTestClient(t, fake)

	_, err := client.CreateLinkSession(context.Background(), "u1", "sess-1")
	if !errors.Is(err, linking.ErrConfiguration) {
		t.Fatalf("error = %v, want ConfigurationError", err)
	}
}

func TestCreateLinkSession_MissingCredentials(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.CreateLinkSession(context.Background(), "u1", "sess-1")
	if !errors.Is(err, linking.ErrConfiguration) {
		t.Fatalf("error = %v, want ConfigurationError", err)
	}
}

func TestExchangeToken(t *testing.T) {
	fake := &fakeFinicity{accounts: `{"accounts":[{"id":"5011648377","number":"8888","name":"Savings","type":"savings","balance":1000.5,"institutionId":"101732"}]}`}
	client := newTestClient(t, fake)

	result, err := client.ExchangeToken(context.Background(), "1005061234")
	if err != nil {
		t.Fatalf("ExchangeToken() failed: %v", err)
	}
	if result.AccessToken != "1005061234" || result.ProviderAccountID != "1005061234" {
		t.Errorf("result = %+v", result)
	}
	if result.Mask != "8888" || result.Institution.ID != "101732" || result.AccountType != "savings" {
		t.Errorf("metadata = %+v", result)
	}
}

func TestExchangeToken_NoAccounts(t *testing.T) {
	fake := &fakeFinicity{accounts: `{"accounts":[]}`}
	client := newTestClient(t, fake)

	_, err := client.ExchangeToken(context.Background(), "1005061234")
	if !errors.Is(err, linking.ErrInvalidCredential) {
		t.Fatalf("error = %v, want InvalidCredential", err)
	}
}

func TestFetchAccounts(t *testing.T) {
	fake := &fakeFinicity{accounts: `{"accounts":[
		{"id":"1","realAccountNumberLast4":"1234","name":"Checking","type":"checking","balance":250.75,"detail":{"availableBalanceAmount":200}},
		{"id":"2","name":"Card","type":"creditCard","balance":null,"currency":"CAD"}
	]}`}
	client := newTestClient(t, fake)

	accounts, err := client.FetchAccounts(context.Background(), "1005061234")
	if err != nil {
		t.Fatalf("FetchAccounts() failed: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("len = %d", len(accounts))
	}
	if accounts[0].Mask != "1234" || accounts[0].Balance.String() != "250.75" || accounts[0].Available.String() != "200" {
		t.Errorf("accounts[0] = %+v", accounts[0])
	}
	if accounts[0].Currency != "USD" || accounts[1].Currency != "CAD" {
		t.Errorf("currencies = %q, %q", accounts[0].Currency, accounts[1].Currency)
	}
	if accounts[1].Balance != nil {
		t.Errorf("accounts[1].Balance = %v", accounts[1].Balance)
	}
}

func TestFetchAccounts_DeletedCustomerIsInvalidCredential(t *testing.T) {
	client := newTestClient(t, &fakeFinicity{})

	_, err := client.FetchAccounts(context.Background(), "gone")
	if !errors.Is(err, linking.ErrInvalidCredential) {
		t.Fatalf("error = %v, want InvalidCredential", err)
	}
}

func TestFetchTransactions(t *testing.T) {
	page := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == partnerAuthPath {
			w.Write([]byte(`{"token":"partner-token"}`))
			return
		}
		if r.URL.Path != "/aggregation/v3/customers/42/transactions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		page++
		if page == 1 {
			if r.URL.Query().Get("start") != "1" {
				t.Errorf("start = %s", r.URL.Query().Get("start"))
			}
			w.Write([]byte(`{"found":2,"displaying":1,"moreAvailable":true,"transactions":[{"id":9001,"accountId":1,"amount":-45.2,"description":"GROCERY","status":"active","postedDate":1767225600,"categorization":{"category":"Groceries"}}]}`))
			return
		}
		if r.URL.Query().Get("start") != "2" {
			t.Errorf("start = %s", r.URL.Query().Get("start"))
		}
		w.Write([]byte(`{"found":2,"displaying":1,"moreAvailable":false,"transactions":[{"id":9002,"accountId":1,"amount":10,"description":"REFUND","status":"pending","transactionDate":1767312000}]}`))
	}))
	defer server.Close()

	client := NewClient(Config{PartnerID: "p", PartnerSecret: "s", AppKey: "k", BaseURL: server.URL})
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	txs, err := client.FetchTransactions(context.Background(), "42", from, from.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("FetchTransactions() failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("len = %d", len(txs))
	}
	if txs[0].ID != "9001" || txs[0].Category != "Groceries" || txs[0].Pending {
		t.Errorf("txs[0] = %+v", txs[0])
	}
	if !txs[0].Date.Equal(from) {
		t.Errorf("txs[0].Date = %v", txs[0].Date)
	}
	if !txs[1].Pending {
		t.Error("txs[1] should be pending")
	}
}

func TestValidateCredentials(t *testing.T) {
	client := newTestClient(t, &fakeFinicity{})
	check, err := client.ValidateCredentials(context.Background())
	if err != nil || !check.Valid {
		t.Fatalf("ValidateCredentials() = %+v, %v", check, err)
	}

	rejected := newTestClient(t, &fakeFinicity{authStatus: http.StatusUnauthorized})
	check, err = rejected.ValidateCredentials(context.Background())
	if err != nil || check.Valid {
		t.Fatalf("ValidateCredentials() = %+v, %v", check, err)
	}
}

func TestMaskedCredentials(t *testing.T) {
	client := NewClient(Config{PartnerID: "2445580000000", PartnerSecret: "partner-secret-xyz", AppKey: "app-key-000111"})
	for name, v := range client.MaskedCredentials() {
		if !strings.Contains(v, "*") {
			t.Errorf("%s = %q is not masked", name, v)
		}
	}
}

package linking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jaspire/internal/domain/linking"
)

func TestCompleteSession_LinksAccount(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	acc, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1")
	if err != nil {
		t.Fatalf("CompleteSession() failed: %v", err)
	}
	if acc.UserID != "u1" || acc.Provider != linking.ProviderPlaid || acc.Status != linking.AccountActive {
		t.Errorf("account = %+v", acc)
	}
	if acc.ProviderAccountID != "item-1" {
		t.Errorf("ProviderAccountID = %q", acc.ProviderAccountID)
	}
	if got := f.status(t, s.ID); got != linking.SessionCompleted {
		t.Errorf("session status = %s, want COMPLETED", got)
	}

	sealed, err := f.credentials.Get(context.Background(), linking.CredentialKey{UserID: "u1", Provider: linking.ProviderPlaid, ProviderAccountID: "item-1"})
	if err != nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if sealed != "sealed:access-public-sandbox-1" {
		t.Errorf("stored credential = %q, want sealed access token", sealed)
	}
}

func TestCompleteSession_ExpiredSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	f.clock.Advance(time.Hour)

	_, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1")
	if !errors.Is(err, linking.ErrSessionExpired) {
		t.Fatalf("error = %v, want SessionExpired", err)
	}
	if got := f.status(t, s.ID); got != linking.SessionExpired {
		t.Errorf("session status = %s, want EXPIRED", got)
	}
	if f.accounts.Count() != 0 {
		t.Error("an account was created for an expired session")
	}
	if f.plaid.ExchangeCalls() != 0 {
		t.Error("provider was called for an expired session")
	}

	// Stays expired on a second callback.
	if _, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1"); !errors.Is(err, linking.ErrSessionExpired) {
		t.Errorf("second call error = %v, want SessionExpired", err)
	}
}

func TestCompleteSession_DuplicateCallback(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	if _, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1"); err != nil {
		t.Fatalf("first CompleteSession() failed: %v", err)
	}
	_, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1")
	if !errors.Is(err, linking.ErrSessionAlreadyCompleted) {
		t.Fatalf("second error = %v, want SessionAlreadyCompleted", err)
	}
	if f.accounts.Count() != 1 {
		t.Errorf("accounts = %d, want 1", f.accounts.Count())
	}
	if f.plaid.ExchangeCalls() != 1 {
		t.Errorf("provider exchanges = %d, want 1", f.plaid.ExchangeCalls())
	}
}

func TestCompleteSession_ConcurrentCallbacks(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	release := make(chan struct{})
	f.plaid.ExchangeTokenFunc = func(ctx context.Context, token string) (*linking.ExchangeResult, error) {
		<-release
		return &linking.ExchangeResult{AccessToken: "access", ProviderAccountID: "item-1"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1")
			errs <- err
		}()
	}
	close(release)
	wg.Wait()
	close(errs)

	succeeded, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, linking.ErrSessionAlreadyCompleted):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != callers-1 {
		t.Errorf("succeeded = %d, rejected = %d", succeeded, rejected)
	}
	if f.plaid.ExchangeCalls() != 1 {
		t.Errorf("provider exchanges = %d, want 1", f.plaid.ExchangeCalls())
	}
	if f.accounts.Count() != 1 {
		t.Errorf("accounts = %d, want 1", f.accounts.Count())
	}
}

func TestCompleteSession_ProviderErrorFailsSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	f.plaid.ExchangeTokenFunc = func(ctx context.Context, token string) (*linking.ExchangeResult, error) {
		return nil, linking.NewError(linking.KindProviderUnavailable, linking.ProviderPlaid, "provider returned status 500", nil)
	}

	_, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1")
	if !errors.Is(err, linking.ErrExchangeFailed) {
		t.Fatalf("error = %v, want ExchangeFailed", err)
	}
	if linking.SafeMessage(err) != "provider returned status 500" {
		t.Errorf("message = %q, want the provider's message", linking.SafeMessage(err))
	}

	stored, _ := f.sessions.GetByID(context.Background(), s.ID)
	if stored.Status != linking.SessionFailed {
		t.Errorf("session status = %s, want FAILED", stored.Status)
	}
	if stored.FailureReason == "" {
		t.Error("FailureReason should be recorded")
	}
	if f.accounts.Count() != 0 {
		t.Error("an account exists after a failed exchange")
	}

	if _, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1"); !errors.Is(err, linking.ErrSessionAlreadyCompleted) {
		t.Errorf("retry on FAILED session: error = %v", err)
	}
}

func TestCompleteSession_ReplayedTokenKeepsCause(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	f.plaid.ExchangeTokenFunc = func(ctx context.Context, token string) (*linking.ExchangeResult, error) {
		return nil, linking.NewError(linking.KindTokenAlreadyConsumed, linking.ProviderPlaid, "public token already exchanged", nil)
	}

	_, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1")
	if linking.KindOf(err) != linking.KindExchangeFailed {
		t.Fatalf("kind = %q, want exchange_failed", linking.KindOf(err))
	}
	if !errors.Is(err, linking.ErrTokenAlreadyConsumed) {
		t.Error("ExchangeFailed should wrap the provider's TokenAlreadyConsumed")
	}
}

func TestCompleteSession_IncompleteResult(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")
	f.plaid.ExchangeTokenFunc = func(ctx context.Context, token string) (*linking.ExchangeResult, error) {
		return &linking.ExchangeResult{AccessToken: "access"}, nil
	}

	_, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1")
	if !errors.Is(err, linking.ErrExchangeFailed) {
		t.Fatalf("error = %v, want ExchangeFailed", err)
	}
	if f.status(t, s.ID) != linking.SessionFailed {
		t.Error("session should be FAILED")
	}
}

func TestCompleteSession_RelinkUpdatesInPlace(t *testing.T) {
	f := newFixture(t)

	first, err := f.exchange.CompleteSession(context.Background(), f.start(t, "u1").ID, "public-1")
	if err != nil {
		t.Fatalf("first link failed: %v", err)
	}
	f.clock.Advance(time.Minute)
	f.plaid.ExchangeTokenFunc = func(ctx context.Context, token string) (*linking.ExchangeResult, error) {
		return &linking.ExchangeResult{AccessToken: "access-2", ProviderAccountID: "item-1", DisplayName: "Renamed"}, nil
	}
	second, err := f.exchange.CompleteSession(context.Background(), f.start(t, "u1").ID, "public-2")
	if err != nil {
		t.Fatalf("relink failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("relink created a new account: %s != %s", first.ID, second.ID)
	}
	if f.accounts.Count() != 1 {
		t.Errorf("accounts = %d, want 1", f.accounts.Count())
	}
	if second.DisplayName != "Renamed" {
		t.Errorf("DisplayName = %q, want merged metadata", second.DisplayName)
	}
	sealed, _ := f.credentials.Get(context.Background(), linking.CredentialKey{UserID: "u1", Provider: linking.ProviderPlaid, ProviderAccountID: "item-1"})
	if sealed != "sealed:access-2" {
		t.Errorf("credential = %q, want the newest token", sealed)
	}
}

func TestCompleteSession_InputErrors(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	if _, err := f.exchange.CompleteSession(context.Background(), "missing", "tok"); !errors.Is(err, linking.ErrSessionNotFound) {
		t.Errorf("missing session: error = %v", err)
	}
	if _, err := f.exchange.CompleteSession(context.Background(), s.ID, "  "); !errors.Is(err, linking.ErrInvalidInput) {
		t.Errorf("blank credential: error = %v", err)
	}
	if f.status(t, s.ID) != linking.SessionPending {
		t.Error("input errors must not move the session")
	}
}

func TestCompleteOwnedSession(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	if _, err := f.exchange.CompleteOwnedSession(context.Background(), "u2", s.ID, "tok"); !errors.Is(err, linking.ErrForbidden) {
		t.Fatalf("other user: error = %v, want Forbidden", err)
	}
	if f.status(t, s.ID) != linking.SessionPending {
		t.Error("forbidden call must not move the session")
	}
	if _, err := f.exchange.CompleteOwnedSession(context.Background(), "u1", s.ID, "tok"); err != nil {
		t.Fatalf("owner: %v", err)
	}
}

func TestLinkedAccountHasNoTokenField(t *testing.T) {
	f := newFixture(t)
	acc, err := f.exchange.CompleteSession(context.Background(), f.start(t, "u1").ID, "public-sandbox-1")
	if err != nil {
		t.Fatalf("CompleteSession() failed: %v", err)
	}
	body := mustJSON(t, acc)
	if contains(body, "access-public-sandbox-1") || contains(body, "sealed:") {
		t.Errorf("account JSON leaks the access credential: %s", body)
	}
}

func TestCompleteSession_CredentialMustMatchSessionCustomer(t *testing.T) {
	f := newFixture(t)
	mc := &MockProvider{
		Name: linking.ProviderMastercard,
		CreateLinkSessionFunc: func(ctx context.Context, userID, sessionID string) (*linking.SessionHandle, error) {
			return &linking.SessionHandle{URL: "https://connect.example/" + sessionID, ProviderRef: "CUST-" + userID}, nil
		},
	}
	registry := linking.NewRegistry(f.plaid, mc)
	manager := linking.NewSessionManager(registry, f.sessions, time.Hour).WithClock(f.clock.Now)
	exchange := linking.NewExchangeService(registry, f.sessions, f.accounts, f.credentials, prefixSealer{}).WithClock(f.clock.Now)

	s, err := manager.StartSession(context.Background(), "alice", linking.ProviderMastercard)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}

	_, err = exchange.CompleteOwnedSession(context.Background(), "alice", s.ID, "CUST-bob")
	if !errors.Is(err, linking.ErrExchangeFailed) {
		t.Fatalf("foreign customer id: error = %v, want ExchangeFailed", err)
	}
	if mc.ExchangeCalls() != 0 {
		t.Error("provider was called with a customer id the session never issued")
	}
	if f.status(t, s.ID) != linking.SessionFailed {
		t.Error("session should be FAILED")
	}
	if f.accounts.Count() != 0 {
		t.Error("an account was linked from a foreign customer id")
	}

	s, err = manager.StartSession(context.Background(), "alice", linking.ProviderMastercard)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	if _, err := exchange.CompleteOwnedSession(context.Background(), "alice", s.ID, "CUST-alice"); err != nil {
		t.Fatalf("own customer id: %v", err)
	}
}

func TestCompleteSession_SweepDuringExchange(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	var swept int64
	var lateErr error
	f.plaid.ExchangeTokenFunc = func(ctx context.Context, token string) (*linking.ExchangeResult, error) {
		f.clock.Advance(9 * time.Hour)
		n, err := f.manager.ExpireStale(ctx)
		if err != nil {
			return nil, err
		}
		swept = n
		_, lateErr = f.exchange.CompleteSession(ctx, s.ID, token)
		return &linking.ExchangeResult{AccessToken: "access", ProviderAccountID: "item-1"}, nil
	}

	acc, err := f.exchange.CompleteSession(context.Background(), s.ID, "public-sandbox-1")
	if err != nil {
		t.Fatalf("CompleteSession() failed: %v", err)
	}
	if acc == nil {
		t.Fatal("no account returned")
	}
	if swept != 0 {
		t.Errorf("sweep expired %d sessions with an exchange in flight", swept)
	}
	if !errors.Is(lateErr, linking.ErrSessionAlreadyCompleted) {
		t.Errorf("late callback: error = %v, want SessionAlreadyCompleted", lateErr)
	}
	if got := f.status(t, s.ID); got != linking.SessionCompleted {
		t.Errorf("session status = %s, want COMPLETED", got)
	}
}

func TestExpireStale_AbandonedClaim(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, "u1")

	ok, err := f.sessions.Claim(context.Background(), s.ID, f.clock.Now())
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	f.clock.Advance(2 * time.Hour)
	if n, _ := f.manager.ExpireStale(context.Background()); n != 0 {
		t.Errorf("fresh claim: expired %d, want 0", n)
	}

	f.clock.Advance(linking.StaleClaimAge)
	n, err := f.manager.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("ExpireStale() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("abandoned claim: expired %d, want 1", n)
	}
	if f.status(t, s.ID) != linking.SessionExpired {
		t.Error("abandoned session should be EXPIRED")
	}
}

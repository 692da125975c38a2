package linking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// AccountService reads and maintains LinkedAccounts after linking.
type AccountService struct {
	registry    *Registry
	accounts    AccountRepository
	credentials CredentialRepository
	sealer      Sealer
	now         func() time.Time
}

// NewAccountService creates a new account service
func NewAccountService(registry *Registry, accounts AccountRepository, credentials CredentialRepository, sealer Sealer) *AccountService {
	return &AccountService{
		registry:    registry,
		accounts:    accounts,
		credentials: credentials,
		sealer:      sealer,
		now:         time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *AccountService) WithClock(now func() time.Time) *AccountService {
	s.now = now
	return s
}

// ListByUser returns the user's linked accounts, most recently linked first.
func (s *AccountService) ListByUser(ctx context.Context, userID string) ([]*LinkedAccount, error) {
	if userID == "" {
		return nil, invalidInput("userId is required")
	}
	return s.accounts.ListByUserID(ctx, userID)
}

// Get retrieves an account by ID and verifies user ownership
func (s *AccountService) Get(ctx context.Context, userID, accountID string) (*LinkedAccount, error) {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.UserID != userID {
		return nil, ErrForbidden
	}
	return acc, nil
}

// Refresh pulls the latest balance for one account from its provider.
// A revoked upstream credential leaves the account in ERROR and returns ErrInvalidCredential.
func (s *AccountService) Refresh(ctx context.Context, userID, accountID string) (*LinkedAccount, error) {
	acc, err := s.Get(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, acc)
}

// RefreshUser refreshes every ACTIVE account of a user. Per-account failures are
// collected; the first one is returned after all accounts were attempted.
func (s *AccountService) RefreshUser(ctx context.Context, userID string) (refreshed int, err error) {
	accounts, err := s.accounts.ListByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}

	var firstErr error
	for _, acc := range accounts {
		if acc.Status != AccountActive {
			continue
		}
		if _, err := s.refresh(ctx, acc); err != nil {
			log.Printf("User %s: refresh of account %s failed: %v", userID, acc.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		refreshed++
	}
	return refreshed, firstErr
}

func (s *AccountService) refresh(ctx context.Context, acc *LinkedAccount) (*LinkedAccount, error) {
	if acc.Status == AccountRevoked {
		return nil, &Error{Kind: KindInvalidCredential, Provider: acc.Provider, Message: "account link was revoked"}
	}

	fetcher, err := s.registry.AccountFetcher(acc.Provider)
	if err != nil {
		return nil, err
	}
	token, err := s.accessToken(ctx, acc)
	if err != nil {
		return nil, err
	}

	summaries, err := fetcher.FetchAccounts(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			if uerr := s.accounts.UpdateStatus(ctx, acc.ID, AccountError, "relink required", s.now().UTC()); uerr != nil {
				log.Printf("Account %s: failed to flag relink: %v", acc.ID, uerr)
			}
		}
		return nil, err
	}

	balance, currency := aggregateBalance(summaries)
	updated, err := s.accounts.UpdateSync(ctx, acc.ID, SyncUpdate{
		Status:   AccountActive,
		Balance:  balance,
		Currency: currency,
		SyncedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record account sync: %w", err)
	}
	return updated, nil
}

// Transactions fetches provider transactions for an account in [from, to].
func (s *AccountService) Transactions(ctx context.Context, userID, accountID string, from, to time.Time) ([]Transaction, error) {
	if to.Before(from) {
		return nil, invalidInput("from must not be after to")
	}
	acc, err := s.Get(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Status == AccountRevoked {
		return nil, &Error{Kind: KindInvalidCredential, Provider: acc.Provider, Message: "account link was revoked"}
	}
	fetcher, err := s.registry.TransactionFetcher(acc.Provider)
	if err != nil {
		return nil, err
	}
	token, err := s.accessToken(ctx, acc)
	if err != nil {
		return nil, err
	}
	return fetcher.FetchTransactions(ctx, token, from, to)
}

// Revoke marks the account REVOKED and drops its stored credential.
func (s *AccountService) Revoke(ctx context.Context, userID, accountID string) error {
	acc, err := s.Get(ctx, userID, accountID)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdateStatus(ctx, acc.ID, AccountRevoked, "revoked by user", s.now().UTC()); err != nil {
		return fmt.Errorf("failed to revoke account: %w", err)
	}
	key := CredentialKey{UserID: acc.UserID, Provider: acc.Provider, ProviderAccountID: acc.ProviderAccountID}
	if err := s.credentials.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete access credential: %w", err)
	}
	log.Printf("User %s: revoked %s account %s", userID, acc.Provider, acc.ID)
	return nil
}

// ActiveUserIDs lists users with at least one ACTIVE account.
func (s *AccountService) ActiveUserIDs(ctx context.Context) ([]string, error) {
	return s.accounts.ListUserIDsWithActiveAccounts(ctx)
}

func (s *AccountService) accessToken(ctx context.Context, acc *LinkedAccount) (string, error) {
	key := CredentialKey{UserID: acc.UserID, Provider: acc.Provider, ProviderAccountID: acc.ProviderAccountID}
	sealed, err := s.credentials.Get(ctx, key)
	if err != nil {
		return "", err
	}
	token, err := s.sealer.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to open access credential: %w", err)
	}
	return token, nil
}

// aggregateBalance sums the balances a provider reports for one linked
// credential. Returns nil when the provider exposes no balance at all.
func aggregateBalance(summaries []AccountSummary) (*decimal.Decimal, string) {
	var total *decimal.Decimal
	currency := ""
	for _, sum := range summaries {
		if sum.Balance == nil {
			continue
		}
		if total == nil {
			zero := decimal.Zero
			total = &zero
		}
		t := total.Add(*sum.Balance)
		total = &t
		if currency == "" {
			currency = sum.Currency
		}
	}
	return total, currency
}

package linking

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExchangeService completes link sessions: it consumes the provider's temporary
// credential, stores the durable one and records the LinkedAccount.
type ExchangeService struct {
	registry    *Registry
	sessions    SessionRepository
	accounts    AccountRepository
	credentials CredentialRepository
	sealer      Sealer
	now         func() time.Time
	newID       func() string
}

// NewExchangeService creates a new exchange service
func NewExchangeService(
	registry *Registry,
	sessions SessionRepository,
	accounts AccountRepository,
	credentials CredentialRepository,
	sealer Sealer,
) *ExchangeService {
	return &ExchangeService{
		registry:    registry,
		sessions:    sessions,
		accounts:    accounts,
		credentials: credentials,
		sealer:      sealer,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *ExchangeService) WithClock(now func() time.Time) *ExchangeService {
	s.now = now
	return s
}

// CompleteOwnedSession is CompleteSession for an authenticated caller who must own the session.
func (s *ExchangeService) CompleteOwnedSession(ctx context.Context, userID, sessionID, temporaryCredential string) (*LinkedAccount, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrForbidden
	}
	return s.complete(ctx, session, temporaryCredential)
}

// CompleteSession exchanges temporaryCredential for the session's provider and
// links the resulting account. At most one concurrent caller gets past the claim;
// the others fail with ErrSessionAlreadyCompleted.
func (s *ExchangeService) CompleteSession(ctx context.Context, sessionID, temporaryCredential string) (*LinkedAccount, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, session, temporaryCredential)
}

func (s *ExchangeService) complete(ctx context.Context, session *LinkSession, temporaryCredential string) (*LinkedAccount, error) {
	temporaryCredential = strings.TrimSpace(temporaryCredential)
	if temporaryCredential == "" {
		return nil, invalidInput("temporary credential is required")
	}

	if session.Status == SessionExpired {
		return nil, expiredError(session)
	}
	if session.Status != SessionPending {
		return nil, completedError(session)
	}

	// Expiring through the claim keeps a late callback from racing an
	// exchange that is already in flight.
	now := s.now().UTC()
	claimed, err := s.sessions.Claim(ctx, session.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim link session: %w", err)
	}
	if !claimed {
		return nil, s.claimLost(ctx, session)
	}
	if CheckExpiry(session, now) {
		if _, err := s.sessions.Transition(ctx, session.ID, SessionPending, SessionExpired, "expired before callback", now); err != nil {
			log.Printf("Link session %s: failed to mark expired: %v", session.ID, err)
		}
		return nil, expiredError(session)
	}

	if session.ProviderRef != "" && subtle.ConstantTimeCompare([]byte(temporaryCredential), []byte(session.ProviderRef)) != 1 {
		err := &Error{Kind: KindExchangeFailed, Provider: session.Provider, Message: "credential was not issued for this link session"}
		s.fail(ctx, session, err)
		return nil, err
	}

	exchanger, err := s.registry.Exchanger(session.Provider)
	if err != nil {
		s.fail(ctx, session, err)
		return nil, err
	}

	result, err := exchanger.ExchangeToken(ctx, temporaryCredential)
	if err != nil {
		s.fail(ctx, session, err)
		return nil, &Error{Kind: KindExchangeFailed, Provider: session.Provider, Message: SafeMessage(err), Err: err}
	}
	if result.AccessToken == "" || result.ProviderAccountID == "" {
		err := &Error{Kind: KindExchangeFailed, Provider: session.Provider, Message: "provider returned an incomplete credential"}
		s.fail(ctx, session, err)
		return nil, err
	}

	account, err := s.link(ctx, session, result)
	if err != nil {
		s.fail(ctx, session, err)
		return nil, err
	}

	ok, err := s.sessions.Transition(ctx, session.ID, SessionPending, SessionCompleted, "", s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to complete link session: %w", err)
	}
	if !ok {
		// The sweep only takes claims older than StaleClaimAge.
		log.Printf("Link session %s: moved by the expiry sweep while exchanging; account %s kept", session.ID, account.ID)
	}

	log.Printf("Link session %s: linked %s account %s for user %s", session.ID, session.Provider, account.ID, session.UserID)
	return account, nil
}

func (s *ExchangeService) link(ctx context.Context, session *LinkSession, result *ExchangeResult) (*LinkedAccount, error) {
	sealed, err := s.sealer.Encrypt(result.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to seal access credential: %w", err)
	}

	now := s.now().UTC()
	key := CredentialKey{UserID: session.UserID, Provider: session.Provider, ProviderAccountID: result.ProviderAccountID}
	if err := s.credentials.Save(ctx, key, sealed, now); err != nil {
		return nil, fmt.Errorf("failed to store access credential: %w", err)
	}

	params := UpsertAccountParams{
		ID:                s.newID(),
		UserID:            session.UserID,
		Provider:          session.Provider,
		ProviderAccountID: result.ProviderAccountID,
		AccountType:       result.AccountType,
		Status:            AccountActive,
		DisplayName:       result.DisplayName,
		Mask:              result.Mask,
		Institution:       result.Institution,
		Now:               now,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	account, created, err := s.accounts.Upsert(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert linked account: %w", err)
	}
	if !created {
		log.Printf("Link session %s: relinked existing account %s", session.ID, account.ID)
	}
	return account, nil
}

// claimLost reports why another caller's claim won: the session either
// expired or was completed in the meantime.
func (s *ExchangeService) claimLost(ctx context.Context, session *LinkSession) error {
	current, err := s.sessions.GetByID(ctx, session.ID)
	if err == nil && current.Status == SessionExpired {
		return expiredError(session)
	}
	return completedError(session)
}

func expiredError(session *LinkSession) error {
	return &Error{Kind: KindSessionExpired, Provider: session.Provider, Message: "link session expired"}
}

func completedError(session *LinkSession) error {
	return &Error{Kind: KindSessionAlreadyCompleted, Provider: session.Provider, Message: "link session already completed"}
}

func (s *ExchangeService) fail(ctx context.Context, session *LinkSession, cause error) {
	reason := SafeMessage(cause)
	log.Printf("Link session %s: exchange failed for %s: %v", session.ID, session.Provider, cause)
	if _, err := s.sessions.Transition(ctx, session.ID, SessionPending, SessionFailed, reason, s.now().UTC()); err != nil {
		log.Printf("Link session %s: failed to mark failed: %v", session.ID, err)
	}
}

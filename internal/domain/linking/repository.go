package linking

import (
	"context"
	"time"
)

// SessionRepository persists LinkSessions. Every status mutation is a single
// conditional update at the store; implementations must not read-then-write.
type SessionRepository interface {
	// Create inserts a new session.
	Create(ctx context.Context, s *LinkSession) error

	// GetByID returns ErrSessionNotFound when absent.
	GetByID(ctx context.Context, id string) (*LinkSession, error)

	// Claim marks a PENDING, unclaimed session as being exchanged.
	// Returns false when another caller already claimed it or it left PENDING.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)

	// Transition moves a session from one status to another.
	// Returns false when the current status is not from.
	Transition(ctx context.Context, id string, from, to SessionStatus, reason string, now time.Time) (bool, error)

	// ExpirePending moves every PENDING session whose expiry is at or before now
	// to EXPIRED. Claimed sessions are skipped unless the claim was taken at or
	// before claimedBefore.
	ExpirePending(ctx context.Context, now, claimedBefore time.Time) (int64, error)
}

// AccountRepository persists LinkedAccounts.
type AccountRepository interface {
	// Upsert creates or merges into the row matching (UserID, Provider, ProviderAccountID).
	// created reports whether a new row was inserted.
	Upsert(ctx context.Context, params UpsertAccountParams) (account *LinkedAccount, created bool, err error)

	// GetByID returns ErrAccountNotFound when absent.
	GetByID(ctx context.Context, id string) (*LinkedAccount, error)

	// ListByUserID returns the user's accounts, most recently linked first, ties by ID.
	ListByUserID(ctx context.Context, userID string) ([]*LinkedAccount, error)

	// UpdateSync records the outcome of a provider refresh.
	UpdateSync(ctx context.Context, id string, update SyncUpdate) (*LinkedAccount, error)

	// UpdateStatus sets status and reason.
	UpdateStatus(ctx context.Context, id string, status AccountStatus, reason string, now time.Time) error

	// ListUserIDsWithActiveAccounts lists users that have at least one ACTIVE account.
	ListUserIDsWithActiveAccounts(ctx context.Context) ([]string, error)
}

// CredentialKey identifies one stored provider access credential.
type CredentialKey struct {
	UserID            string
	Provider          Provider
	ProviderAccountID string
}

// CredentialRepository stores sealed provider access credentials server-side.
type CredentialRepository interface {
	Save(ctx context.Context, key CredentialKey, sealed string, now time.Time) error
	// Get returns ErrInvalidCredential when no credential is stored.
	Get(ctx context.Context, key CredentialKey) (string, error)
	Delete(ctx context.Context, key CredentialKey) error
}

// Sealer encrypts access credentials before they reach a repository.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

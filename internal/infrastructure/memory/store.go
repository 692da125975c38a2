// Package memory provides in-process repositories for local development and tests.
// A single mutex guards each store so conditional updates are atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"jaspire/internal/domain/linking"
)

// SessionStore implements linking.SessionRepository.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]linking.LinkSession
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]linking.LinkSession)}
}

var _ linking.SessionRepository = (*SessionStore)(nil)

func (s *SessionStore) Create(ctx context.Context, session *linking.LinkSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*linking.LinkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, linking.ErrSessionNotFound
	}
	return &session, nil
}

func (s *SessionStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status != linking.SessionPending || session.ClaimedAt != nil {
		return false, nil
	}
	session.ClaimedAt = &now
	session.UpdatedAt = now
	s.sessions[id] = session
	return true, nil
}

func (s *SessionStore) Transition(ctx context.Context, id string, from, to linking.SessionStatus, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status != from {
		return false, nil
	}
	session.Status = to
	session.FailureReason = reason
	session.UpdatedAt = now
	s.sessions[id] = session
	return true, nil
}

func (s *SessionStore) ExpirePending(ctx context.Context, now, claimedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, session := range s.sessions {
		if session.ClaimedAt != nil && session.ClaimedAt.After(claimedBefore) {
			continue
		}
		if session.Status == linking.SessionPending && !now.Before(session.ExpiresAt) {
			session.Status = linking.SessionExpired
			session.FailureReason = "expired"
			session.UpdatedAt = now
			s.sessions[id] = session
			n++
		}
	}
	return n, nil
}

type accountKey struct {
	userID            string
	provider          linking.Provider
	providerAccountID string
}

// AccountStore implements linking.AccountRepository.
type AccountStore struct {
	mu       sync.Mutex
	accounts map[string]linking.LinkedAccount
	byKey    map[accountKey]string
}

// NewAccountStore creates an empty account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts: make(map[string]linking.LinkedAccount),
		byKey:    make(map[accountKey]string),
	}
}

var _ linking.AccountRepository = (*AccountStore)(nil)

func (s *AccountStore) Upsert(ctx context.Context, p linking.UpsertAccountParams) (*linking.LinkedAccount, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey{p.UserID, p.Provider, p.ProviderAccountID}
	if id, ok := s.byKey[key]; ok {
		acc := s.accounts[id]
		acc.Status = p.Status
		acc.StatusReason = ""
		if p.AccountType != "" {
			acc.AccountType = p.AccountType
		}
		if p.DisplayName != "" {
			acc.DisplayName = p.DisplayName
		}
		if p.Mask != "" {
			acc.Mask = p.Mask
		}
		if p.Institution.ID != "" || p.Institution.Name != "" {
			acc.Institution = p.Institution
		}
		if p.Balance != nil {
			acc.Balance = p.Balance
			acc.Currency = p.Currency
		}
		acc.UpdatedAt = p.Now
		s.accounts[id] = acc
		return &acc, false, nil
	}

	acc := linking.LinkedAccount{
		ID:                p.ID,
		UserID:            p.UserID,
		Provider:          p.Provider,
		ProviderAccountID: p.ProviderAccountID,
		AccountType:       p.AccountType,
		Status:            p.Status,
		Balance:           p.Balance,
		Currency:          p.Currency,
		DisplayName:       p.DisplayName,
		Mask:              p.Mask,
		Institution:       p.Institution,
		CreatedAt:         p.Now,
		UpdatedAt:         p.Now,
	}
	s.accounts[acc.ID] = acc
	s.byKey[key] = acc.ID
	return &acc, true, nil
}

func (s *AccountStore) GetByID(ctx context.Context, id string) (*linking.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, linking.ErrAccountNotFound
	}
	return &acc, nil
}

func (s *AccountStore) ListByUserID(ctx context.Context, userID string) ([]*linking.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*linking.LinkedAccount
	for _, acc := range s.accounts {
		if acc.UserID == userID {
			out = append(out, &acc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *AccountStore) UpdateSync(ctx context.Context, id string, u linking.SyncUpdate) (*linking.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, linking.ErrAccountNotFound
	}
	acc.Status = u.Status
	acc.StatusReason = u.StatusReason
	acc.Balance = u.Balance
	if u.Currency != "" {
		acc.Currency = u.Currency
	}
	synced := u.SyncedAt
	acc.LastSyncedAt = &synced
	acc.UpdatedAt = u.SyncedAt
	s.accounts[id] = acc
	return &acc, nil
}

func (s *AccountStore) UpdateStatus(ctx context.Context, id string, status linking.AccountStatus, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return linking.ErrAccountNotFound
	}
	acc.Status = status
	acc.StatusReason = reason
	acc.UpdatedAt = now
	s.accounts[id] = acc
	return nil
}

func (s *AccountStore) ListUserIDsWithActiveAccounts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, acc := range s.accounts {
		if acc.Status != linking.AccountActive {
			continue
		}
		if _, ok := seen[acc.UserID]; ok {
			continue
		}
		seen[acc.UserID] = struct{}{}
		out = append(out, acc.UserID)
	}
	sort.Strings(out)
	return out, nil
}

// Count returns the number of stored accounts.
func (s *AccountStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// CredentialStore implements linking.CredentialRepository.
type CredentialStore struct {
	mu     sync.Mutex
	sealed map[linking.CredentialKey]string
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{sealed: make(map[linking.CredentialKey]string)}
}

var _ linking.CredentialRepository = (*CredentialStore)(nil)

func (s *CredentialStore) Save(ctx context.Context, key linking.CredentialKey, sealed string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[key] = sealed
	return nil
}

func (s *CredentialStore) Get(ctx context.Context, key linking.CredentialKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sealed[key]
	if !ok {
		return "", linking.ErrInvalidCredential
	}
	return v, nil
}

func (s *CredentialStore) Delete(ctx context.Context, key linking.CredentialKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sealed, key)
	return nil
}

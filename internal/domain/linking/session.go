package linking

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL applies when a provider does not report its own expiry.
const DefaultSessionTTL = 8 * time.Hour

// SessionManager starts link sessions and tracks their expiry.
type SessionManager struct {
	registry *Registry
	sessions SessionRepository
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
}

// NewSessionManager creates a new session manager. A zero ttl uses DefaultSessionTTL.
func NewSessionManager(registry *Registry, sessions SessionRepository, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		registry: registry,
		sessions: sessions,
		ttl:      ttl,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock overrides the time source. Used by tests.
func (m *SessionManager) WithClock(now func() time.Time) *SessionManager {
	m.now = now
	return m
}

// StartSession asks the provider for a hosted flow and persists the session as PENDING.
func (m *SessionManager) StartSession(ctx context.Context, userID string, provider Provider) (*LinkSession, error) {
	if userID == "" {
		return nil, invalidInput("userId is required")
	}
	creator, err := m.registry.SessionCreator(provider)
	if err != nil {
		return nil, err
	}

	id := m.newID()
	handle, err := creator.CreateLinkSession(ctx, userID, id)
	if err != nil {
		log.Printf("Link session: %s rejected session start for user %s: %v", provider, userID, err)
		return nil, err
	}

	now := m.now().UTC()
	expiresAt := handle.ExpiresAt
	if expiresAt.IsZero() || expiresAt.After(now.Add(m.ttl)) {
		expiresAt = now.Add(m.ttl)
	}

	session := &LinkSession{
		ID:          id,
		UserID:      userID,
		Provider:    provider,
		Status:      SessionPending,
		LinkToken:   handle.LinkToken,
		SessionURL:  handle.URL,
		ProviderRef: handle.ProviderRef,
		CreatedAt:   now,
		ExpiresAt:   expiresAt.UTC(),
		UpdatedAt:   now,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist link session: %w", err)
	}

	log.Printf("Link session: started %s session %s for user %s (expires %s)",
		provider, id, userID, session.ExpiresAt.Format(time.RFC3339))
	return session, nil
}

// GetSession returns a session owned by userID.
func (m *SessionManager) GetSession(ctx context.Context, userID, sessionID string) (*LinkSession, error) {
	s, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrForbidden
	}
	if s.Status == SessionPending && CheckExpiry(s, m.now()) {
		// Reported as it will be stored once the sweeper or a callback reaches it.
		s.Status = SessionExpired
	}
	return s, nil
}

// StaleClaimAge is how long a claimed session is left to its exchange before
// the sweep may expire it. Only claims abandoned by a crashed exchange get that old.
const StaleClaimAge = 24 * time.Hour

// ExpireStale moves every overdue PENDING session to EXPIRED. Sessions with an
// exchange in flight are left alone until their claim goes stale.
func (m *SessionManager) ExpireStale(ctx context.Context) (int64, error) {
	now := m.now().UTC()
	n, err := m.sessions.ExpirePending(ctx, now, now.Add(-StaleClaimAge))
	if err != nil {
		return 0, fmt.Errorf("failed to expire link sessions: %w", err)
	}
	if n > 0 {
		log.Printf("Link session: expired %d stale sessions", n)
	}
	return n, nil
}

// CheckExpiry reports whether the session's expiry has been reached at now.
// For a fixed session it is monotonic in now.
func CheckExpiry(s *LinkSession, now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

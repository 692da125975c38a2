package scheduler

import (
	"context"
	"fmt"
	"log"
)

// SessionExpirer moves overdue PENDING link sessions to EXPIRED.
type SessionExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// AccountRefresher refreshes balances for a user's linked accounts.
type AccountRefresher interface {
	RefreshUser(ctx context.Context, userID string) (int, error)
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

// SessionExpiryJob sweeps stale link sessions.
type SessionExpiryJob struct {
	sessions SessionExpirer
}

func NewSessionExpiryJob(sessions SessionExpirer) *SessionExpiryJob {
	return &SessionExpiryJob{sessions: sessions}
}

func (j *SessionExpiryJob) Execute(ctx context.Context) error {
	_, err := j.sessions.ExpireStale(ctx)
	return err
}

func (j *SessionExpiryJob) UserID() string      { return "" }
func (j *SessionExpiryJob) Description() string { return "Link session expiry sweep" }

// AccountRefreshJob refreshes every ACTIVE account of one user.
type AccountRefreshJob struct {
	userID   string
	accounts AccountRefresher
}

func NewAccountRefreshJob(userID string, accounts AccountRefresher) *AccountRefreshJob {
	return &AccountRefreshJob{userID: userID, accounts: accounts}
}

func (j *AccountRefreshJob) Execute(ctx context.Context) error {
	n, err := j.accounts.RefreshUser(ctx, j.userID)
	if err != nil {
		return fmt.Errorf("refresh failed after %d accounts: %w", n, err)
	}
	log.Printf("User %s: refreshed %d accounts", j.userID, n)
	return nil
}

func (j *AccountRefreshJob) UserID() string { return j.userID }

func (j *AccountRefreshJob) Description() string {
	return fmt.Sprintf("Account refresh for user %s", j.userID)
}

// RefreshJobs builds one AccountRefreshJob per user with an active account.
func RefreshJobs(accounts AccountRefresher) JobProvider {
	return func(ctx context.Context) ([]Job, error) {
		ids, err := accounts.ActiveUserIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active users: %w", err)
		}
		jobs := make([]Job, 0, len(ids))
		for _, id := range ids {
			jobs = append(jobs, NewAccountRefreshJob(id, accounts))
		}
		return jobs, nil
	}
}

// Package redis keeps link sessions in Redis so several API replicas share
// one view of session state. Conditional transitions run as Lua scripts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jaspire/internal/domain/linking"
)

const (
	keyPrefix  = "link_session:"
	pendingKey = "link_sessions:pending"
)

// DefaultRetention is how long a session hash outlives its expiry.
const DefaultRetention = 7 * 24 * time.Hour

// claimScript sets claimed_at on a PENDING, unclaimed session. claimed_ms
// mirrors it as a number for the expiry script.
// KEYS[1] = session hash
// ARGV[1] = now (RFC3339)
// ARGV[2] = now (unix ms)
var claimScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= "PENDING" then
    return 0
end
if redis.call("HEXISTS", KEYS[1], "claimed_at") == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "claimed_at", ARGV[1], "claimed_ms", ARGV[2], "updated_at", ARGV[1])
return 1
`)

// expireScript expires a PENDING session unless it holds a claim newer than ARGV[2].
// KEYS[1] = session hash
// KEYS[2] = pending index
// ARGV[1] = now (RFC3339)
// ARGV[2] = claimedBefore (unix ms)
// ARGV[3] = session id
// Returns 1 when expired, 0 when the session left PENDING, -1 when skipped.
var expireScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= "PENDING" then
    return 0
end
local claimed = redis.call("HGET", KEYS[1], "claimed_ms")
if claimed and tonumber(claimed) > tonumber(ARGV[2]) then
    return -1
end
redis.call("HSET", KEYS[1], "status", "EXPIRED", "failure_reason", "expired", "updated_at", ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[3])
return 1
`)

// transitionScript moves a session from ARGV[1] to ARGV[2].
// KEYS[1] = session hash
// KEYS[2] = pending index
// ARGV[1] = expected status
// ARGV[2] = new status
// ARGV[3] = failure reason, empty to clear
// ARGV[4] = now (RFC3339)
// ARGV[5] = session id
var transitionScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "updated_at", ARGV[4])
if ARGV[3] == "" then
    redis.call("HDEL", KEYS[1], "failure_reason")
else
    redis.call("HSET", KEYS[1], "failure_reason", ARGV[3])
end
if ARGV[2] ~= "PENDING" then
    redis.call("ZREM", KEYS[2], ARGV[5])
end
return 1
`)

// SessionStore implements linking.SessionRepository on Redis.
type SessionStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// NewSessionStore creates a session store. A zero retention uses DefaultRetention.
func NewSessionStore(client redis.UniversalClient, retention time.Duration) *SessionStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SessionStore{client: client, retention: retention}
}

var _ linking.SessionRepository = (*SessionStore)(nil)

func sessionKey(id string) string {
	return keyPrefix + id
}

func (s *SessionStore) Create(ctx context.Context, session *linking.LinkSession) error {
	key := sessionKey(session.ID)
	fields := encodeSession(session)
	ttl := session.ExpiresAt.Sub(session.CreatedAt) + s.retention
	if ttl < s.retention {
		ttl = s.retention
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		if session.Status == linking.SessionPending {
			pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(session.ExpiresAt.UnixMilli()), Member: session.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create link session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*linking.LinkSession, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get link session: %w", err)
	}
	if len(fields) == 0 {
		return nil, linking.ErrSessionNotFound
	}
	session, err := decodeSession(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode link session %s: %w", id, err)
	}
	return session, nil
}

func (s *SessionStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := claimScript.Run(ctx, s.client, []string{sessionKey(id)}, formatTime(now), now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim link session: %w", err)
	}
	return n == 1, nil
}

func (s *SessionStore) Transition(ctx context.Context, id string, from, to linking.SessionStatus, reason string, now time.Time) (bool, error) {
	n, err := transitionScript.Run(ctx, s.client,
		[]string{sessionKey(id), pendingKey},
		string(from), string(to), reason, formatTime(now), id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to transition link session: %w", err)
	}
	return n == 1, nil
}

// ExpirePending walks the pending index up to now. Index entries whose hash
// has already left PENDING (or vanished) are dropped along the way; sessions
// with a fresh claim stay indexed for a later sweep.
func (s *SessionStore) ExpirePending(ctx context.Context, now, claimedBefore time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan pending sessions: %w", err)
	}

	var expired int64
	for _, id := range ids {
		n, err := expireScript.Run(ctx, s.client,
			[]string{sessionKey(id), pendingKey},
			formatTime(now), claimedBefore.UnixMilli(), id,
		).Int()
		if err != nil {
			return expired, fmt.Errorf("failed to expire link session: %w", err)
		}
		if n == 1 {
			expired++
			continue
		}
		if n < 0 {
			continue
		}
		if err := s.client.ZRem(ctx, pendingKey, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return expired, fmt.Errorf("failed to drop stale pending entry: %w", err)
		}
	}
	return expired, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeSession(s *linking.LinkSession) map[string]any {
	fields := map[string]any{
		"id":         s.ID,
		"user_id":    s.UserID,
		"provider":   string(s.Provider),
		"status":     string(s.Status),
		"created_at": formatTime(s.CreatedAt),
		"expires_at": formatTime(s.ExpiresAt),
		"updated_at": formatTime(s.UpdatedAt),
	}
	optional := map[string]string{
		"link_token":     s.LinkToken,
		"session_url":    s.SessionURL,
		"provider_ref":   s.ProviderRef,
		"failure_reason": s.FailureReason,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	if s.ClaimedAt != nil {
		fields["claimed_at"] = formatTime(*s.ClaimedAt)
		fields["claimed_ms"] = s.ClaimedAt.UnixMilli()
	}
	return fields
}

func decodeSession(f map[string]string) (*linking.LinkSession, error) {
	s := &linking.LinkSession{
		ID:            f["id"],
		UserID:        f["user_id"],
		Provider:      linking.Provider(f["provider"]),
		Status:        linking.SessionStatus(f["status"]),
		LinkToken:     f["link_token"],
		SessionURL:    f["session_url"],
		ProviderRef:   f["provider_ref"],
		FailureReason: f["failure_reason"],
	}

	var err error
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, f["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if s.ExpiresAt, err = time.Parse(time.RFC3339Nano, f["expires_at"]); err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, f["updated_at"]); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	if v, ok := f["claimed_at"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("claimed_at: %w", err)
		}
		s.ClaimedAt = &t
	}
	return s, nil
}

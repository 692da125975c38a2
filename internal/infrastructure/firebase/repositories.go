package firebase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"jaspire/internal/domain/linking"
)

// expireBatchSize bounds how many sessions one ExpirePending sweep touches per query.
const expireBatchSize = 200

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// SessionRepository implements linking.SessionRepository on Firestore.
// Conditional updates run inside transactions, which Firestore retries on contention.
type SessionRepository struct {
	fs *firestore.Client
}

func NewSessionRepository(fs *firestore.Client) *SessionRepository {
	return &SessionRepository{fs: fs}
}

var _ linking.SessionRepository = (*SessionRepository)(nil)

func (r *SessionRepository) doc(id string) *firestore.DocumentRef {
	return r.fs.Collection(sessionsCollection).Doc(id)
}

func (r *SessionRepository) Create(ctx context.Context, s *linking.LinkSession) error {
	if _, err := r.doc(s.ID).Create(ctx, toSessionDoc(s)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("link session %s already exists: %w", s.ID, err)
		}
		return fmt.Errorf("failed to create link session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*linking.LinkSession, error) {
	snap, err := r.doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, linking.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link session: %w", err)
	}
	var d sessionDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode link session: %w", err)
	}
	return d.toSession(snap.Ref.ID), nil
}

// update reads the session in a transaction and writes it back when apply
// reports a change.
func (r *SessionRepository) update(ctx context.Context, id string, apply func(*sessionDoc) bool) (bool, error) {
	var changed bool
	err := r.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = false
		ref := r.doc(id)
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var d sessionDoc
		if err := snap.DataTo(&d); err != nil {
			return err
		}
		if !apply(&d) {
			return nil
		}
		changed = true
		return tx.Set(ref, d)
	})
	return changed, err
}

func (r *SessionRepository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	ok, err := r.update(ctx, id, func(d *sessionDoc) bool {
		if d.Status != string(linking.SessionPending) || d.ClaimedAt != nil {
			return false
		}
		d.ClaimedAt = &now
		d.UpdatedAt = now
		return true
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim link session: %w", err)
	}
	return ok, nil
}

func (r *SessionRepository) Transition(ctx context.Context, id string, from, to linking.SessionStatus, reason string, now time.Time) (bool, error) {
	ok, err := r.update(ctx, id, func(d *sessionDoc) bool {
		if d.Status != string(from) {
			return false
		}
		d.Status = string(to)
		d.FailureReason = reason
		d.UpdatedAt = now
		return true
	})
	if err != nil {
		return false, fmt.Errorf("failed to transition link session: %w", err)
	}
	return ok, nil
}

func (r *SessionRepository) ExpirePending(ctx context.Context, now, claimedBefore time.Time) (int64, error) {
	query := r.fs.Collection(sessionsCollection).
		Where("status", "==", string(linking.SessionPending)).
		Where("expires_at", "<=", now).
		OrderBy("expires_at", firestore.Asc).
		Limit(expireBatchSize)

	var expired int64
	for {
		snaps, err := query.Documents(ctx).GetAll()
		if err != nil {
			return expired, fmt.Errorf("failed to query pending sessions: %w", err)
		}
		for _, snap := range snaps {
			ok, err := r.update(ctx, snap.Ref.ID, func(d *sessionDoc) bool {
				return expireDoc(d, now, claimedBefore)
			})
			if err != nil {
				return expired, fmt.Errorf("failed to expire link session: %w", err)
			}
			if ok {
				expired++
			}
		}
		if len(snaps) < expireBatchSize {
			return expired, nil
		}
		// Skipped sessions stay PENDING, so page past them.
		query = query.StartAfter(snaps[len(snaps)-1])
	}
}

// AccountRepository implements linking.AccountRepository on Firestore.
type AccountRepository struct {
	fs *firestore.Client
}

func NewAccountRepository(fs *firestore.Client) *AccountRepository {
	return &AccountRepository{fs: fs}
}

var _ linking.AccountRepository = (*AccountRepository)(nil)

func (r *AccountRepository) coll() *firestore.CollectionRef {
	return r.fs.Collection(accountsCollection)
}

// Upsert looks the natural key up inside the transaction so two concurrent
// relinks of the same provider account cannot both insert.
func (r *AccountRepository) Upsert(ctx context.Context, p linking.UpsertAccountParams) (*linking.LinkedAccount, bool, error) {
	var (
		id      string
		doc     accountDoc
		created bool
	)
	err := r.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		q := r.coll().
			Where("user_id", "==", p.UserID).
			Where("provider", "==", string(p.Provider)).
			Where("provider_account_id", "==", p.ProviderAccountID).
			Limit(1)
		snaps, err := tx.Documents(q).GetAll()
		if err != nil {
			return err
		}

		if len(snaps) == 0 {
			id, doc, created = p.ID, newAccountDoc(p), true
			return tx.Create(r.coll().Doc(id), doc)
		}

		id, created = snaps[0].Ref.ID, false
		if err := snaps[0].DataTo(&doc); err != nil {
			return err
		}
		doc.merge(p)
		return tx.Set(snaps[0].Ref, doc)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert linked account: %w", err)
	}

	acc, err := doc.toAccount(id)
	if err != nil {
		return nil, false, err
	}
	return acc, created, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*linking.LinkedAccount, error) {
	snap, err := r.coll().Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, linking.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get linked account: %w", err)
	}
	var d accountDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode linked account: %w", err)
	}
	return d.toAccount(snap.Ref.ID)
}

// accountListOrder lists newest accounts first with ties by ascending id.
var accountListOrder = []struct {
	path string
	dir  firestore.Direction
}{
	{"created_at", firestore.Desc},
	{firestore.DocumentID, firestore.Asc},
}

func (r *AccountRepository) ListByUserID(ctx context.Context, userID string) ([]*linking.LinkedAccount, error) {
	query := r.coll().Where("user_id", "==", userID)
	for _, o := range accountListOrder {
		query = query.OrderBy(o.path, o.dir)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var accounts []*linking.LinkedAccount
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list linked accounts: %w", err)
		}
		var d accountDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to decode linked account: %w", err)
		}
		acc, err := d.toAccount(snap.Ref.ID)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func (r *AccountRepository) modify(ctx context.Context, id string, apply func(*accountDoc)) (*linking.LinkedAccount, error) {
	var doc accountDoc
	ref := r.coll().Doc(id)
	err := r.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		apply(&doc)
		return tx.Set(ref, doc)
	})
	if isNotFound(err) {
		return nil, linking.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toAccount(id)
}

func (r *AccountRepository) UpdateSync(ctx context.Context, id string, u linking.SyncUpdate) (*linking.LinkedAccount, error) {
	acc, err := r.modify(ctx, id, func(d *accountDoc) { d.applySync(u) })
	if err != nil && !errors.Is(err, linking.ErrAccountNotFound) {
		return nil, fmt.Errorf("failed to update account sync: %w", err)
	}
	return acc, err
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id string, st linking.AccountStatus, reason string, now time.Time) error {
	_, err := r.modify(ctx, id, func(d *accountDoc) {
		d.Status = string(st)
		d.StatusReason = reason
		d.UpdatedAt = now
	})
	if err != nil && !errors.Is(err, linking.ErrAccountNotFound) {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	return err
}

func (r *AccountRepository) ListUserIDsWithActiveAccounts(ctx context.Context) ([]string, error) {
	iter := r.coll().
		Where("status", "==", string(linking.AccountActive)).
		Select("user_id").
		Documents(ctx)
	defer iter.Stop()

	seen := make(map[string]struct{})
	var ids []string
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list active users: %w", err)
		}
		v, err := snap.DataAt("user_id")
		if err != nil {
			continue
		}
		uid, _ := v.(string)
		if _, ok := seen[uid]; ok || uid == "" {
			continue
		}
		seen[uid] = struct{}{}
		ids = append(ids, uid)
	}
	sort.Strings(ids)
	return ids, nil
}

// CredentialRepository implements linking.CredentialRepository on Firestore.
type CredentialRepository struct {
	fs *firestore.Client
}

func NewCredentialRepository(fs *firestore.Client) *CredentialRepository {
	return &CredentialRepository{fs: fs}
}

var _ linking.CredentialRepository = (*CredentialRepository)(nil)

func (r *CredentialRepository) doc(key linking.CredentialKey) *firestore.DocumentRef {
	return r.fs.Collection(credentialsCollection).Doc(credentialDocID(key))
}

func (r *CredentialRepository) Save(ctx context.Context, key linking.CredentialKey, sealed string, now time.Time) error {
	_, err := r.doc(key).Set(ctx, credentialDoc{
		UserID:            key.UserID,
		Provider:          string(key.Provider),
		ProviderAccountID: key.ProviderAccountID,
		SealedToken:       sealed,
		UpdatedAt:         now,
	})
	if err != nil {
		return fmt.Errorf("failed to save provider credential: %w", err)
	}
	return nil
}

func (r *CredentialRepository) Get(ctx context.Context, key linking.CredentialKey) (string, error) {
	snap, err := r.doc(key).Get(ctx)
	if isNotFound(err) {
		return "", linking.ErrInvalidCredential
	}
	if err != nil {
		return "", fmt.Errorf("failed to get provider credential: %w", err)
	}
	var d credentialDoc
	if err := snap.DataTo(&d); err != nil {
		return "", fmt.Errorf("failed to decode provider credential: %w", err)
	}
	return d.SealedToken, nil
}

func (r *CredentialRepository) Delete(ctx context.Context, key linking.CredentialKey) error {
	if _, err := r.doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete provider credential: %w", err)
	}
	return nil
}

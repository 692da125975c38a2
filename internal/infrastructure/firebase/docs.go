package firebase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"jaspire/internal/domain/linking"
)

// sessionDoc is the Firestore shape of a LinkSession.
type sessionDoc struct {
	UserID        string     `firestore:"user_id"`
	Provider      string     `firestore:"provider"`
	Status        string     `firestore:"status"`
	LinkToken     string     `firestore:"link_token,omitempty"`
	SessionURL    string     `firestore:"session_url,omitempty"`
	ProviderRef   string     `firestore:"provider_ref,omitempty"`
	FailureReason string     `firestore:"failure_reason,omitempty"`
	ClaimedAt     *time.Time `firestore:"claimed_at,omitempty"`
	CreatedAt     time.Time  `firestore:"created_at"`
	ExpiresAt     time.Time  `firestore:"expires_at"`
	UpdatedAt     time.Time  `firestore:"updated_at"`
}

func toSessionDoc(s *linking.LinkSession) sessionDoc {
	return sessionDoc{
		UserID:        s.UserID,
		Provider:      string(s.Provider),
		Status:        string(s.Status),
		LinkToken:     s.LinkToken,
		SessionURL:    s.SessionURL,
		ProviderRef:   s.ProviderRef,
		FailureReason: s.FailureReason,
		ClaimedAt:     s.ClaimedAt,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func (d sessionDoc) toSession(id string) *linking.LinkSession {
	s := &linking.LinkSession{
		ID:            id,
		UserID:        d.UserID,
		Provider:      linking.Provider(d.Provider),
		Status:        linking.SessionStatus(d.Status),
		LinkToken:     d.LinkToken,
		SessionURL:    d.SessionURL,
		ProviderRef:   d.ProviderRef,
		FailureReason: d.FailureReason,
		CreatedAt:     d.CreatedAt.UTC(),
		ExpiresAt:     d.ExpiresAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if d.ClaimedAt != nil {
		t := d.ClaimedAt.UTC()
		s.ClaimedAt = &t
	}
	return s
}

// expireDoc moves an overdue PENDING session to EXPIRED unless it holds a
// claim taken after claimedBefore. It reports whether d changed.
func expireDoc(d *sessionDoc, now, claimedBefore time.Time) bool {
	if d.Status != string(linking.SessionPending) || now.Before(d.ExpiresAt) {
		return false
	}
	if d.ClaimedAt != nil && d.ClaimedAt.After(claimedBefore) {
		return false
	}
	d.Status = string(linking.SessionExpired)
	d.FailureReason = "expired"
	d.UpdatedAt = now
	return true
}

// accountDoc is the Firestore shape of a LinkedAccount. Balances are kept as
// decimal strings so no precision is lost to float64.
type accountDoc struct {
	UserID            string     `firestore:"user_id"`
	Provider          string     `firestore:"provider"`
	ProviderAccountID string     `firestore:"provider_account_id"`
	AccountType       string     `firestore:"account_type"`
	Status            string     `firestore:"status"`
	StatusReason      string     `firestore:"status_reason,omitempty"`
	Balance           *string    `firestore:"balance"`
	Currency          string     `firestore:"currency,omitempty"`
	DisplayName       string     `firestore:"display_name,omitempty"`
	Mask              string     `firestore:"mask,omitempty"`
	InstitutionID     string     `firestore:"institution_id,omitempty"`
	InstitutionName   string     `firestore:"institution_name,omitempty"`
	LastSyncedAt      *time.Time `firestore:"last_synced_at"`
	CreatedAt         time.Time  `firestore:"created_at"`
	UpdatedAt         time.Time  `firestore:"updated_at"`
}

func newAccountDoc(p linking.UpsertAccountParams) accountDoc {
	return accountDoc{
		UserID:            p.UserID,
		Provider:          string(p.Provider),
		ProviderAccountID: p.ProviderAccountID,
		AccountType:       p.AccountType,
		Status:            string(p.Status),
		Balance:           balanceString(p.Balance),
		Currency:          p.Currency,
		DisplayName:       p.DisplayName,
		Mask:              p.Mask,
		InstitutionID:     p.Institution.ID,
		InstitutionName:   p.Institution.Name,
		CreatedAt:         p.Now,
		UpdatedAt:         p.Now,
	}
}

// merge applies a relink to an existing account, keeping fields the new
// exchange did not report.
func (d *accountDoc) merge(p linking.UpsertAccountParams) {
	d.Status = string(p.Status)
	d.StatusReason = ""
	if p.AccountType != "" {
		d.AccountType = p.AccountType
	}
	if p.DisplayName != "" {
		d.DisplayName = p.DisplayName
	}
	if p.Mask != "" {
		d.Mask = p.Mask
	}
	if p.Institution.ID != "" {
		d.InstitutionID = p.Institution.ID
	}
	if p.Institution.Name != "" {
		d.InstitutionName = p.Institution.Name
	}
	if p.Balance != nil {
		d.Balance = balanceString(p.Balance)
		d.Currency = p.Currency
	}
	d.UpdatedAt = p.Now
}

func (d *accountDoc) applySync(u linking.SyncUpdate) {
	d.Status = string(u.Status)
	d.StatusReason = u.StatusReason
	d.Balance = balanceString(u.Balance)
	if u.Currency != "" {
		d.Currency = u.Currency
	}
	synced := u.SyncedAt
	d.LastSyncedAt = &synced
	d.UpdatedAt = u.SyncedAt
}

func (d accountDoc) toAccount(id string) (*linking.LinkedAccount, error) {
	acc := &linking.LinkedAccount{
		ID:                id,
		UserID:            d.UserID,
		Provider:          linking.Provider(d.Provider),
		ProviderAccountID: d.ProviderAccountID,
		AccountType:       d.AccountType,
		Status:            linking.AccountStatus(d.Status),
		StatusReason:      d.StatusReason,
		Currency:          d.Currency,
		DisplayName:       d.DisplayName,
		Mask:              d.Mask,
		Institution:       linking.Institution{ID: d.InstitutionID, Name: d.InstitutionName},
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
	if d.Balance != nil {
		b, err := decimal.NewFromString(*d.Balance)
		if err != nil {
			return nil, fmt.Errorf("invalid balance on account %s: %w", id, err)
		}
		acc.Balance = &b
	}
	if d.LastSyncedAt != nil {
		t := d.LastSyncedAt.UTC()
		acc.LastSyncedAt = &t
	}
	return acc, nil
}

func balanceString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

type credentialDoc struct {
	UserID            string    `firestore:"user_id"`
	Provider          string    `firestore:"provider"`
	ProviderAccountID string    `firestore:"provider_account_id"`
	SealedToken       string    `firestore:"sealed_token"`
	UpdatedAt         time.Time `firestore:"updated_at"`
}

// credentialDocID derives a stable document id from the credential key.
// Provider account ids may contain '/', which Firestore ids cannot.
func credentialDocID(key linking.CredentialKey) string {
	sum := sha256.Sum256([]byte(key.UserID + "\x00" + string(key.Provider) + "\x00" + key.ProviderAccountID))
	return hex.EncodeToString(sum[:])
}

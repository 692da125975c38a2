package linking

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies an external financial integration.
type Provider string

const (
	ProviderPlaid      Provider = "plaid"
	ProviderMastercard Provider = "mastercard"
	ProviderAlpaca     Provider = "alpaca"
)

// ParseProvider normalizes a provider name from a request.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderPlaid, ProviderMastercard, ProviderAlpaca:
		return p, nil
	case "":
		return "", invalidInput("provider is required")
	default:
		return "", &Error{Kind: KindUnsupportedProvider, Provider: p, Message: "provider not supported"}
	}
}

// SessionStatus is the state of a LinkSession.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionExpired   SessionStatus = "EXPIRED"
	SessionFailed    SessionStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionExpired || s == SessionFailed
}

// LinkSession is one in-flight linking handshake.
type LinkSession struct {
	ID            string        `json:"sessionId"`
	UserID        string        `json:"userId"`
	Provider      Provider      `json:"provider"`
	Status        SessionStatus `json:"status"`
	LinkToken     string        `json:"linkToken,omitempty"`
	SessionURL    string        `json:"sessionUrl,omitempty"`
	ProviderRef   string        `json:"-"` // provider-side handle (e.g. aggregator customer id)
	ClaimedAt     *time.Time    `json:"-"`
	FailureReason string        `json:"failureReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// AccountStatus is the state of a LinkedAccount.
type AccountStatus string

const (
	AccountActive  AccountStatus = "ACTIVE"
	AccountRevoked AccountStatus = "REVOKED"
	AccountError   AccountStatus = "ERROR"
)

// Institution is the metadata a provider exposes about the account holder's bank or broker.
type Institution struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// LinkedAccount is the durable outcome of a successful exchange.
// It never carries the provider access credential.
type LinkedAccount struct {
	ID                string           `json:"accountId"`
	UserID            string           `json:"userId"`
	Provider          Provider         `json:"provider"`
	ProviderAccountID string           `json:"providerAccountId"`
	AccountType       string           `json:"accountType"`
	Status            AccountStatus    `json:"status"`
	StatusReason      string           `json:"statusReason,omitempty"`
	Balance           *decimal.Decimal `json:"balance"`
	Currency          string           `json:"currency,omitempty"`
	DisplayName       string           `json:"name,omitempty"`
	Mask              string           `json:"mask,omitempty"`
	Institution       Institution      `json:"institution"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	LastSyncedAt      *time.Time       `json:"lastSyncedAt"`
}

// UpsertAccountParams carries the fields merged into a LinkedAccount keyed by
// (UserID, Provider, ProviderAccountID).
type UpsertAccountParams struct {
	ID                string
	UserID            string
	Provider          Provider
	ProviderAccountID string
	AccountType       string
	Status            AccountStatus
	Balance           *decimal.Decimal
	Currency          string
	DisplayName       string
	Mask              string
	Institution       Institution
	Now               time.Time
}

// Validate validates the upsert parameters
func (p UpsertAccountParams) Validate() error {
	if p.UserID == "" {
		return invalidInput("user ID is required")
	}
	if p.Provider == "" {
		return invalidInput("provider is required")
	}
	if p.ProviderAccountID == "" {
		return invalidInput("provider account ID is required")
	}
	switch p.Status {
	case AccountActive, AccountRevoked, AccountError:
	default:
		return invalidInput("invalid account status")
	}
	return nil
}

// SyncUpdate is applied after a provider refresh.
type SyncUpdate struct {
	Status       AccountStatus
	StatusReason string
	Balance      *decimal.Decimal
	Currency     string
	SyncedAt     time.Time
}

// SessionHandle is what a provider returns when a linking flow starts.
type SessionHandle struct {
	LinkToken   string
	URL         string
	ProviderRef string
	ExpiresAt   time.Time
}

// ExchangeResult is the durable credential produced from a temporary one.
type ExchangeResult struct {
	AccessToken       string
	ProviderAccountID string
	AccountType       string
	DisplayName       string
	Mask              string
	Institution       Institution
}

// AccountSummary is a read-only view of one provider-side account.
type AccountSummary struct {
	ProviderAccountID string           `json:"providerAccountId"`
	Name              string           `json:"name"`
	Mask              string           `json:"mask,omitempty"`
	Type              string           `json:"type"`
	Subtype           string           `json:"subtype,omitempty"`
	Balance           *decimal.Decimal `json:"balance"`
	Available         *decimal.Decimal `json:"available,omitempty"`
	Currency          string           `json:"currency,omitempty"`
}

// Transaction is a provider-side transaction.
type Transaction struct {
	ID                string          `json:"id"`
	ProviderAccountID string          `json:"providerAccountId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	Description       string          `json:"description"`
	Category          string          `json:"category,omitempty"`
	Date              time.Time       `json:"date"`
	Pending           bool            `json:"pending"`
}

// CredentialCheck is the result of a diagnostic credential validation.
type CredentialCheck struct {
	Valid    bool   `json:"valid"`
	Message  string `json:"message"`
	Endpoint string `json:"endpoint"`
}

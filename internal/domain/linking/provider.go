package linking

import (
	"context"
	"time"
)

// Client is implemented by every provider integration.
type Client interface {
	Provider() Provider
}

// LinkSessionCreator issues a hosted-flow URL or link token for a user.
type LinkSessionCreator interface {
	CreateLinkSession(ctx context.Context, userID, sessionID string) (*SessionHandle, error)
}

// TokenExchanger turns a single-use temporary credential into a durable one.
type TokenExchanger interface {
	ExchangeToken(ctx context.Context, temporaryToken string) (*ExchangeResult, error)
}

// AccountFetcher reads account summaries with a durable credential.
type AccountFetcher interface {
	FetchAccounts(ctx context.Context, accessToken string) ([]AccountSummary, error)
}

// TransactionFetcher reads transactions with a durable credential.
type TransactionFetcher interface {
	FetchTransactions(ctx context.Context, accessToken string, from, to time.Time) ([]Transaction, error)
}

// CredentialValidator checks server-held credentials without mutating state.
type CredentialValidator interface {
	ValidateCredentials(ctx context.Context) (*CredentialCheck, error)
	// MaskedCredentials returns the configured credential names with masked values.
	MaskedCredentials() map[string]string
}

// Registry resolves provider clients. It is built once at boot and read-only afterwards.
type Registry struct {
	clients map[Provider]Client
}

// NewRegistry creates a registry from the given clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[Provider]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Provider()] = c
	}
	return r
}

// Providers lists the registered providers.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.clients))
	for _, p := range []Provider{ProviderPlaid, ProviderMastercard, ProviderAlpaca} {
		if _, ok := r.clients[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) client(p Provider) (Client, error) {
	c, ok := r.clients[p]
	if !ok {
		return nil, &Error{Kind: KindUnsupportedProvider, Provider: p, Message: "provider not supported"}
	}
	return c, nil
}

func unsupported(p Provider, capability string) error {
	return &Error{Kind: KindUnsupportedProvider, Provider: p, Message: "provider does not support " + capability}
}

// SessionCreator returns the provider's LinkSessionCreator.
func (r *Registry) SessionCreator(p Provider) (LinkSessionCreator, error) {
	c, err := r.client(p)
	if err != nil {
		return nil, err
	}
	sc, ok := c.(LinkSessionCreator)
	if !ok {
		return nil, unsupported(p, "link sessions")
	}
	return sc, nil
}

// Exchanger returns the provider's TokenExchanger.
func (r *Registry) Exchanger(p Provider) (TokenExchanger, error) {
	c, err := r.client(p)
	if err != nil {
		return nil, err
	}
	ex, ok := c.(TokenExchanger)
	if !ok {
		return nil, unsupported(p, "token exchange")
	}
	return ex, nil
}

// AccountFetcher returns the provider's AccountFetcher.
func (r *Registry) AccountFetcher(p Provider) (AccountFetcher, error) {
	c, err := r.client(p)
	if err != nil {
		return nil, err
	}
	af, ok := c.(AccountFetcher)
	if !ok {
		return nil, unsupported(p, "account fetching")
	}
	return af, nil
}

// TransactionFetcher returns the provider's TransactionFetcher.
func (r *Registry) TransactionFetcher(p Provider) (TransactionFetcher, error) {
	c, err := r.client(p)
	if err != nil {
		return nil, err
	}
	tf, ok := c.(TransactionFetcher)
	if !ok {
		return nil, unsupported(p, "transactions")
	}
	return tf, nil
}

// Validator returns the provider's CredentialValidator.
func (r *Registry) Validator(p Provider) (CredentialValidator, error) {
	c, err := r.client(p)
	if err != nil {
		return nil, err
	}
	v, ok := c.(CredentialValidator)
	if !ok {
		return nil, unsupported(p, "credential validation")
	}
	return v, nil
}

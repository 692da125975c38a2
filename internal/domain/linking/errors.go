package linking

import (
	"errors"
	"fmt"
)

// Kind tags every error the linking domain can surface. The set is closed:
// provider clients map each failure into exactly one Kind.
type Kind string

const (
	KindConfiguration           Kind = "configuration_error"
	KindProviderUnavailable     Kind = "provider_unavailable"
	KindProviderTimeout         Kind = "provider_timeout"
	KindSessionNotFound         Kind = "session_not_found"
	KindSessionExpired          Kind = "session_expired"
	KindSessionAlreadyCompleted Kind = "session_already_completed"
	KindTokenAlreadyConsumed    Kind = "token_already_consumed"
	KindInvalidCredential       Kind = "invalid_credential"
	KindExchangeFailed          Kind = "exchange_failed"
	KindInvalidInput            Kind = "invalid_input"
	KindUnsupportedProvider     Kind = "unsupported_provider"
	KindForbidden               Kind = "forbidden"
	KindAccountNotFound         Kind = "account_not_found"
)

// Error is the tagged domain error. Message is safe to return to callers;
// Err carries the underlying cause for server-side logs.
type Error struct {
	Kind     Kind
	Provider Provider
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same Kind, so the sentinels
// below match any error carrying their tag.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrConfiguration           = &Error{Kind: KindConfiguration, Message: "provider credentials are not configured"}
	ErrProviderUnavailable     = &Error{Kind: KindProviderUnavailable, Message: "provider unavailable"}
	ErrProviderTimeout         = &Error{Kind: KindProviderTimeout, Message: "provider timed out"}
	ErrSessionNotFound         = &Error{Kind: KindSessionNotFound, Message: "link session not found"}
	ErrSessionExpired          = &Error{Kind: KindSessionExpired, Message: "link session expired"}
	ErrSessionAlreadyCompleted = &Error{Kind: KindSessionAlreadyCompleted, Message: "link session already completed"}
	ErrTokenAlreadyConsumed    = &Error{Kind: KindTokenAlreadyConsumed, Message: "temporary credential already consumed"}
	ErrInvalidCredential       = &Error{Kind: KindInvalidCredential, Message: "provider credential is invalid or revoked"}
	ErrExchangeFailed          = &Error{Kind: KindExchangeFailed, Message: "token exchange failed"}
	ErrInvalidInput            = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrUnsupportedProvider     = &Error{Kind: KindUnsupportedProvider, Message: "provider not supported"}
	ErrForbidden               = &Error{Kind: KindForbidden, Message: "access forbidden"}
	ErrAccountNotFound         = &Error{Kind: KindAccountNotFound, Message: "linked account not found"}
)

// NewError builds a tagged error.
func NewError(kind Kind, provider Provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: cause}
}

// KindOf returns the Kind of the outermost tagged error in err's chain,
// or the empty Kind when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// SafeMessage returns the caller-facing message of the outermost tagged error.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}

func invalidInput(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

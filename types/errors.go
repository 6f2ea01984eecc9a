package types

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies sync failures for reporting and retry decisions
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindCredentials     ErrorKind = "credentials"
	KindUnknownProvider ErrorKind = "unknown_provider"
	KindAuth            ErrorKind = "auth"
	KindRateLimit       ErrorKind = "rate_limit"
	KindTimeout         ErrorKind = "timeout"
	KindNetwork         ErrorKind = "network"
	KindMalformed       ErrorKind = "malformed"
	KindPersistence     ErrorKind = "persistence"
	KindAnomaly         ErrorKind = "anomaly"
	KindInternal        ErrorKind = "internal"
)

// SyncError is a classified error raised while syncing an account
type SyncError struct {
	Kind      ErrorKind
	Op        string
	Provider  Provider
	AccountID string
	Message   string
	// Missing lists absent credential fields for validation errors
	Missing []string
	Err     error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(string(e.Provider))
		b.WriteString("]")
	}
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches another *SyncError by kind
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithAccount stamps the account id on the error
func (e *SyncError) WithAccount(accountID string) *SyncError {
	e.AccountID = accountID
	return e
}

// Sentinels for errors.Is checks by kind
var (
	ErrValidation      = &SyncError{Kind: KindValidation}
	ErrCredentials     = &SyncError{Kind: KindCredentials}
	ErrUnknownProvider = &SyncError{Kind: KindUnknownProvider}
	ErrAuth            = &SyncError{Kind: KindAuth}
	ErrRateLimit       = &SyncError{Kind: KindRateLimit}
	ErrTimeout         = &SyncError{Kind: KindTimeout}
	ErrNetwork         = &SyncError{Kind: KindNetwork}
	ErrMalformed       = &SyncError{Kind: KindMalformed}
	ErrPersistence     = &SyncError{Kind: KindPersistence}
)

// NewValidationError reports every missing credential field at once
func NewValidationError(provider Provider, missing []string) *SyncError {
	sorted := append([]string(nil), missing...)
	sort.Strings(sorted)
	return &SyncError{
		Kind:     KindValidation,
		Op:       "validate credentials",
		Provider: provider,
		Message:  "missing required fields: " + strings.Join(sorted, ", "),
		Missing:  sorted,
	}
}

// NewCredentialsError wraps a credential decode or decrypt failure
func NewCredentialsError(msg string, err error) *SyncError {
	return &SyncError{Kind: KindCredentials, Op: "decrypt credentials", Message: msg, Err: err}
}

// NewConnectorError wraps a provider API failure
func NewConnectorError(kind ErrorKind, provider Provider, msg string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: "list instances", Provider: provider, Message: msg, Err: err}
}

// NewPersistenceError wraps a storage failure
func NewPersistenceError(op string, err error) *SyncError {
	return &SyncError{Kind: KindPersistence, Op: op, Err: err}
}

// NewInternalError wraps an unexpected failure such as a recovered panic
func NewInternalError(msg string, err error) *SyncError {
	return &SyncError{Kind: KindInternal, Message: msg, Err: err}
}

// UnknownProviderError reports a provider with no registered connector
func UnknownProviderError(p Provider) *SyncError {
	return &SyncError{
		Kind:     KindUnknownProvider,
		Provider: p,
		Message:  fmt.Sprintf("unknown provider %q", string(p)),
	}
}

// KindOf extracts the error kind. Unclassified context errors map to
// timeout; anything else is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether a later attempt may succeed
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTimeout, KindNetwork:
		return true
	}
	return false
}

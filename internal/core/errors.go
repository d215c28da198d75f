// Package core defines the fundamental types and errors for MindFlora.
package core

import (
	"errors"
	"fmt"
)

// Core errors that can occur across the system
var (
	// Classification errors
	ErrClassificationUnavailable = errors.New("classification unavailable")
	ErrUnparseableIntent         = errors.New("unparseable intent response")

	// Handler errors
	ErrHandlerValidation = errors.New("handler validation failed")
	ErrUnknownAction     = errors.New("no handler registered for action")
	ErrHandlerPanic      = errors.New("handler panicked")

	// Provider errors
	ErrProviderAuth     = errors.New("provider authentication failed")
	ErrProviderQuota    = errors.New("provider quota exhausted")
	ErrProviderNetwork  = errors.New("provider network failure")
	ErrProviderRejected = errors.New("provider rejected request")
	ErrChainExhausted   = errors.New("all delivery providers failed")
	ErrNotConfigured    = errors.New("capability not configured")

	// Profile errors
	ErrProfileNotFound      = errors.New("profile not found")
	ErrProfileWriteConflict = errors.New("profile write conflict")

	// Storage errors
	ErrRecordNotFound   = errors.New("record not found")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrEncryptionFailed = errors.New("encryption failed")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)

// HandlerValidationError reports a request rejected before any external call.
type HandlerValidationError struct {
	Handler string
	Field   string
	Reason  string
}

func (e *HandlerValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Handler, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrHandlerValidation.
func (e *HandlerValidationError) Unwrap() error {
	return ErrHandlerValidation
}

// NewValidationError builds a HandlerValidationError.
func NewValidationError(handler, field, reason string) *HandlerValidationError {
	return &HandlerValidationError{Handler: handler, Field: field, Reason: reason}
}

// ErrorKind classifies a provider-scoped failure.
type ErrorKind string

const (
	KindAuth     ErrorKind = "auth"
	KindQuota    ErrorKind = "quota"
	KindNetwork  ErrorKind = "network"
	KindRejected ErrorKind = "rejected"
)

// sentinel maps a kind to the matching sentinel error
func (k ErrorKind) sentinel() error {
	switch k {
	case KindAuth:
		return ErrProviderAuth
	case KindQuota:
		return ErrProviderQuota
	case KindNetwork:
		return ErrProviderNetwork
	default:
		return ErrProviderRejected
	}
}

// ProviderError is a failure scoped to one delivery provider. It triggers
// fallback and is only surfaced when the whole chain is exhausted.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

// NewProviderError wraps err as a provider-scoped failure.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

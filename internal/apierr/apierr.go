// Package apierr defines the error taxonomy every remote-call failure is
// normalized into before it reaches the tool layer. Nothing above the
// execution wrapper needs to inspect transport-level error types.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the fixed taxonomy.
type Kind int

const (
	// KindUnknown is the catch-all for failures that fit no other class.
	// Never retried; the original error is preserved for diagnostics.
	KindUnknown Kind = iota

	// KindValidation covers malformed input and plain 4xx rejections.
	// Never retried.
	KindValidation

	// KindAuth covers bad authorization codes, bad client credentials,
	// and forbidden responses. Never retried.
	KindAuth

	// KindReauthRequired means the refresh token is invalid or revoked.
	// The caller must restart the authorization flow.
	KindReauthRequired

	// KindDecryption means the persisted token store is unreadable with
	// the configured passphrase. Re-authentication is required.
	KindDecryption

	// KindTransient covers network failures, 5xx responses, and rate
	// limiting. Retried per policy before being surfaced.
	KindTransient

	// KindConflict covers confirmation token or argument mismatches.
	// The caller should request a fresh confirmation, not retry.
	KindConflict
)

// String returns the machine-readable name for a kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuth:
		return "auth_error"
	case KindReauthRequired:
		return "reauth_required"
	case KindDecryption:
		return "decryption_error"
	case KindTransient:
		return "transient_error"
	case KindConflict:
		return "conflict_error"
	default:
		return "unknown_error"
	}
}

// Error is the normalized error surfaced to the tool layer. Code is a
// short machine-readable identifier, Suggestion tells the caller what
// to do about it.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Suggestion string
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error with the given kind, code, and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates a taxonomy error that preserves the underlying cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Validation returns a KindValidation error.
func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

// Auth returns a KindAuth error with a re-authorization hint.
func Auth(code, message string) *Error {
	return &Error{
		Kind:       KindAuth,
		Code:       code,
		Message:    message,
		Suggestion: "check the client credentials and re-run the authorization flow",
	}
}

// ReauthRequired returns a KindReauthRequired error.
func ReauthRequired(message string) *Error {
	return &Error{
		Kind:       KindReauthRequired,
		Code:       "reauth_required",
		Message:    message,
		Suggestion: "re-run the authorization flow with auth_begin and auth_complete",
	}
}

// Decryption returns a KindDecryption error wrapping the cipher failure.
func Decryption(err error) *Error {
	return &Error{
		Kind:       KindDecryption,
		Code:       "credentials_unreadable",
		Message:    "stored credentials could not be decrypted",
		Suggestion: "check LEDGER_TOKEN_PASSPHRASE or re-authenticate to replace the token file",
		Err:        err,
	}
}

// Transient returns a KindTransient error wrapping the underlying cause.
func Transient(code, message string, err error) *Error {
	return &Error{
		Kind:       KindTransient,
		Code:       code,
		Message:    message,
		Suggestion: "try again later",
		Err:        err,
	}
}

// Conflict returns a KindConflict error.
func Conflict(code, message string) *Error {
	return &Error{
		Kind:       KindConflict,
		Code:       code,
		Message:    message,
		Suggestion: "request a fresh confirmation token and retry with it",
	}
}

// Unknown wraps an unclassifiable error, preserving its detail.
func Unknown(err error) *Error {
	return &Error{
		Kind:    KindUnknown,
		Code:    "unknown_error",
		Message: err.Error(),
		Err:     err,
	}
}

// KindOf returns the taxonomy kind of err, or KindUnknown if err is not
// a taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is a taxonomy error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

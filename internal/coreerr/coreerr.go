// Package coreerr defines the closed set of error kinds the core session
// subsystem can surface to callers and to the event sink.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is one of the core's error kinds.
type Kind string

const (
	MalformedStanza  Kind = "malformed_stanza"
	UnknownID        Kind = "unknown_id"
	AuthFailed       Kind = "auth_failed"
	TLSFailed        Kind = "tls_failed"
	Disconnected     Kind = "disconnected"
	InvalidJID       Kind = "invalid_jid"
	DuplicateAccount Kind = "duplicate_account"
	AccountNotFound  Kind = "account_not_found"
	RoomNotJoined    Kind = "room_not_joined"
	EncryptionFailed Kind = "encryption_failed"
	IoFailed         Kind = "io_failed"
)

// Error is a typed error carrying one of the core's error kinds plus a
// human-readable context string (e.g. the peer or room the error concerns).
type Error struct {
	Kind    Kind
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Context != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s (%s): %v", e.Kind, e.Context, e.Err)
		}
		return fmt.Sprintf("%s (%s)", e.Kind, e.Context)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a core error of the given kind.
func New(kind Kind, context string, err error) *Error {
	return &Error{Kind: kind, Context: context, Err: err}
}

// Is reports whether err (or anything it wraps) is a core error of kind k.
func Is(err error, k Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == k
	}
	return false
}

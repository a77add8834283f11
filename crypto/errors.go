// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSession means no ratchet state matches the envelope.
	// Recoverable: the ciphertext is queued and a key request goes
	// out; a later session import retries it.
	ErrUnknownSession = errors.New("crypto: unknown session")

	// ErrDuplicateMessage means a ratchet position that was already
	// consumed is being decrypted again. Possible replay; reported,
	// never retried.
	ErrDuplicateMessage = errors.New("crypto: duplicate message")

	// ErrMessageIndexUnavailable means the ciphertext's index is
	// below the session's known floor. The ratchet is one-directional,
	// so this is terminal for the message.
	ErrMessageIndexUnavailable = errors.New("crypto: message index unavailable")

	// ErrUntrustedDevice means policy refused to share key material
	// with (or accept it from) a device in its current trust state.
	// Resolving it requires an explicit trust action.
	ErrUntrustedDevice = errors.New("crypto: untrusted device")

	// ErrMalformedEnvelope means the envelope is structurally invalid:
	// wrong algorithm, missing fields, or undecodable ciphertext.
	ErrMalformedEnvelope = errors.New("crypto: malformed envelope")
)

// TransportError wraps a failure from the transport collaborator or
// store I/O. It is recoverable by the caller's own retry policy and
// never corrupts in-memory session state.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("crypto: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportFailure reports whether err originated in the transport
// collaborator rather than in cryptographic verification.
func IsTransportFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func transportErr(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratchet defines the contract between the crypto machine and
// the primitive ratchet library.
//
// The machine never performs ratchet math itself: pairwise double
// ratchet and group ratchet operations are delegated to an
// implementation of [Provider]. Ratchet state is opaque to the
// machine — it only moves pickled byte buffers between the provider
// and the crypto store. Two providers exist:
//
//   - ratchet/olm binds to the vetted olm/megolm implementation in
//     maunium.net/go/mautrix/crypto/olm. Production code uses this.
//   - ratchet/ratchettest is a small deterministic ratchet used by
//     the crypto machine's own tests.
//
// All ratchet operations are synchronous and must not block on I/O;
// the machine holds per-session locks across them.
package ratchet

import (
	"errors"

	"maunium.net/go/mautrix/id"
)

// Sentinel errors a provider returns for conditions the machine
// handles specially. Any other error is treated as a hard primitive
// failure for that message.
var (
	// ErrUnknownMessageIndex means a group ciphertext's index is
	// before the inbound session's first known index: the ratchet has
	// no state that can ever decrypt it.
	ErrUnknownMessageIndex = errors.New("ratchet: message index before first known index")

	// ErrBadCiphertext means the ciphertext is structurally invalid
	// or fails authentication.
	ErrBadCiphertext = errors.New("ratchet: bad ciphertext")

	// ErrFallbackUnsupported is returned by providers whose
	// underlying library has no fallback key support. The key
	// inventory treats it as "no fallback key" and continues.
	ErrFallbackUnsupported = errors.New("ratchet: fallback keys unsupported")
)

// PreKey and Normal are the two pairwise envelope types. A pre-key
// envelope carries the key material needed to establish an inbound
// session; a normal envelope references an established session.
const (
	PreKey MsgType = 0
	Normal MsgType = 1
)

// MsgType identifies the pairwise envelope type on the wire.
type MsgType int

// Account is the local device's long-term ratchet identity: its key
// pair, its one-time key generator, and the factory for new pairwise
// sessions. Exactly one Account exists per local device; it is
// pickled into the crypto store.
type Account interface {
	// Pickle serializes the account state, encrypted with key.
	Pickle(key []byte) ([]byte, error)

	// IdentityKeys returns the account's ed25519 fingerprint key and
	// curve25519 identity key.
	IdentityKeys() (signing id.Ed25519, identity id.Curve25519, err error)

	// Sign returns the account's ed25519 signature over message,
	// unpadded base64-encoded.
	Sign(message []byte) ([]byte, error)

	// MaxOneTimeKeys returns the largest number of one-time keys the
	// account can hold at once.
	MaxOneTimeKeys() uint

	// GenerateOneTimeKeys creates count fresh one-time keys. The new
	// keys are reported by UnpublishedOneTimeKeys until
	// MarkKeysAsPublished is called.
	GenerateOneTimeKeys(count uint) error

	// UnpublishedOneTimeKeys returns one-time keys generated since
	// the last MarkKeysAsPublished, keyed by key ID.
	UnpublishedOneTimeKeys() (map[string]id.Curve25519, error)

	// GenerateFallbackKey creates a new fallback key, replacing the
	// previous one. Returns ErrFallbackUnsupported if the underlying
	// library has no fallback support.
	GenerateFallbackKey() error

	// UnpublishedFallbackKey returns the fallback key if one was
	// generated and not yet marked published, keyed by key ID.
	UnpublishedFallbackKey() (map[string]id.Curve25519, error)

	// MarkKeysAsPublished flags all currently-unpublished keys as
	// uploaded. Called only after the server acknowledged the upload.
	MarkKeysAsPublished() error

	// NewOutboundSession creates a pairwise session to the device
	// with the given identity key, consuming the claimed one-time key.
	NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (Session, error)

	// NewInboundSession creates a pairwise session from a received
	// pre-key envelope, consuming the local one-time key the envelope
	// references.
	NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (Session, error)
}

// Session is one pairwise ratchet session. Encrypt and Decrypt each
// advance the ratchet exactly once; the caller must persist the new
// pickle before acting on the result.
type Session interface {
	// Pickle serializes the session state, encrypted with key.
	Pickle(key []byte) ([]byte, error)

	// ID returns the session identifier, stable for the session's
	// lifetime.
	ID() id.SessionID

	// Encrypt advances the send ratchet one step and returns the
	// envelope type and ciphertext.
	Encrypt(plaintext []byte) (MsgType, []byte, error)

	// Decrypt advances the receive ratchet as needed and returns the
	// plaintext. Fails with ErrBadCiphertext on malformed or
	// non-matching input.
	Decrypt(ciphertext string, msgType MsgType) ([]byte, error)

	// MatchesPreKeyMessage reports whether a pre-key envelope was
	// created for this session, so redundant inbound sessions are not
	// created for retransmitted pre-key envelopes.
	MatchesPreKeyMessage(theirIdentityKey id.Curve25519, preKeyMessage string) (bool, error)
}

// OutboundGroup is the sending half of a group ratchet session for
// one room.
type OutboundGroup interface {
	// Pickle serializes the session state, encrypted with key.
	Pickle(key []byte) ([]byte, error)

	// ID returns the session identifier.
	ID() id.SessionID

	// Key exports the session key at the current message index, in
	// the form importable by NewInboundGroup. Receivers can decrypt
	// from this index onward, never earlier.
	Key() (string, error)

	// MessageIndex returns the index the next Encrypt will use.
	// Strictly increasing.
	MessageIndex() uint32

	// Encrypt advances the ratchet one step and returns ciphertext.
	Encrypt(plaintext []byte) ([]byte, error)
}

// InboundGroup is the receiving mirror of a group session, anchored
// at the lowest index its key material can reach.
type InboundGroup interface {
	// Pickle serializes the session state, encrypted with key.
	Pickle(key []byte) ([]byte, error)

	// ID returns the session identifier.
	ID() id.SessionID

	// FirstKnownIndex returns the lowest message index this session
	// can ever decrypt.
	FirstKnownIndex() uint32

	// Decrypt returns the plaintext and the ciphertext's message
	// index. Fails with ErrUnknownMessageIndex below FirstKnownIndex.
	Decrypt(ciphertext []byte) (plaintext []byte, index uint32, err error)

	// Export re-exports the session key at the given index, for
	// forwarding and backup. The index must not be below
	// FirstKnownIndex.
	Export(index uint32) (string, error)
}

// Provider constructs and unpickles ratchet state. It is the only
// seam between the crypto machine and the primitive library.
type Provider interface {
	NewAccount() (Account, error)
	AccountFromPickled(pickled, key []byte) (Account, error)

	SessionFromPickled(pickled, key []byte) (Session, error)

	NewOutboundGroup() (OutboundGroup, error)
	OutboundGroupFromPickled(pickled, key []byte) (OutboundGroup, error)

	// NewInboundGroup creates an inbound session from a session key
	// received directly from the sending device (m.room_key).
	NewInboundGroup(sessionKey string) (InboundGroup, error)

	// ImportInboundGroup creates an inbound session from an exported
	// or forwarded session key. Such sessions carry weaker provenance
	// than directly-received ones; the caller records that.
	ImportInboundGroup(sessionKey string) (InboundGroup, error)

	InboundGroupFromPickled(pickled, key []byte) (InboundGroup, error)
}

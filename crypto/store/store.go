// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package store defines the durable records the crypto machine keeps
// and the Store interface over them.
//
// The store is the single source of truth for all cryptographic
// state: the in-memory caches the managers hold are always
// reconstructible from it after a crash. Ratchet state appears here
// only as opaque pickled blobs; the store never inspects it.
//
// Two implementations are provided: SQLite (production, one file per
// local device) and Memory (tests and crash-restart simulations).
// Both guarantee that a single Put is atomic — the managers rely on
// "advance ratchet, then persist the new pickle" being a one-row
// commit point.
package store

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

// TrustState is the trust assigned to a device. The zero value is
// unverified.
type TrustState int

const (
	// TrustUnverified is the initial state of every observed device.
	TrustUnverified TrustState = iota
	// TrustVerified is set by an explicit local verification action.
	TrustVerified
	// TrustBlacklisted excludes the device from all key sharing. It
	// does not block decrypting ciphertext already received from it.
	TrustBlacklisted
	// TrustCrossSignedVerified is computed from a valid cross-signing
	// chain, never set directly by the user.
	TrustCrossSignedVerified
)

// String returns the lowercase name used in logs and the CLI.
func (t TrustState) String() string {
	switch t {
	case TrustUnverified:
		return "unverified"
	case TrustVerified:
		return "verified"
	case TrustBlacklisted:
		return "blacklisted"
	case TrustCrossSignedVerified:
		return "cross-signed-verified"
	default:
		return "unknown"
	}
}

// ParseTrustState is the inverse of String for operator-settable
// states. Cross-signed-verified is computed, never set by hand, so it
// is not accepted here.
func ParseTrustState(s string) (TrustState, error) {
	switch s {
	case "unverified":
		return TrustUnverified, nil
	case "verified":
		return TrustVerified, nil
	case "blacklisted":
		return TrustBlacklisted, nil
	default:
		return TrustUnverified, fmt.Errorf("unknown trust state %q (want unverified, verified, or blacklisted)", s)
	}
}

// Device is one remote (or local) device observed through a key
// query. Identity keys are immutable for a (user, device) pair: the
// registry replaces the whole record, trust reset, if the server
// reports a different key for the same identifiers.
type Device struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	IdentityKey id.Curve25519
	SigningKey  id.Ed25519
	DisplayName string
	Trust       TrustState
	Deleted     bool
	FirstSeen   time.Time
}

// CrossSigningKeyUsage values, matching the wire names.
const (
	UsageMaster      = "master"
	UsageSelfSigning = "self_signing"
	UsageUserSigning = "user_signing"
)

// CrossSigningKey is one of a user's cross-signing keys.
type CrossSigningKey struct {
	UserID id.UserID
	Usage  string
	Key    id.Ed25519
}

// KeySignature is a verified signature link in a cross-signing chain.
// Signatures are verified once at ingestion; resolution later only
// walks stored links.
type KeySignature struct {
	SignerUserID id.UserID
	SignerKey    id.Ed25519
	TargetUserID id.UserID
	// TargetKey is the signed key: a device's ed25519 signing key or
	// another cross-signing key.
	TargetKey id.Ed25519
	Signature string
}

// Account holds the local device's pickled ratchet account and the
// one-time-key bookkeeping that goes with it.
type Account struct {
	Pickle []byte
	// ServerOTKCount is the signed-curve25519 key count last
	// acknowledged by the server. Replenishment compares it against
	// the configured low-water mark.
	ServerOTKCount int
	UpdatedAt      time.Time
}

// PairwiseSession is one pairwise ratchet session with a remote
// device, keyed by (their curve25519 identity key, session id).
// Several sessions per sender key may coexist; the most recently used
// one is the active outbound session.
type PairwiseSession struct {
	SenderKey id.Curve25519
	SessionID id.SessionID
	Pickle    []byte
	CreatedAt time.Time
	LastUsed  time.Time
}

// SharedDevice identifies a device an outbound group session key was
// delivered to.
type SharedDevice struct {
	UserID      id.UserID     `cbor:"user_id"`
	DeviceID    id.DeviceID   `cbor:"device_id"`
	IdentityKey id.Curve25519 `cbor:"identity_key"`
}

// OutboundGroupSession is the current sending group session for one
// room. At most one exists per room; rotation deletes it and a fresh
// one is created on the next encryption.
type OutboundGroupSession struct {
	RoomID    id.RoomID
	SessionID id.SessionID
	Pickle    []byte
	CreatedAt time.Time
	// MessageCount is the number of events encrypted under this
	// session, compared against the rotation threshold.
	MessageCount uint32
	// SharedWith lists devices that already hold the session key.
	SharedWith []SharedDevice
	// RotatePending forces a fresh session before the next
	// encryption: set when a member left or a recipient device must
	// be excluded retroactively.
	RotatePending bool
}

// InboundGroupSession is the receiving mirror of a group session,
// keyed by (room, sending device's curve25519 key, session id).
type InboundGroupSession struct {
	RoomID    id.RoomID
	SenderKey id.Curve25519
	SessionID id.SessionID
	Pickle    []byte
	// FirstKnownIndex is the lowest index the key material can ever
	// reach. Immutable.
	FirstKnownIndex uint32
	// Floor is the next decryptable index. It starts at
	// FirstKnownIndex and is advanced past each consumed index;
	// indices below it are gone (MessageIndexUnavailable), and the
	// index immediately below it is the replay position
	// (DuplicateMessage).
	Floor uint32
	// Forwarded marks sessions whose key arrived by forwarding or
	// import rather than directly from the sending device. Lower
	// trust: the sender key is claimed, not proven.
	Forwarded bool
	CreatedAt time.Time
}

// RequestState is the lifecycle state of a KeyRequest.
type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestSent      RequestState = "sent"
	RequestSatisfied RequestState = "satisfied"
	RequestCancelled RequestState = "cancelled"
)

// KeyRequest tracks one room-key request, outgoing (we asked our own
// devices) or incoming (a device asked us and policy held it for
// approval). At most one outstanding request exists per
// (room, session, requesting device, direction).
type KeyRequest struct {
	RequestID         string
	RoomID            id.RoomID
	SessionID         id.SessionID
	SenderKey         id.Curve25519
	RequesterUserID   id.UserID
	RequesterDeviceID id.DeviceID
	Outgoing          bool
	State             RequestState
	CreatedAt         time.Time
}

// QueuedEvent is a buffered undecryptable event awaiting its inbound
// group session. ID is store-assigned and strictly increasing, which
// preserves arrival order for replay.
type QueuedEvent struct {
	ID        int64
	RoomID    id.RoomID
	SenderKey id.Curve25519
	SessionID id.SessionID
	EventID   string
	Envelope  []byte
	ArrivedAt time.Time
}

// Store is the persistence contract of the crypto machine. All
// methods are safe for concurrent use. A nil record with a nil error
// means "not found" — lookups are soft misses, never failures.
type Store interface {
	// Account.
	GetAccount(ctx context.Context) (*Account, error)
	PutAccount(ctx context.Context, account *Account) error

	// Devices and trust.
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error)
	GetUserDevices(ctx context.Context, userID id.UserID) ([]*Device, error)
	PutDevice(ctx context.Context, device *Device) error

	// Cross-signing.
	GetCrossSigningKeys(ctx context.Context, userID id.UserID) (map[string]CrossSigningKey, error)
	PutCrossSigningKey(ctx context.Context, key *CrossSigningKey) error
	PutSignature(ctx context.Context, signature *KeySignature) error
	IsSignedBy(ctx context.Context, signerUserID id.UserID, signerKey id.Ed25519, targetUserID id.UserID, targetKey id.Ed25519) (bool, error)

	// Pairwise sessions.
	GetPairwiseSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*PairwiseSession, error)
	// GetPairwiseSessions returns all sessions for a sender key,
	// most recently used first.
	GetPairwiseSessions(ctx context.Context, senderKey id.Curve25519) ([]*PairwiseSession, error)
	PutPairwiseSession(ctx context.Context, session *PairwiseSession) error

	// Pairwise replay cache.
	HasMessageHash(ctx context.Context, hash []byte) (bool, error)
	PutMessageHash(ctx context.Context, hash []byte, eventID string, seenAt time.Time) error

	// Group sessions.
	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error)
	PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error
	GetInboundGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSession, error)
	ListInboundGroupSessions(ctx context.Context) ([]*InboundGroupSession, error)
	PutInboundGroupSession(ctx context.Context, session *InboundGroupSession) error

	// Key requests.
	GetKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, requesterUserID id.UserID, requesterDeviceID id.DeviceID, outgoing bool) (*KeyRequest, error)
	ListKeyRequests(ctx context.Context, state RequestState) ([]*KeyRequest, error)
	PutKeyRequest(ctx context.Context, request *KeyRequest) error

	// Undecryptable-event queue.
	PutQueuedEvent(ctx context.Context, event *QueuedEvent) error
	ListQueuedEvents(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) ([]*QueuedEvent, error)
	CountQueuedEvents(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (int, error)
	DeleteQueuedEvent(ctx context.Context, eventID int64) error
	// DeleteQueuedEventsBefore removes events older than cutoff and
	// returns the dropped ones so the machine can surface terminal
	// decryption failures for them.
	DeleteQueuedEventsBefore(ctx context.Context, cutoff time.Time) ([]*QueuedEvent, error)

	Close() error
}

// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DeviceKeys is one device's identity keys as reported by the server.
// SignedJSON is the canonical payload the device signed and
// SelfSignature the device's own ed25519 signature over it; the
// registry verifies the signature before trusting the keys.
type DeviceKeys struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	IdentityKey id.Curve25519
	SigningKey  id.Ed25519
	DisplayName string

	SignedJSON    []byte
	SelfSignature []byte
}

// CrossSigningBundle is one user's published cross-signing keys.
// Empty fields mean the user has not published that key.
type CrossSigningBundle struct {
	Master      id.Ed25519
	SelfSigning id.Ed25519
	UserSigning id.Ed25519

	// Signatures are the published signature links, e.g. master over
	// self-signing, self-signing over each device key.
	Signatures []SignatureLink
}

// SignatureLink is one edge of the cross-signing chain: SignerKey
// signed TargetKey.
type SignatureLink struct {
	SignerUserID id.UserID
	SignerKey    id.Ed25519
	TargetUserID id.UserID
	TargetKey    id.Ed25519
	Signature    string
}

// OneTimeKey is one signed single-use key for upload.
type OneTimeKey struct {
	KeyID     string
	Key       id.Curve25519
	Signature []byte
	Fallback  bool
}

// KeyUploadRequest carries the local device's keys to the server.
// DeviceKeys is nil after the first upload; OneTimeKeys holds the
// fresh batch.
type KeyUploadRequest struct {
	DeviceKeys  *DeviceKeys
	OneTimeKeys []OneTimeKey
}

// KeyUploadResponse reports the server-side one-time-key count after
// the upload was accepted.
type KeyUploadResponse struct {
	OneTimeKeyCount int
}

// ClaimedKey is a one-time key claimed from another device, consumed
// server-side by the claim.
type ClaimedKey struct {
	KeyID     string
	Key       id.Curve25519
	Signature string
}

// KeyClaimResponse maps each requested device to its claimed key.
// Devices with no keys left are absent.
type KeyClaimResponse struct {
	Keys map[id.UserID]map[id.DeviceID]ClaimedKey
}

// KeyQueryResponse is the server's device list for the queried users.
type KeyQueryResponse struct {
	Devices      map[id.UserID][]DeviceKeys
	CrossSigning map[id.UserID]CrossSigningBundle
}

// ToDeviceMessage is one point-to-point payload addressed to a single
// device, delivered outside room timelines.
type ToDeviceMessage struct {
	UserID   id.UserID
	DeviceID id.DeviceID
	Content  json.RawMessage
}

// Transport is the network collaborator. Implementations perform the
// HTTP calls and own their retry policy; the machine wraps every
// failure in [TransportError] and treats it as recoverable.
//
// All calls may block and must honor ctx.
type Transport interface {
	// UploadKeys publishes device and one-time keys for the local
	// device.
	UploadKeys(ctx context.Context, req *KeyUploadRequest) (*KeyUploadResponse, error)

	// ClaimOneTimeKeys claims one one-time key from each listed
	// device.
	ClaimOneTimeKeys(ctx context.Context, devices map[id.UserID][]id.DeviceID) (*KeyClaimResponse, error)

	// QueryKeys fetches the current device lists for the given users.
	QueryKeys(ctx context.Context, users []id.UserID) (*KeyQueryResponse, error)

	// SendToDevice delivers one event type to a batch of devices.
	SendToDevice(ctx context.Context, eventType event.Type, messages []ToDeviceMessage) error
}

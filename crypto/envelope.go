// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/ratchet"
)

func marshalJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding payload: %w", err)
	}
	return raw, nil
}

func unmarshalJSON(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

// GroupEnvelope is the encrypted content of a room event: a group
// ratchet ciphertext plus the identifiers needed to find the inbound
// session.
type GroupEnvelope struct {
	Algorithm id.Algorithm  `json:"algorithm"`
	SenderKey id.Curve25519 `json:"sender_key"`
	DeviceID  id.DeviceID   `json:"device_id"`
	SessionID id.SessionID  `json:"session_id"`
	Ciphertext string       `json:"ciphertext"`
}

// DeviceEnvelope is the encrypted content of a to-device event: a
// pairwise ratchet ciphertext. SessionID lets the receiver look the
// session up directly instead of trial-decrypting every session for
// the sender.
type DeviceEnvelope struct {
	Algorithm  id.Algorithm    `json:"algorithm"`
	SenderKey  id.Curve25519   `json:"sender_key"`
	SessionID  id.SessionID    `json:"session_id"`
	Type       ratchet.MsgType `json:"type"`
	Ciphertext string          `json:"ciphertext"`
}

// DevicePlaintext is the inner payload of a DeviceEnvelope. Sender and
// recipient identities are bound inside the ciphertext so a decrypted
// payload cannot be attributed to the wrong device.
type DevicePlaintext struct {
	Type         event.Type      `json:"type"`
	Content      json.RawMessage `json:"content"`
	Sender       id.UserID       `json:"sender"`
	SenderDevice id.DeviceID     `json:"sender_device"`
	Recipient    id.UserID       `json:"recipient"`
	RecipientKey id.Ed25519      `json:"recipient_keys"`
}

// RoomKeyPayload shares a group session key with a device, sent inside
// a pairwise-encrypted to-device event.
type RoomKeyPayload struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
}

// ForwardedKeyPayload re-shares a group session key that the sender
// did not originate. Receivers record the weaker provenance.
type ForwardedKeyPayload struct {
	Algorithm       id.Algorithm  `json:"algorithm"`
	RoomID          id.RoomID     `json:"room_id"`
	SessionID       id.SessionID  `json:"session_id"`
	SessionKey      string        `json:"session_key"`
	SenderKey       id.Curve25519 `json:"sender_key"`
	FirstKnownIndex uint32        `json:"first_message_index"`
}

// Key request actions.
const (
	ActionRequest = "request"
	ActionCancel  = "request_cancellation"
)

// KeyRequestPayload asks other devices for a group session key, or
// cancels an earlier ask. Sent as a plaintext to-device event.
type KeyRequestPayload struct {
	Action             string        `json:"action"`
	RequestID          string        `json:"request_id"`
	RequestingDeviceID id.DeviceID   `json:"requesting_device_id"`
	Body               *RequestedKey `json:"body,omitempty"`
}

// RequestedKey identifies the session a key request is about.
type RequestedKey struct {
	Algorithm id.Algorithm  `json:"algorithm"`
	RoomID    id.RoomID     `json:"room_id"`
	SenderKey id.Curve25519 `json:"sender_key"`
	SessionID id.SessionID  `json:"session_id"`
}

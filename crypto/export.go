// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/lib/codec"
)

// sessionBundleVersion is the current bundle format. Decoding rejects
// versions it does not know.
const sessionBundleVersion = 1

// SessionBundle is a portable export of inbound group sessions, used
// for backup and for migrating history to another store. Session keys
// are exported at their current first-known index, so a bundle never
// grants access to messages the exporting device could not read.
type SessionBundle struct {
	Version  int             `cbor:"version"`
	Sessions []ExportedGroup `cbor:"sessions"`
}

// ExportedGroup is one inbound group session inside a bundle.
type ExportedGroup struct {
	RoomID          id.RoomID     `cbor:"room_id"`
	SenderKey       id.Curve25519 `cbor:"sender_key"`
	SessionID       id.SessionID  `cbor:"session_id"`
	SessionKey      string        `cbor:"session_key"`
	FirstKnownIndex uint32        `cbor:"first_known_index"`
}

// ExportSessions collects the inbound group sessions this device
// holds into a bundle. An empty roomID exports every room.
func (m *Machine) ExportSessions(ctx context.Context, roomID id.RoomID) (*SessionBundle, error) {
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	records, err := m.store.ListInboundGroupSessions(ctx)
	if err != nil {
		return nil, transportErr("listing inbound sessions", err)
	}
	bundle := &SessionBundle{Version: sessionBundleVersion}
	for _, record := range records {
		if roomID != "" && record.RoomID != roomID {
			continue
		}
		key, firstIndex, err := m.group.ExportSession(ctx, record.RoomID, record.SenderKey, record.SessionID)
		if err != nil {
			return nil, fmt.Errorf("exporting session %s: %w", record.SessionID, err)
		}
		bundle.Sessions = append(bundle.Sessions, ExportedGroup{
			RoomID:          record.RoomID,
			SenderKey:       record.SenderKey,
			SessionID:       record.SessionID,
			SessionKey:      key,
			FirstKnownIndex: firstIndex,
		})
	}
	return bundle, nil
}

// ImportSessions merges a bundle into the store. Imported sessions are
// marked forwarded: the bundle asserts its sender keys, it cannot
// prove them. Sessions already held with an equal or lower first-known
// index are skipped. Returns how many sessions were imported, after
// replaying any buffered events that were waiting on them.
func (m *Machine) ImportSessions(ctx context.Context, bundle *SessionBundle) (int, error) {
	if err := m.Load(ctx); err != nil {
		return 0, err
	}
	if bundle.Version != sessionBundleVersion {
		return 0, fmt.Errorf("%w: unsupported bundle version %d", ErrMalformedEnvelope, bundle.Version)
	}
	imported := 0
	for _, session := range bundle.Sessions {
		ok, err := m.group.ImportSession(ctx, session.RoomID, session.SenderKey, session.SessionID, session.SessionKey, true)
		if err != nil {
			return imported, fmt.Errorf("importing session %s: %w", session.SessionID, err)
		}
		if !ok {
			continue
		}
		imported++
		if err := m.coordinator.ReplayQueue(ctx, session.RoomID, session.SenderKey, session.SessionID); err != nil {
			return imported, err
		}
	}
	return imported, nil
}

// EncodeSessionBundle serializes a bundle to its deterministic CBOR
// form.
func EncodeSessionBundle(bundle *SessionBundle) ([]byte, error) {
	data, err := codec.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encoding session bundle: %w", err)
	}
	return data, nil
}

// DecodeSessionBundle parses a CBOR session bundle.
func DecodeSessionBundle(data []byte) (*SessionBundle, error) {
	var bundle SessionBundle
	if err := codec.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: undecodable session bundle: %v", ErrMalformedEnvelope, err)
	}
	return &bundle, nil
}

// Fingerprint renders an ed25519 signing key for human comparison
// during manual verification: the unpadded base64 form in groups of
// four characters.
func Fingerprint(key id.Ed25519) string {
	raw := string(key)
	var b strings.Builder
	for i, r := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

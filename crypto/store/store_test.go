// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

// eachStore runs the test once per Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := NewMemory()
		defer s.Close()
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "crypto.db"),
		})
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func TestAccountRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		got, err := s.GetAccount(ctx)
		if err != nil {
			t.Fatalf("GetAccount on empty store: %v", err)
		}
		if got != nil {
			t.Fatalf("GetAccount on empty store = %+v, want nil", got)
		}

		account := &Account{
			Pickle:         []byte("pickled account"),
			ServerOTKCount: 42,
			UpdatedAt:      time.UnixMilli(1700000000000).UTC(),
		}
		if err := s.PutAccount(ctx, account); err != nil {
			t.Fatalf("PutAccount: %v", err)
		}

		got, err = s.GetAccount(ctx)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if got == nil {
			t.Fatal("GetAccount = nil after PutAccount")
		}
		if string(got.Pickle) != "pickled account" || got.ServerOTKCount != 42 {
			t.Errorf("GetAccount = %+v, want %+v", got, account)
		}
		if !got.UpdatedAt.Equal(account.UpdatedAt) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, account.UpdatedAt)
		}

		// A second put replaces the singleton row.
		account.ServerOTKCount = 7
		if err := s.PutAccount(ctx, account); err != nil {
			t.Fatalf("PutAccount (update): %v", err)
		}
		got, err = s.GetAccount(ctx)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if got.ServerOTKCount != 7 {
			t.Errorf("ServerOTKCount after update = %d, want 7", got.ServerOTKCount)
		}
	})
}

func TestDeviceStorage(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := id.UserID("@alice:example.org")

		got, err := s.GetDevice(ctx, alice, "PHONE")
		if err != nil {
			t.Fatalf("GetDevice on empty store: %v", err)
		}
		if got != nil {
			t.Fatalf("GetDevice on empty store = %+v, want nil", got)
		}

		devices := []*Device{
			{
				UserID: alice, DeviceID: "PHONE",
				IdentityKey: "curve-phone", SigningKey: "ed-phone",
				DisplayName: "Phone", Trust: TrustVerified,
				FirstSeen: time.UnixMilli(1000).UTC(),
			},
			{
				UserID: alice, DeviceID: "LAPTOP",
				IdentityKey: "curve-laptop", SigningKey: "ed-laptop",
				Trust:     TrustUnverified,
				FirstSeen: time.UnixMilli(2000).UTC(),
			},
		}
		for _, device := range devices {
			if err := s.PutDevice(ctx, device); err != nil {
				t.Fatalf("PutDevice(%s): %v", device.DeviceID, err)
			}
		}

		got, err = s.GetDevice(ctx, alice, "PHONE")
		if err != nil {
			t.Fatalf("GetDevice: %v", err)
		}
		if got.IdentityKey != "curve-phone" || got.Trust != TrustVerified || got.DisplayName != "Phone" {
			t.Errorf("GetDevice = %+v", got)
		}

		all, err := s.GetUserDevices(ctx, alice)
		if err != nil {
			t.Fatalf("GetUserDevices: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("GetUserDevices returned %d devices, want 2", len(all))
		}
		// Sorted by device ID.
		if all[0].DeviceID != "LAPTOP" || all[1].DeviceID != "PHONE" {
			t.Errorf("device order = %s, %s", all[0].DeviceID, all[1].DeviceID)
		}

		// Marking deleted survives a round trip.
		devices[0].Deleted = true
		if err := s.PutDevice(ctx, devices[0]); err != nil {
			t.Fatalf("PutDevice (deleted): %v", err)
		}
		got, err = s.GetDevice(ctx, alice, "PHONE")
		if err != nil {
			t.Fatalf("GetDevice: %v", err)
		}
		if !got.Deleted {
			t.Error("Deleted flag lost on round trip")
		}
	})
}

func TestCrossSigningKeysAndSignatures(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := id.UserID("@alice:example.org")

		for _, key := range []*CrossSigningKey{
			{UserID: alice, Usage: UsageMaster, Key: "master-key"},
			{UserID: alice, Usage: UsageSelfSigning, Key: "self-signing-key"},
		} {
			if err := s.PutCrossSigningKey(ctx, key); err != nil {
				t.Fatalf("PutCrossSigningKey(%s): %v", key.Usage, err)
			}
		}

		keys, err := s.GetCrossSigningKeys(ctx, alice)
		if err != nil {
			t.Fatalf("GetCrossSigningKeys: %v", err)
		}
		if len(keys) != 2 {
			t.Fatalf("got %d cross-signing keys, want 2", len(keys))
		}
		if keys[UsageMaster].Key != "master-key" {
			t.Errorf("master key = %q", keys[UsageMaster].Key)
		}

		// Replacing a usage replaces, not appends.
		if err := s.PutCrossSigningKey(ctx, &CrossSigningKey{UserID: alice, Usage: UsageMaster, Key: "new-master"}); err != nil {
			t.Fatalf("PutCrossSigningKey (replace): %v", err)
		}
		keys, err = s.GetCrossSigningKeys(ctx, alice)
		if err != nil {
			t.Fatalf("GetCrossSigningKeys: %v", err)
		}
		if len(keys) != 2 || keys[UsageMaster].Key != "new-master" {
			t.Errorf("after replace: %+v", keys)
		}

		signature := &KeySignature{
			SignerUserID: alice, SignerKey: "self-signing-key",
			TargetUserID: alice, TargetKey: "ed-phone",
			Signature: "sig-bytes",
		}
		if err := s.PutSignature(ctx, signature); err != nil {
			t.Fatalf("PutSignature: %v", err)
		}

		signed, err := s.IsSignedBy(ctx, alice, "self-signing-key", alice, "ed-phone")
		if err != nil {
			t.Fatalf("IsSignedBy: %v", err)
		}
		if !signed {
			t.Error("IsSignedBy = false for stored signature")
		}
		signed, err = s.IsSignedBy(ctx, alice, "self-signing-key", alice, "ed-other")
		if err != nil {
			t.Fatalf("IsSignedBy: %v", err)
		}
		if signed {
			t.Error("IsSignedBy = true for unknown target")
		}
	})
}

func TestPairwiseSessionOrdering(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		senderKey := id.Curve25519("their-identity")

		sessions, err := s.GetPairwiseSessions(ctx, senderKey)
		if err != nil {
			t.Fatalf("GetPairwiseSessions on empty store: %v", err)
		}
		if len(sessions) != 0 {
			t.Fatalf("GetPairwiseSessions on empty store = %d sessions", len(sessions))
		}

		for i, sessionID := range []id.SessionID{"old", "newest", "middle"} {
			lastUsed := time.UnixMilli(int64(1000 * (i + 1))).UTC()
			if sessionID == "newest" {
				lastUsed = time.UnixMilli(9000).UTC()
			}
			err := s.PutPairwiseSession(ctx, &PairwiseSession{
				SenderKey: senderKey,
				SessionID: sessionID,
				Pickle:    []byte("pickle-" + sessionID),
				CreatedAt: time.UnixMilli(100).UTC(),
				LastUsed:  lastUsed,
			})
			if err != nil {
				t.Fatalf("PutPairwiseSession(%s): %v", sessionID, err)
			}
		}

		sessions, err = s.GetPairwiseSessions(ctx, senderKey)
		if err != nil {
			t.Fatalf("GetPairwiseSessions: %v", err)
		}
		if len(sessions) != 3 {
			t.Fatalf("got %d sessions, want 3", len(sessions))
		}
		if sessions[0].SessionID != "newest" {
			t.Errorf("first session = %s, want newest (most recently used first)", sessions[0].SessionID)
		}

		single, err := s.GetPairwiseSession(ctx, senderKey, "middle")
		if err != nil {
			t.Fatalf("GetPairwiseSession: %v", err)
		}
		if single == nil || string(single.Pickle) != "pickle-middle" {
			t.Errorf("GetPairwiseSession = %+v", single)
		}
	})
}

func TestMessageHashes(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		hash := []byte{0x01, 0x02, 0x03, 0x04}

		seen, err := s.HasMessageHash(ctx, hash)
		if err != nil {
			t.Fatalf("HasMessageHash: %v", err)
		}
		if seen {
			t.Error("HasMessageHash = true before insert")
		}

		if err := s.PutMessageHash(ctx, hash, "$event1", time.UnixMilli(5000).UTC()); err != nil {
			t.Fatalf("PutMessageHash: %v", err)
		}
		// A duplicate insert is a no-op, not an error.
		if err := s.PutMessageHash(ctx, hash, "$event2", time.UnixMilli(6000).UTC()); err != nil {
			t.Fatalf("PutMessageHash (duplicate): %v", err)
		}

		seen, err = s.HasMessageHash(ctx, hash)
		if err != nil {
			t.Fatalf("HasMessageHash: %v", err)
		}
		if !seen {
			t.Error("HasMessageHash = false after insert")
		}
	})
}

func TestOutboundGroupSessionLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		roomID := id.RoomID("!room:example.org")

		session := &OutboundGroupSession{
			RoomID:       roomID,
			SessionID:    "outbound-1",
			Pickle:       []byte("outbound pickle"),
			CreatedAt:    time.UnixMilli(1000).UTC(),
			MessageCount: 5,
			SharedWith: []SharedDevice{
				{UserID: "@alice:example.org", DeviceID: "PHONE", IdentityKey: "curve-phone"},
				{UserID: "@bob:example.org", DeviceID: "TABLET", IdentityKey: "curve-tablet"},
			},
		}
		if err := s.PutOutboundGroupSession(ctx, session); err != nil {
			t.Fatalf("PutOutboundGroupSession: %v", err)
		}

		got, err := s.GetOutboundGroupSession(ctx, roomID)
		if err != nil {
			t.Fatalf("GetOutboundGroupSession: %v", err)
		}
		if got == nil {
			t.Fatal("GetOutboundGroupSession = nil")
		}
		if got.SessionID != "outbound-1" || got.MessageCount != 5 {
			t.Errorf("got %+v", got)
		}
		if len(got.SharedWith) != 2 || got.SharedWith[1].DeviceID != "TABLET" {
			t.Errorf("SharedWith = %+v", got.SharedWith)
		}

		got.RotatePending = true
		got.MessageCount = 6
		if err := s.PutOutboundGroupSession(ctx, got); err != nil {
			t.Fatalf("PutOutboundGroupSession (update): %v", err)
		}
		got, err = s.GetOutboundGroupSession(ctx, roomID)
		if err != nil {
			t.Fatalf("GetOutboundGroupSession: %v", err)
		}
		if !got.RotatePending || got.MessageCount != 6 {
			t.Errorf("after update: %+v", got)
		}

		if err := s.DeleteOutboundGroupSession(ctx, roomID); err != nil {
			t.Fatalf("DeleteOutboundGroupSession: %v", err)
		}
		got, err = s.GetOutboundGroupSession(ctx, roomID)
		if err != nil {
			t.Fatalf("GetOutboundGroupSession after delete: %v", err)
		}
		if got != nil {
			t.Errorf("session survived delete: %+v", got)
		}
	})
}

func TestInboundGroupSessionStorage(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		roomID := id.RoomID("!room:example.org")
		senderKey := id.Curve25519("sender-identity")

		session := &InboundGroupSession{
			RoomID:          roomID,
			SenderKey:       senderKey,
			SessionID:       "inbound-1",
			Pickle:          []byte("inbound pickle"),
			FirstKnownIndex: 3,
			Floor:           3,
			Forwarded:       true,
			CreatedAt:       time.UnixMilli(1000).UTC(),
		}
		if err := s.PutInboundGroupSession(ctx, session); err != nil {
			t.Fatalf("PutInboundGroupSession: %v", err)
		}

		got, err := s.GetInboundGroupSession(ctx, roomID, senderKey, "inbound-1")
		if err != nil {
			t.Fatalf("GetInboundGroupSession: %v", err)
		}
		if got == nil {
			t.Fatal("GetInboundGroupSession = nil")
		}
		if got.FirstKnownIndex != 3 || got.Floor != 3 || !got.Forwarded {
			t.Errorf("got %+v", got)
		}

		// Floor advances on update.
		got.Floor = 7
		got.Pickle = []byte("advanced pickle")
		if err := s.PutInboundGroupSession(ctx, got); err != nil {
			t.Fatalf("PutInboundGroupSession (update): %v", err)
		}
		got, err = s.GetInboundGroupSession(ctx, roomID, senderKey, "inbound-1")
		if err != nil {
			t.Fatalf("GetInboundGroupSession: %v", err)
		}
		if got.Floor != 7 || string(got.Pickle) != "advanced pickle" {
			t.Errorf("after update: %+v", got)
		}

		all, err := s.ListInboundGroupSessions(ctx)
		if err != nil {
			t.Fatalf("ListInboundGroupSessions: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("ListInboundGroupSessions returned %d sessions, want 1", len(all))
		}
	})
}

func TestKeyRequestStateMachine(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		roomID := id.RoomID("!room:example.org")

		request := &KeyRequest{
			RequestID:         "req-1",
			RoomID:            roomID,
			SessionID:         "inbound-1",
			SenderKey:         "sender-identity",
			RequesterUserID:   "@me:example.org",
			RequesterDeviceID: "MYDEVICE",
			Outgoing:          true,
			State:             RequestPending,
			CreatedAt:         time.UnixMilli(1000).UTC(),
		}
		if err := s.PutKeyRequest(ctx, request); err != nil {
			t.Fatalf("PutKeyRequest: %v", err)
		}

		got, err := s.GetKeyRequest(ctx, roomID, "inbound-1", "@me:example.org", "MYDEVICE", true)
		if err != nil {
			t.Fatalf("GetKeyRequest: %v", err)
		}
		if got == nil || got.State != RequestPending {
			t.Fatalf("GetKeyRequest = %+v", got)
		}

		// Outgoing and incoming requests for the same session coexist.
		incoming := *request
		incoming.RequestID = "req-2"
		incoming.Outgoing = false
		if err := s.PutKeyRequest(ctx, &incoming); err != nil {
			t.Fatalf("PutKeyRequest (incoming): %v", err)
		}

		pending, err := s.ListKeyRequests(ctx, RequestPending)
		if err != nil {
			t.Fatalf("ListKeyRequests: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("ListKeyRequests(pending) = %d, want 2", len(pending))
		}

		got.State = RequestSatisfied
		if err := s.PutKeyRequest(ctx, got); err != nil {
			t.Fatalf("PutKeyRequest (satisfy): %v", err)
		}
		pending, err = s.ListKeyRequests(ctx, RequestPending)
		if err != nil {
			t.Fatalf("ListKeyRequests: %v", err)
		}
		if len(pending) != 1 {
			t.Errorf("ListKeyRequests(pending) after satisfy = %d, want 1", len(pending))
		}
		satisfied, err := s.ListKeyRequests(ctx, RequestSatisfied)
		if err != nil {
			t.Fatalf("ListKeyRequests: %v", err)
		}
		if len(satisfied) != 1 {
			t.Errorf("ListKeyRequests(satisfied) = %d, want 1", len(satisfied))
		}
	})
}

func TestQueuedEvents(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		roomID := id.RoomID("!room:example.org")
		senderKey := id.Curve25519("sender-identity")
		sessionID := id.SessionID("inbound-1")

		for i, eventID := range []string{"$first", "$second", "$third"} {
			event := &QueuedEvent{
				RoomID:    roomID,
				SenderKey: senderKey,
				SessionID: sessionID,
				EventID:   eventID,
				Envelope:  []byte("envelope-" + eventID),
				ArrivedAt: time.UnixMilli(int64(1000 * (i + 1))).UTC(),
			}
			if err := s.PutQueuedEvent(ctx, event); err != nil {
				t.Fatalf("PutQueuedEvent(%s): %v", eventID, err)
			}
			if event.ID == 0 {
				t.Fatalf("PutQueuedEvent(%s) did not assign an ID", eventID)
			}
		}

		count, err := s.CountQueuedEvents(ctx, roomID, senderKey, sessionID)
		if err != nil {
			t.Fatalf("CountQueuedEvents: %v", err)
		}
		if count != 3 {
			t.Fatalf("CountQueuedEvents = %d, want 3", count)
		}

		events, err := s.ListQueuedEvents(ctx, roomID, senderKey, sessionID)
		if err != nil {
			t.Fatalf("ListQueuedEvents: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("ListQueuedEvents = %d events, want 3", len(events))
		}
		// Arrival order.
		for i, want := range []string{"$first", "$second", "$third"} {
			if events[i].EventID != want {
				t.Errorf("events[%d].EventID = %s, want %s", i, events[i].EventID, want)
			}
		}

		if err := s.DeleteQueuedEvent(ctx, events[0].ID); err != nil {
			t.Fatalf("DeleteQueuedEvent: %v", err)
		}
		count, err = s.CountQueuedEvents(ctx, roomID, senderKey, sessionID)
		if err != nil {
			t.Fatalf("CountQueuedEvents: %v", err)
		}
		if count != 2 {
			t.Errorf("CountQueuedEvents after delete = %d, want 2", count)
		}

		// Age-based expiry returns what it dropped.
		dropped, err := s.DeleteQueuedEventsBefore(ctx, time.UnixMilli(2500).UTC())
		if err != nil {
			t.Fatalf("DeleteQueuedEventsBefore: %v", err)
		}
		if len(dropped) != 1 || dropped[0].EventID != "$second" {
			t.Errorf("dropped = %+v, want just $second", dropped)
		}
		count, err = s.CountQueuedEvents(ctx, roomID, senderKey, sessionID)
		if err != nil {
			t.Fatalf("CountQueuedEvents: %v", err)
		}
		if count != 1 {
			t.Errorf("CountQueuedEvents after expiry = %d, want 1", count)
		}
	})
}

// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/crypto/store"
	"github.com/weft-im/weft/lib/clock"
	"github.com/weft-im/weft/ratchet"
)

// inboundCacheSize bounds how many unpickled inbound group sessions
// stay in memory. Evicted sessions are rebuilt from the store.
const inboundCacheSize = 256

// GroupManager owns the per-room group ratchet sessions: the single
// outbound session per room with its rotation policy and recipient
// tracking, and the inbound sessions keyed by (room, sender key,
// session id).
type GroupManager struct {
	localUser   id.UserID
	localDevice id.DeviceID
	store       store.Store
	provider    ratchet.Provider
	transport   Transport
	clock       clock.Clock
	logger      *slog.Logger
	policy      Policy
	pickleKey   []byte

	registry *Registry
	pairwise *PairwiseManager

	// roomLocks serializes outbound mutations per room; inboundLocks
	// serializes inbound mutations per session identity.
	roomLocks    *lockMap
	inboundLocks *lockMap

	// inboundCache holds live inbound sessions. All access happens
	// under the session's inboundLocks entry, so the cached object
	// never races with the store copy.
	inboundCache *lru.Cache[string, ratchet.InboundGroup]
}

func newGroupManager(localUser id.UserID, localDevice id.DeviceID, s store.Store, provider ratchet.Provider, t Transport, c clock.Clock, logger *slog.Logger, policy Policy, pickleKey []byte, registry *Registry, pairwise *PairwiseManager) *GroupManager {
	cache, err := lru.New[string, ratchet.InboundGroup](inboundCacheSize)
	if err != nil {
		panic(err) // only fails on non-positive size
	}
	return &GroupManager{
		localUser:    localUser,
		localDevice:  localDevice,
		store:        s,
		provider:     provider,
		transport:    t,
		clock:        c,
		logger:       logger,
		policy:       policy,
		pickleKey:    pickleKey,
		registry:     registry,
		pairwise:     pairwise,
		roomLocks:    newLockMap(),
		inboundLocks: newLockMap(),
		inboundCache: cache,
	}
}

func inboundKey(roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) string {
	return string(roomID) + "|" + string(senderKey) + "|" + string(sessionID)
}

// EncryptRoomEvent encrypts one room event for the given members. The
// current outbound session's key is shared with every eligible device
// that does not have it yet before the ratchet advances; the advanced
// state is durable before the ciphertext is returned.
func (g *GroupManager) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, members []id.UserID, plaintext []byte) (*GroupEnvelope, error) {
	unlock := g.roomLocks.lock(string(roomID))
	defer unlock()

	session, record, err := g.currentOutbound(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := g.shareOutbound(ctx, session, record, members); err != nil {
		return nil, err
	}

	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypto: group encrypt: %w", err)
	}
	record.MessageCount++
	if err := g.persistOutbound(ctx, session, record); err != nil {
		return nil, err
	}

	_, senderKey, err := g.pairwise.IdentityKeys(ctx)
	if err != nil {
		return nil, err
	}
	return &GroupEnvelope{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  senderKey,
		DeviceID:   g.localDevice,
		SessionID:  record.SessionID,
		Ciphertext: string(ciphertext),
	}, nil
}

// currentOutbound loads the room's outbound session, rotating to a
// fresh one when the message-count threshold, the age threshold, or a
// pending membership-shrink rotation demands it. Caller holds the room
// lock.
func (g *GroupManager) currentOutbound(ctx context.Context, roomID id.RoomID) (ratchet.OutboundGroup, *store.OutboundGroupSession, error) {
	record, err := g.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, nil, transportErr("loading outbound session", err)
	}
	if record != nil && !g.rotationDue(record) {
		session, err := g.provider.OutboundGroupFromPickled(record.Pickle, g.pickleKey)
		if err != nil {
			return nil, nil, fmt.Errorf("crypto: unpickling outbound session %s: %w", record.SessionID, err)
		}
		return session, record, nil
	}
	if record != nil {
		g.logger.Info("rotating outbound group session",
			"room_id", roomID, "session_id", record.SessionID,
			"messages", record.MessageCount, "forced", record.RotatePending)
	}
	return g.createOutbound(ctx, roomID)
}

func (g *GroupManager) rotationDue(record *store.OutboundGroupSession) bool {
	if record.RotatePending {
		return true
	}
	if record.MessageCount >= g.policy.RotationMessages {
		return true
	}
	if maxAge := g.policy.RotationAge.Std(); maxAge > 0 && g.clock.Now().Sub(record.CreatedAt) >= maxAge {
		return true
	}
	return false
}

// createOutbound makes a fresh outbound session for the room and its
// own inbound mirror, so history sent by this device stays decryptable
// after rotation.
func (g *GroupManager) createOutbound(ctx context.Context, roomID id.RoomID) (ratchet.OutboundGroup, *store.OutboundGroupSession, error) {
	session, err := g.provider.NewOutboundGroup()
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: creating outbound session: %w", err)
	}
	sessionKey, err := session.Key()
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: exporting session key: %w", err)
	}

	_, ownKey, err := g.pairwise.IdentityKeys(ctx)
	if err != nil {
		return nil, nil, err
	}
	mirror, err := g.provider.NewInboundGroup(sessionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: creating inbound mirror: %w", err)
	}
	if err := g.persistInbound(ctx, mirror, &store.InboundGroupSession{
		RoomID:          roomID,
		SenderKey:       ownKey,
		SessionID:       mirror.ID(),
		FirstKnownIndex: mirror.FirstKnownIndex(),
		Floor:           mirror.FirstKnownIndex(),
		CreatedAt:       g.clock.Now(),
	}); err != nil {
		return nil, nil, err
	}

	record := &store.OutboundGroupSession{
		RoomID:    roomID,
		SessionID: session.ID(),
		CreatedAt: g.clock.Now(),
	}
	if err := g.persistOutbound(ctx, session, record); err != nil {
		return nil, nil, err
	}
	g.logger.Info("created outbound group session", "room_id", roomID, "session_id", record.SessionID)
	return session, record, nil
}

func (g *GroupManager) persistOutbound(ctx context.Context, session ratchet.OutboundGroup, record *store.OutboundGroupSession) error {
	pickle, err := session.Pickle(g.pickleKey)
	if err != nil {
		return fmt.Errorf("crypto: pickling outbound session %s: %w", record.SessionID, err)
	}
	record.Pickle = pickle
	if err := g.store.PutOutboundGroupSession(ctx, record); err != nil {
		return transportErr("storing outbound session", err)
	}
	return nil
}

// shareOutbound sends the session key to every eligible member device
// that does not already have it. Individual devices that cannot be
// reached (no one-time key left) are skipped with a warning rather
// than failing the room message.
func (g *GroupManager) shareOutbound(ctx context.Context, session ratchet.OutboundGroup, record *store.OutboundGroupSession, members []id.UserID) error {
	shared := make(map[id.Curve25519]bool, len(record.SharedWith))
	for _, device := range record.SharedWith {
		shared[device.IdentityKey] = true
	}

	var targets []*store.Device
	for _, userID := range members {
		devices, err := g.store.GetUserDevices(ctx, userID)
		if err != nil {
			return transportErr("loading devices", err)
		}
		if len(devices) == 0 {
			devices, err = g.registry.FetchDevices(ctx, userID)
			if err != nil {
				return err
			}
		}
		for _, device := range devices {
			if device.Deleted || shared[device.IdentityKey] {
				continue
			}
			if device.UserID == g.localUser && device.DeviceID == g.localDevice {
				continue
			}
			if !g.shareAllowed(device) {
				continue
			}
			targets = append(targets, device)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	sessionKey, err := session.Key()
	if err != nil {
		return fmt.Errorf("crypto: exporting session key: %w", err)
	}
	payload := &RoomKeyPayload{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     record.RoomID,
		SessionID:  record.SessionID,
		SessionKey: sessionKey,
	}

	var messages []ToDeviceMessage
	for _, device := range targets {
		envelope, err := g.pairwise.EncryptToDevice(ctx, device, event.ToDeviceRoomKey, payload)
		if err != nil {
			g.logger.Warn("skipping device during key share",
				"user_id", device.UserID, "device_id", device.DeviceID, "error", err)
			continue
		}
		raw, err := marshalJSON(envelope)
		if err != nil {
			return err
		}
		messages = append(messages, ToDeviceMessage{
			UserID:   device.UserID,
			DeviceID: device.DeviceID,
			Content:  raw,
		})
		record.SharedWith = append(record.SharedWith, store.SharedDevice{
			UserID:      device.UserID,
			DeviceID:    device.DeviceID,
			IdentityKey: device.IdentityKey,
		})
	}
	if len(messages) == 0 {
		return nil
	}
	if err := g.transport.SendToDevice(ctx, event.ToDeviceEncrypted, messages); err != nil {
		return transportErr("sending room keys", err)
	}
	if err := g.store.PutOutboundGroupSession(ctx, record); err != nil {
		return transportErr("storing outbound session", err)
	}
	g.logger.Info("shared group session key",
		"room_id", record.RoomID, "session_id", record.SessionID, "devices", len(messages))
	return nil
}

func (g *GroupManager) shareAllowed(device *store.Device) bool {
	switch device.Trust {
	case store.TrustBlacklisted:
		return false
	case store.TrustVerified, store.TrustCrossSignedVerified:
		return true
	default:
		return g.policy.ShareToUnverified
	}
}

// HandleMembershipChange marks the room's outbound session for
// rotation if any departed user had been given the current key.
// Membership growth never rotates; new devices simply receive the key
// on the next encrypt.
func (g *GroupManager) HandleMembershipChange(ctx context.Context, roomID id.RoomID, departed []id.UserID) error {
	if len(departed) == 0 {
		return nil
	}
	unlock := g.roomLocks.lock(string(roomID))
	defer unlock()

	record, err := g.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return transportErr("loading outbound session", err)
	}
	if record == nil || record.RotatePending {
		return nil
	}
	gone := make(map[id.UserID]bool, len(departed))
	for _, userID := range departed {
		gone[userID] = true
	}
	for _, device := range record.SharedWith {
		if !gone[device.UserID] {
			continue
		}
		record.RotatePending = true
		if err := g.store.PutOutboundGroupSession(ctx, record); err != nil {
			return transportErr("storing outbound session", err)
		}
		g.logger.Info("membership shrink forces session rotation",
			"room_id", roomID, "session_id", record.SessionID, "user_id", device.UserID)
		return nil
	}
	return nil
}

// ImportSession stores a new inbound group session from received key
// material. Forwarded keys are recorded with weaker provenance. If a
// session with the same identity and an equal-or-lower first known
// index already exists, the import is skipped. Reports whether the
// session was stored.
func (g *GroupManager) ImportSession(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID, sessionKey string, forwarded bool) (bool, error) {
	cacheKey := inboundKey(roomID, senderKey, sessionID)
	unlock := g.inboundLocks.lock(cacheKey)
	defer unlock()

	var session ratchet.InboundGroup
	var err error
	if forwarded {
		session, err = g.provider.ImportInboundGroup(sessionKey)
	} else {
		session, err = g.provider.NewInboundGroup(sessionKey)
	}
	if err != nil {
		return false, fmt.Errorf("%w: importing session key: %v", ErrMalformedEnvelope, err)
	}
	if session.ID() != sessionID {
		return false, fmt.Errorf("%w: session key is for %s, not %s", ErrMalformedEnvelope, session.ID(), sessionID)
	}

	existing, err := g.store.GetInboundGroupSession(ctx, roomID, senderKey, sessionID)
	if err != nil {
		return false, transportErr("loading inbound session", err)
	}
	if existing != nil && existing.FirstKnownIndex <= session.FirstKnownIndex() {
		return false, nil
	}

	err = g.persistInbound(ctx, session, &store.InboundGroupSession{
		RoomID:          roomID,
		SenderKey:       senderKey,
		SessionID:       sessionID,
		FirstKnownIndex: session.FirstKnownIndex(),
		Floor:           session.FirstKnownIndex(),
		Forwarded:       forwarded,
		CreatedAt:       g.clock.Now(),
	})
	if err != nil {
		return false, err
	}
	g.inboundCache.Add(cacheKey, session)
	g.logger.Info("imported inbound group session",
		"room_id", roomID, "session_id", sessionID,
		"first_known_index", session.FirstKnownIndex(), "forwarded", forwarded)
	return true, nil
}

func (g *GroupManager) persistInbound(ctx context.Context, session ratchet.InboundGroup, record *store.InboundGroupSession) error {
	pickle, err := session.Pickle(g.pickleKey)
	if err != nil {
		return fmt.Errorf("crypto: pickling inbound session %s: %w", record.SessionID, err)
	}
	record.Pickle = pickle
	if err := g.store.PutInboundGroupSession(ctx, record); err != nil {
		return transportErr("storing inbound session", err)
	}
	return nil
}

// Decrypt decrypts one group ciphertext. The floor advances past each
// consumed index: re-decrypting the last consumed index fails with
// ErrDuplicateMessage, anything further back with
// ErrMessageIndexUnavailable.
func (g *GroupManager) Decrypt(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID, ciphertext string) ([]byte, uint32, error) {
	cacheKey := inboundKey(roomID, senderKey, sessionID)
	unlock := g.inboundLocks.lock(cacheKey)
	defer unlock()

	record, err := g.store.GetInboundGroupSession(ctx, roomID, senderKey, sessionID)
	if err != nil {
		return nil, 0, transportErr("loading inbound session", err)
	}
	if record == nil {
		return nil, 0, fmt.Errorf("%w: group session %s", ErrUnknownSession, sessionID)
	}

	session, ok := g.inboundCache.Get(cacheKey)
	if !ok {
		session, err = g.provider.InboundGroupFromPickled(record.Pickle, g.pickleKey)
		if err != nil {
			return nil, 0, fmt.Errorf("crypto: unpickling inbound session %s: %w", sessionID, err)
		}
		g.inboundCache.Add(cacheKey, session)
	}

	plaintext, index, err := session.Decrypt([]byte(ciphertext))
	switch {
	case errors.Is(err, ratchet.ErrUnknownMessageIndex):
		return nil, 0, fmt.Errorf("%w: index before first known index", ErrMessageIndexUnavailable)
	case err != nil:
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if index < record.Floor {
		if index == record.Floor-1 {
			g.logger.Warn("replayed group message index",
				"room_id", roomID, "session_id", sessionID, "index", index)
			return nil, 0, ErrDuplicateMessage
		}
		return nil, 0, fmt.Errorf("%w: index %d below floor %d", ErrMessageIndexUnavailable, index, record.Floor)
	}

	record.Floor = index + 1
	if err := g.persistInbound(ctx, session, record); err != nil {
		return nil, 0, err
	}
	return plaintext, index, nil
}

// ExportSession re-exports an inbound session's key at its first known
// index, for forwarding to a requesting device.
func (g *GroupManager) ExportSession(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (string, uint32, error) {
	cacheKey := inboundKey(roomID, senderKey, sessionID)
	unlock := g.inboundLocks.lock(cacheKey)
	defer unlock()

	record, err := g.store.GetInboundGroupSession(ctx, roomID, senderKey, sessionID)
	if err != nil {
		return "", 0, transportErr("loading inbound session", err)
	}
	if record == nil {
		return "", 0, fmt.Errorf("%w: group session %s", ErrUnknownSession, sessionID)
	}
	session, ok := g.inboundCache.Get(cacheKey)
	if !ok {
		session, err = g.provider.InboundGroupFromPickled(record.Pickle, g.pickleKey)
		if err != nil {
			return "", 0, fmt.Errorf("crypto: unpickling inbound session %s: %w", sessionID, err)
		}
		g.inboundCache.Add(cacheKey, session)
	}
	key, err := session.Export(record.FirstKnownIndex)
	if err != nil {
		return "", 0, fmt.Errorf("crypto: exporting session %s: %w", sessionID, err)
	}
	return key, record.FirstKnownIndex, nil
}

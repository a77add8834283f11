// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// Memory is an in-memory Store for tests. It copies records on the
// way in and out, so callers observe the same aliasing behavior as
// with the SQLite store, and a Memory value survives "machine
// restart" tests that rebuild every manager on top of it.
type Memory struct {
	mu sync.RWMutex

	account   *Account
	devices   map[id.UserID]map[id.DeviceID]*Device
	xsKeys    map[id.UserID]map[string]CrossSigningKey
	sigs      map[sigKey]string
	pairwise  map[pairwiseKey]*PairwiseSession
	hashes    map[string]string // hash -> event ID
	outbound  map[id.RoomID]*OutboundGroupSession
	inbound   map[inboundKey]*InboundGroupSession
	requests  map[requestKey]*KeyRequest
	queued    []*QueuedEvent
	nextEvent int64
}

type sigKey struct {
	signerUser id.UserID
	signerKey  id.Ed25519
	targetUser id.UserID
	targetKey  id.Ed25519
}

type pairwiseKey struct {
	senderKey id.Curve25519
	sessionID id.SessionID
}

type inboundKey struct {
	roomID    id.RoomID
	senderKey id.Curve25519
	sessionID id.SessionID
}

type requestKey struct {
	roomID    id.RoomID
	sessionID id.SessionID
	userID    id.UserID
	deviceID  id.DeviceID
	outgoing  bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		devices:   make(map[id.UserID]map[id.DeviceID]*Device),
		xsKeys:    make(map[id.UserID]map[string]CrossSigningKey),
		sigs:      make(map[sigKey]string),
		pairwise:  make(map[pairwiseKey]*PairwiseSession),
		hashes:    make(map[string]string),
		outbound:  make(map[id.RoomID]*OutboundGroupSession),
		inbound:   make(map[inboundKey]*InboundGroupSession),
		requests:  make(map[requestKey]*KeyRequest),
		nextEvent: 1,
	}
}

func copyOf[T any](v *T) *T {
	if v == nil {
		return nil
	}
	copied := *v
	return &copied
}

func (m *Memory) GetAccount(_ context.Context) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyOf(m.account), nil
}

func (m *Memory) PutAccount(_ context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = copyOf(account)
	return nil
}

func (m *Memory) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyOf(m.devices[userID][deviceID]), nil
}

func (m *Memory) GetUserDevices(_ context.Context, userID id.UserID) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := make([]*Device, 0, len(m.devices[userID]))
	for _, device := range m.devices[userID] {
		devices = append(devices, copyOf(device))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices, nil
}

func (m *Memory) PutDevice(_ context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDevice, ok := m.devices[device.UserID]
	if !ok {
		byDevice = make(map[id.DeviceID]*Device)
		m.devices[device.UserID] = byDevice
	}
	byDevice[device.DeviceID] = copyOf(device)
	return nil
}

func (m *Memory) GetCrossSigningKeys(_ context.Context, userID id.UserID) (map[string]CrossSigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make(map[string]CrossSigningKey, len(m.xsKeys[userID]))
	for usage, key := range m.xsKeys[userID] {
		keys[usage] = key
	}
	return keys, nil
}

func (m *Memory) PutCrossSigningKey(_ context.Context, key *CrossSigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byUsage, ok := m.xsKeys[key.UserID]
	if !ok {
		byUsage = make(map[string]CrossSigningKey)
		m.xsKeys[key.UserID] = byUsage
	}
	byUsage[key.Usage] = *key
	return nil
}

func (m *Memory) PutSignature(_ context.Context, signature *KeySignature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigs[sigKey{
		signerUser: signature.SignerUserID,
		signerKey:  signature.SignerKey,
		targetUser: signature.TargetUserID,
		targetKey:  signature.TargetKey,
	}] = signature.Signature
	return nil
}

func (m *Memory) IsSignedBy(_ context.Context, signerUserID id.UserID, signerKey id.Ed25519, targetUserID id.UserID, targetKey id.Ed25519) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sigs[sigKey{
		signerUser: signerUserID,
		signerKey:  signerKey,
		targetUser: targetUserID,
		targetKey:  targetKey,
	}]
	return ok, nil
}

func (m *Memory) GetPairwiseSession(_ context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*PairwiseSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyOf(m.pairwise[pairwiseKey{senderKey, sessionID}]), nil
}

func (m *Memory) GetPairwiseSessions(_ context.Context, senderKey id.Curve25519) ([]*PairwiseSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sessions []*PairwiseSession
	for key, session := range m.pairwise {
		if key.senderKey == senderKey {
			sessions = append(sessions, copyOf(session))
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].LastUsed.After(sessions[j].LastUsed) })
	return sessions, nil
}

func (m *Memory) PutPairwiseSession(_ context.Context, session *PairwiseSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairwise[pairwiseKey{session.SenderKey, session.SessionID}] = copyOf(session)
	return nil
}

func (m *Memory) HasMessageHash(_ context.Context, hash []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.hashes[string(hash)]
	return ok, nil
}

func (m *Memory) PutMessageHash(_ context.Context, hash []byte, eventID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[string(hash)] = eventID
	return nil
}

func (m *Memory) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session := copyOf(m.outbound[roomID])
	if session != nil {
		session.SharedWith = append([]SharedDevice(nil), session.SharedWith...)
	}
	return session, nil
}

func (m *Memory) PutOutboundGroupSession(_ context.Context, session *OutboundGroupSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := copyOf(session)
	copied.SharedWith = append([]SharedDevice(nil), session.SharedWith...)
	m.outbound[session.RoomID] = copied
	return nil
}

func (m *Memory) DeleteOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outbound, roomID)
	return nil
}

func (m *Memory) GetInboundGroupSession(_ context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyOf(m.inbound[inboundKey{roomID, senderKey, sessionID}]), nil
}

func (m *Memory) ListInboundGroupSessions(_ context.Context) ([]*InboundGroupSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*InboundGroupSession, 0, len(m.inbound))
	for _, session := range m.inbound {
		sessions = append(sessions, copyOf(session))
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].RoomID != sessions[j].RoomID {
			return sessions[i].RoomID < sessions[j].RoomID
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	return sessions, nil
}

func (m *Memory) PutInboundGroupSession(_ context.Context, session *InboundGroupSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound[inboundKey{session.RoomID, session.SenderKey, session.SessionID}] = copyOf(session)
	return nil
}

func (m *Memory) GetKeyRequest(_ context.Context, roomID id.RoomID, sessionID id.SessionID, requesterUserID id.UserID, requesterDeviceID id.DeviceID, outgoing bool) (*KeyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyOf(m.requests[requestKey{roomID, sessionID, requesterUserID, requesterDeviceID, outgoing}]), nil
}

func (m *Memory) ListKeyRequests(_ context.Context, state RequestState) ([]*KeyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var requests []*KeyRequest
	for _, request := range m.requests {
		if request.State == state {
			requests = append(requests, copyOf(request))
		}
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].CreatedAt.Before(requests[j].CreatedAt) })
	return requests, nil
}

func (m *Memory) PutKeyRequest(_ context.Context, request *KeyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[requestKey{request.RoomID, request.SessionID, request.RequesterUserID, request.RequesterDeviceID, request.Outgoing}] = copyOf(request)
	return nil
}

func (m *Memory) PutQueuedEvent(_ context.Context, event *QueuedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := copyOf(event)
	copied.ID = m.nextEvent
	m.nextEvent++
	event.ID = copied.ID
	m.queued = append(m.queued, copied)
	return nil
}

func (m *Memory) ListQueuedEvents(_ context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) ([]*QueuedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []*QueuedEvent
	for _, event := range m.queued {
		if event.RoomID == roomID && event.SenderKey == senderKey && event.SessionID == sessionID {
			events = append(events, copyOf(event))
		}
	}
	return events, nil
}

func (m *Memory) CountQueuedEvents(_ context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, event := range m.queued {
		if event.RoomID == roomID && event.SenderKey == senderKey && event.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (m *Memory) DeleteQueuedEvent(_ context.Context, eventID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, event := range m.queued {
		if event.ID == eventID {
			m.queued = append(m.queued[:i], m.queued[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) DeleteQueuedEventsBefore(_ context.Context, cutoff time.Time) ([]*QueuedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped []*QueuedEvent
	kept := m.queued[:0]
	for _, event := range m.queued {
		if event.ArrivedAt.Before(cutoff) {
			dropped = append(dropped, copyOf(event))
		} else {
			kept = append(kept, event)
		}
	}
	m.queued = kept
	return dropped, nil
}

func (m *Memory) Close() error { return nil }

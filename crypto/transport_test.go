// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// fakeServer plays the homeserver side of the transport for any number
// of test machines: it stores uploaded keys, serves claims and queries,
// and queues to-device messages per recipient.
type fakeServer struct {
	mu       sync.Mutex
	devices  map[serverKey]DeviceKeys
	oneTime  map[serverKey][]OneTimeKey
	fallback map[serverKey]*OneTimeKey
	inbox    map[serverKey][]fakeDelivery
}

type serverKey struct {
	user   id.UserID
	device id.DeviceID
}

type fakeDelivery struct {
	Type    event.Type
	Sender  id.UserID
	Content json.RawMessage
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		devices:  make(map[serverKey]DeviceKeys),
		oneTime:  make(map[serverKey][]OneTimeKey),
		fallback: make(map[serverKey]*OneTimeKey),
		inbox:    make(map[serverKey][]fakeDelivery),
	}
}

// transportFor binds a Transport to one local device's identity.
func (s *fakeServer) transportFor(user id.UserID, device id.DeviceID) *fakeTransport {
	return &fakeTransport{server: s, user: user, device: device}
}

// take drains and returns the queued to-device messages for one device.
func (s *fakeServer) take(user id.UserID, device id.DeviceID) []fakeDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := serverKey{user, device}
	queued := s.inbox[key]
	s.inbox[key] = nil
	return queued
}

// otkCount returns the claimable (non-fallback) key count for a device.
func (s *fakeServer) otkCount(user id.UserID, device id.DeviceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.oneTime[serverKey{user, device}])
}

// drainOneTimeKeys consumes n claimable keys, simulating claims by
// devices outside the test.
func (s *fakeServer) drainOneTimeKeys(user id.UserID, device id.DeviceID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := serverKey{user, device}
	if n > len(s.oneTime[key]) {
		n = len(s.oneTime[key])
	}
	s.oneTime[key] = s.oneTime[key][n:]
}

// fakeTransport implements Transport for one device. Setting err makes
// every call fail until cleared.
type fakeTransport struct {
	server *fakeServer
	user   id.UserID
	device id.DeviceID

	mu  sync.Mutex
	err error
}

var _ Transport = (*fakeTransport)(nil)

func (t *fakeTransport) setError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *fakeTransport) currentError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) UploadKeys(_ context.Context, req *KeyUploadRequest) (*KeyUploadResponse, error) {
	if err := t.currentError(); err != nil {
		return nil, err
	}
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	key := serverKey{t.user, t.device}
	if req.DeviceKeys != nil {
		s.devices[key] = *req.DeviceKeys
	}
	for _, otk := range req.OneTimeKeys {
		if otk.Fallback {
			copied := otk
			s.fallback[key] = &copied
		} else {
			s.oneTime[key] = append(s.oneTime[key], otk)
		}
	}
	return &KeyUploadResponse{OneTimeKeyCount: len(s.oneTime[key])}, nil
}

func (t *fakeTransport) ClaimOneTimeKeys(_ context.Context, devices map[id.UserID][]id.DeviceID) (*KeyClaimResponse, error) {
	if err := t.currentError(); err != nil {
		return nil, err
	}
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &KeyClaimResponse{Keys: make(map[id.UserID]map[id.DeviceID]ClaimedKey)}
	for userID, deviceIDs := range devices {
		for _, deviceID := range deviceIDs {
			key := serverKey{userID, deviceID}
			var claimed *OneTimeKey
			if available := s.oneTime[key]; len(available) > 0 {
				claimed = &available[0]
				s.oneTime[key] = available[1:]
			} else if fb := s.fallback[key]; fb != nil {
				claimed = fb
			}
			if claimed == nil {
				continue
			}
			if resp.Keys[userID] == nil {
				resp.Keys[userID] = make(map[id.DeviceID]ClaimedKey)
			}
			resp.Keys[userID][deviceID] = ClaimedKey{
				KeyID:     claimed.KeyID,
				Key:       claimed.Key,
				Signature: string(claimed.Signature),
			}
		}
	}
	return resp, nil
}

func (t *fakeTransport) QueryKeys(_ context.Context, users []id.UserID) (*KeyQueryResponse, error) {
	if err := t.currentError(); err != nil {
		return nil, err
	}
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &KeyQueryResponse{Devices: make(map[id.UserID][]DeviceKeys)}
	for _, userID := range users {
		for key, deviceKeys := range s.devices {
			if key.user == userID {
				resp.Devices[userID] = append(resp.Devices[userID], deviceKeys)
			}
		}
	}
	return resp, nil
}

func (t *fakeTransport) SendToDevice(_ context.Context, eventType event.Type, messages []ToDeviceMessage) error {
	if err := t.currentError(); err != nil {
		return err
	}
	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range messages {
		key := serverKey{msg.UserID, msg.DeviceID}
		s.inbox[key] = append(s.inbox[key], fakeDelivery{
			Type:    eventType,
			Sender:  t.user,
			Content: msg.Content,
		})
	}
	return nil
}

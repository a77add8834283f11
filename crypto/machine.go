// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/crypto/store"
	"github.com/weft-im/weft/lib/clock"
	"github.com/weft-im/weft/ratchet"
)

// Config carries the collaborators and identity of a Machine.
type Config struct {
	// UserID and DeviceID identify the local device.
	UserID   id.UserID
	DeviceID id.DeviceID

	// Store persists all crypto state. Required.
	Store store.Store

	// Transport performs the network calls. Required.
	Transport Transport

	// Provider supplies the primitive ratchet operations. Required.
	Provider ratchet.Provider

	// PickleKey encrypts ratchet state at rest. Required.
	PickleKey []byte

	// Policy holds the tunable thresholds. Nil means DefaultPolicy.
	Policy *Policy

	// Clock is the time source. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational and security messages. Nil disables
	// logging.
	Logger *slog.Logger

	// Hooks receives retry-queue notifications.
	Hooks Hooks
}

// Machine is the end-to-end encryption facade. One Machine exists per
// local device; it is safe for concurrent use.
type Machine struct {
	localUser   id.UserID
	localDevice id.DeviceID
	logger      *slog.Logger
	store       store.Store

	registry    *Registry
	pairwise    *PairwiseManager
	group       *GroupManager
	coordinator *Coordinator

	loadOnce sync.Once
	loadErr  error
}

// NewMachine validates cfg and assembles a machine. No I/O happens
// until Load or the first operation.
func NewMachine(cfg Config) (*Machine, error) {
	switch {
	case cfg.UserID == "":
		return nil, errors.New("crypto: config missing UserID")
	case cfg.DeviceID == "":
		return nil, errors.New("crypto: config missing DeviceID")
	case cfg.Store == nil:
		return nil, errors.New("crypto: config missing Store")
	case cfg.Transport == nil:
		return nil, errors.New("crypto: config missing Transport")
	case cfg.Provider == nil:
		return nil, errors.New("crypto: config missing Provider")
	case len(cfg.PickleKey) == 0:
		return nil, errors.New("crypto: config missing PickleKey")
	}
	policy := DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	registry := newRegistry(cfg.UserID, cfg.Store, cfg.Transport, clk, logger)
	pairwise := newPairwiseManager(cfg.UserID, cfg.DeviceID, cfg.Store, cfg.Provider, cfg.Transport, clk, logger, policy, cfg.PickleKey)
	group := newGroupManager(cfg.UserID, cfg.DeviceID, cfg.Store, cfg.Provider, cfg.Transport, clk, logger, policy, cfg.PickleKey, registry, pairwise)
	coordinator := newCoordinator(cfg.UserID, cfg.DeviceID, cfg.Store, cfg.Transport, clk, logger, policy, cfg.Hooks, registry, pairwise, group)

	return &Machine{
		localUser:   cfg.UserID,
		localDevice: cfg.DeviceID,
		logger:      logger,
		store:       cfg.Store,
		registry:    registry,
		pairwise:    pairwise,
		group:       group,
		coordinator: coordinator,
	}, nil
}

// Load initializes the local ratchet account (creating one on first
// run) and publishes the device's identity and one-time keys. Call it
// once at startup; later operations call it implicitly.
func (m *Machine) Load(ctx context.Context) error {
	m.loadOnce.Do(func() {
		m.loadErr = m.pairwise.EnsureKeysUploaded(ctx, true)
	})
	return m.loadErr
}

// Close releases the machine. All persistence is synchronous, so there
// is nothing to flush; the store stays open and owned by the caller.
func (m *Machine) Close() error {
	return nil
}

// IdentityKeys returns the local device's signing and identity keys.
func (m *Machine) IdentityKeys(ctx context.Context) (id.Ed25519, id.Curve25519, error) {
	return m.pairwise.IdentityKeys(ctx)
}

// EnsureKeysUploaded tops up the server-side one-time-key pool if it
// fell below the low-water mark. Invoke periodically and after sync
// reports a key count.
func (m *Machine) EnsureKeysUploaded(ctx context.Context) error {
	if err := m.Load(ctx); err != nil {
		return err
	}
	return m.pairwise.EnsureKeysUploaded(ctx, false)
}

// HandleOneTimeKeyCount records the server-acknowledged one-time-key
// count reported by the sync engine and replenishes if needed.
func (m *Machine) HandleOneTimeKeyCount(ctx context.Context, count int) error {
	if err := m.Load(ctx); err != nil {
		return err
	}
	return m.pairwise.HandleOneTimeKeyCount(ctx, count)
}

// EncryptRoomEvent encrypts a room event for the given members,
// sharing the group session key with their eligible devices first.
func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, members []id.UserID, plaintext []byte) (*GroupEnvelope, error) {
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	return m.group.EncryptRoomEvent(ctx, roomID, members, plaintext)
}

// DecryptRoomEvent decrypts a room event. If no inbound session
// matches, the event is buffered, a key request goes out, and
// ErrUnknownSession is returned; a later key import replays the event
// through the OnReplay hook.
func (m *Machine) DecryptRoomEvent(ctx context.Context, roomID id.RoomID, eventID string, envelope *GroupEnvelope) ([]byte, error) {
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	if envelope.Algorithm != id.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w: algorithm %q", ErrMalformedEnvelope, envelope.Algorithm)
	}
	if envelope.SenderKey == "" || envelope.SessionID == "" || envelope.Ciphertext == "" {
		return nil, fmt.Errorf("%w: missing fields", ErrMalformedEnvelope)
	}

	plaintext, _, err := m.group.Decrypt(ctx, roomID, envelope.SenderKey, envelope.SessionID, envelope.Ciphertext)
	if errors.Is(err, ErrUnknownSession) {
		raw, marshalErr := marshalJSON(envelope)
		if marshalErr != nil {
			return nil, marshalErr
		}
		queueErr := m.coordinator.Enqueue(ctx, &store.QueuedEvent{
			RoomID:    roomID,
			SenderKey: envelope.SenderKey,
			SessionID: envelope.SessionID,
			EventID:   eventID,
			Envelope:  raw,
		})
		if queueErr != nil {
			return nil, queueErr
		}
		if reqErr := m.coordinator.RequestKey(ctx, roomID, envelope.SenderKey, envelope.SessionID); reqErr != nil {
			m.logger.Warn("key request failed", "session_id", envelope.SessionID, "error", reqErr)
		}
		return nil, err
	}
	return plaintext, err
}

// EncryptToDevice encrypts one payload to a single device over a
// pairwise session, establishing the session if needed. Blacklisted
// devices are refused.
func (m *Machine) EncryptToDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID, eventType event.Type, content any) (*DeviceEnvelope, error) {
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	device, err := m.registry.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		if _, err := m.registry.FetchDevices(ctx, userID); err != nil {
			return nil, err
		}
		device, err = m.registry.GetDevice(ctx, userID, deviceID)
		if err != nil {
			return nil, err
		}
		if device == nil {
			return nil, fmt.Errorf("crypto: unknown device %s/%s", userID, deviceID)
		}
	}
	if device.Trust == store.TrustBlacklisted {
		return nil, fmt.Errorf("%w: %s/%s is blacklisted", ErrUntrustedDevice, userID, deviceID)
	}
	return m.pairwise.EncryptToDevice(ctx, device, eventType, content)
}

// ToDeviceEvent is one to-device protocol event pushed in by the sync
// engine, in delivery order per sender.
type ToDeviceEvent struct {
	Type    event.Type
	Sender  id.UserID
	Content json.RawMessage
}

// HandleToDeviceEvent ingests one to-device event: encrypted envelopes
// are decrypted and their inner key-distribution payloads applied; key
// requests are fed to the coordinator. Unknown event types are
// ignored.
func (m *Machine) HandleToDeviceEvent(ctx context.Context, evt *ToDeviceEvent) error {
	if err := m.Load(ctx); err != nil {
		return err
	}
	switch evt.Type {
	case event.ToDeviceEncrypted:
		return m.handleEncryptedToDevice(ctx, evt)
	case event.ToDeviceRoomKeyRequest:
		var payload KeyRequestPayload
		if err := unmarshalJSON(evt.Content, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return m.coordinator.HandleKeyRequest(ctx, evt.Sender, &payload)
	default:
		return nil
	}
}

// DecryptToDevice decrypts an encrypted to-device envelope from
// sender and returns the inner payload without dispatching it.
func (m *Machine) DecryptToDevice(ctx context.Context, sender id.UserID, envelope *DeviceEnvelope) (*DevicePlaintext, error) {
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	if envelope.Algorithm != id.AlgorithmOlmV1 {
		return nil, fmt.Errorf("%w: algorithm %q", ErrMalformedEnvelope, envelope.Algorithm)
	}
	if envelope.SenderKey == "" {
		return nil, fmt.Errorf("%w: missing sender key", ErrMalformedEnvelope)
	}
	inner, err := m.pairwise.DecryptToDevice(ctx, envelope.SenderKey, envelope)
	if err != nil {
		return nil, err
	}
	if inner.Sender != sender {
		return nil, fmt.Errorf("%w: payload claims sender %s, delivered by %s",
			ErrMalformedEnvelope, inner.Sender, sender)
	}
	return inner, nil
}

func (m *Machine) handleEncryptedToDevice(ctx context.Context, evt *ToDeviceEvent) error {
	var envelope DeviceEnvelope
	if err := unmarshalJSON(evt.Content, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	inner, err := m.DecryptToDevice(ctx, evt.Sender, &envelope)
	if err != nil {
		return err
	}

	switch inner.Type {
	case event.ToDeviceRoomKey:
		var payload RoomKeyPayload
		if err := unmarshalJSON(inner.Content, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return m.coordinator.HandleRoomKey(ctx, envelope.SenderKey, &payload)
	case event.ToDeviceForwardedRoomKey:
		var payload ForwardedKeyPayload
		if err := unmarshalJSON(inner.Content, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return m.coordinator.HandleForwardedKey(ctx, &payload)
	default:
		m.logger.Debug("ignoring decrypted to-device payload",
			"type", inner.Type.Type, "sender", inner.Sender)
		return nil
	}
}

// HandleDeviceListUpdate refreshes the device lists of the given users
// after the sync engine reported changes.
func (m *Machine) HandleDeviceListUpdate(ctx context.Context, users []id.UserID) error {
	for _, userID := range users {
		if _, err := m.registry.FetchDevices(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// HandleMembershipChange records departed room members; if any held
// the current group session key, the session is rotated before the
// next encryption.
func (m *Machine) HandleMembershipChange(ctx context.Context, roomID id.RoomID, departed []id.UserID) error {
	return m.group.HandleMembershipChange(ctx, roomID, departed)
}

// SetTrust applies an explicit trust transition to a device.
func (m *Machine) SetTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID, state store.TrustState) error {
	return m.registry.SetTrust(ctx, userID, deviceID, state)
}

// TrustState returns a device's current trust state, or
// TrustUnverified for devices never observed.
func (m *Machine) TrustState(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (store.TrustState, error) {
	device, err := m.registry.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return store.TrustUnverified, err
	}
	if device == nil {
		return store.TrustUnverified, nil
	}
	return device.Trust, nil
}

// RetryPendingRequests re-evaluates held key requests, e.g. after a
// trust change.
func (m *Machine) RetryPendingRequests(ctx context.Context) error {
	return m.coordinator.RetryPendingRequests(ctx)
}

// Sweep enforces the queue age bound and key request lifetimes. Invoke
// periodically; the machine runs no background timers of its own.
func (m *Machine) Sweep(ctx context.Context) error {
	return m.coordinator.SweepQueue(ctx)
}

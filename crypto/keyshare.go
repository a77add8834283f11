// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/crypto/store"
	"github.com/weft-im/weft/lib/clock"
)

// ReplayedEvent is a queued event that decrypted successfully after
// its session key arrived.
type ReplayedEvent struct {
	RoomID    id.RoomID
	EventID   string
	Plaintext []byte
}

// DroppedEvent is a queued event that will never decrypt: it exceeded
// the queue's age or size bound, or failed terminally on replay.
type DroppedEvent struct {
	RoomID  id.RoomID
	EventID string
	Reason  error
}

// Hooks are the coordinator's outbound notifications. Nil hooks are
// skipped. They are invoked synchronously while the session lock is
// not held.
type Hooks struct {
	// OnReplay delivers an event decrypted from the retry queue.
	OnReplay func(ReplayedEvent)

	// OnDrop reports a terminal decryption failure for a queued event.
	OnDrop func(DroppedEvent)
}

// Coordinator runs the key request protocol and the
// undecryptable-event retry queue.
//
// Outgoing requests move pending → sent → satisfied or cancelled.
// Incoming requests from devices the policy does not trust are held
// pending; RetryPendingRequests re-evaluates them after a trust
// change.
type Coordinator struct {
	localUser   id.UserID
	localDevice id.DeviceID
	store       store.Store
	transport   Transport
	clock       clock.Clock
	logger      *slog.Logger
	policy      Policy
	hooks       Hooks

	registry *Registry
	pairwise *PairwiseManager
	group    *GroupManager
}

func newCoordinator(localUser id.UserID, localDevice id.DeviceID, s store.Store, t Transport, c clock.Clock, logger *slog.Logger, policy Policy, hooks Hooks, registry *Registry, pairwise *PairwiseManager, group *GroupManager) *Coordinator {
	return &Coordinator{
		localUser:   localUser,
		localDevice: localDevice,
		store:       s,
		transport:   t,
		clock:       c,
		logger:      logger,
		policy:      policy,
		hooks:       hooks,
		registry:    registry,
		pairwise:    pairwise,
		group:       group,
	}
}

func newRequestID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err) // the platform CSPRNG never fails
	}
	return hex.EncodeToString(raw[:])
}

func (c *Coordinator) requestExpired(request *store.KeyRequest) bool {
	timeout := c.policy.KeyRequestTimeout.Std()
	return timeout > 0 && c.clock.Now().Sub(request.CreatedAt) >= timeout
}

// RequestKey asks the local user's other devices for a group session
// key. At most one request per session is outstanding: an existing
// pending or sent request that has not expired is left alone.
func (c *Coordinator) RequestKey(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) error {
	existing, err := c.store.GetKeyRequest(ctx, roomID, sessionID, c.localUser, c.localDevice, true)
	if err != nil {
		return transportErr("loading key request", err)
	}
	if existing != nil {
		switch existing.State {
		case store.RequestPending, store.RequestSent:
			if !c.requestExpired(existing) {
				return nil
			}
			if err := c.cancelRequest(ctx, existing); err != nil {
				return err
			}
		case store.RequestSatisfied:
			return nil
		}
	}

	request := &store.KeyRequest{
		RequestID:         newRequestID(),
		RoomID:            roomID,
		SessionID:         sessionID,
		SenderKey:         senderKey,
		RequesterUserID:   c.localUser,
		RequesterDeviceID: c.localDevice,
		Outgoing:          true,
		State:             store.RequestPending,
		CreatedAt:         c.clock.Now(),
	}
	if err := c.store.PutKeyRequest(ctx, request); err != nil {
		return transportErr("storing key request", err)
	}
	return c.dispatchRequest(ctx, request)
}

// dispatchRequest sends an outgoing request payload to the local
// user's other devices and advances the record to sent. A transport
// failure leaves the record pending for the next sweep.
func (c *Coordinator) dispatchRequest(ctx context.Context, request *store.KeyRequest) error {
	payload := &KeyRequestPayload{
		Action:             ActionRequest,
		RequestID:          request.RequestID,
		RequestingDeviceID: c.localDevice,
		Body: &RequestedKey{
			Algorithm: id.AlgorithmMegolmV1,
			RoomID:    request.RoomID,
			SenderKey: request.SenderKey,
			SessionID: request.SessionID,
		},
	}
	if err := c.sendToOwnDevices(ctx, payload); err != nil {
		return err
	}
	request.State = store.RequestSent
	if err := c.store.PutKeyRequest(ctx, request); err != nil {
		return transportErr("storing key request", err)
	}
	c.logger.Info("key request sent",
		"room_id", request.RoomID, "session_id", request.SessionID, "request_id", request.RequestID)
	return nil
}

func (c *Coordinator) sendToOwnDevices(ctx context.Context, payload *KeyRequestPayload) error {
	devices, err := c.store.GetUserDevices(ctx, c.localUser)
	if err != nil {
		return transportErr("loading devices", err)
	}
	var messages []ToDeviceMessage
	for _, device := range devices {
		if device.DeviceID == c.localDevice || device.Deleted || device.Trust == store.TrustBlacklisted {
			continue
		}
		raw, err := marshalJSON(payload)
		if err != nil {
			return err
		}
		messages = append(messages, ToDeviceMessage{
			UserID:   device.UserID,
			DeviceID: device.DeviceID,
			Content:  raw,
		})
	}
	if len(messages) == 0 {
		return nil
	}
	if err := c.transport.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, messages); err != nil {
		return transportErr("sending key request", err)
	}
	return nil
}

func (c *Coordinator) cancelRequest(ctx context.Context, request *store.KeyRequest) error {
	request.State = store.RequestCancelled
	if err := c.store.PutKeyRequest(ctx, request); err != nil {
		return transportErr("storing key request", err)
	}
	if !request.Outgoing {
		return nil
	}
	payload := &KeyRequestPayload{
		Action:             ActionCancel,
		RequestID:          request.RequestID,
		RequestingDeviceID: c.localDevice,
	}
	if err := c.sendToOwnDevices(ctx, payload); err != nil {
		c.logger.Warn("failed to send request cancellation",
			"request_id", request.RequestID, "error", err)
	}
	return nil
}

// HandleKeyRequest processes an incoming m.room_key_request. Requests
// from other users are ignored; requests from untrusted own devices
// are held pending manual approval or a later trust change, never
// silently auto-approved.
func (c *Coordinator) HandleKeyRequest(ctx context.Context, fromUser id.UserID, payload *KeyRequestPayload) error {
	if payload.Action == ActionCancel {
		return c.handleRequestCancel(ctx, fromUser, payload)
	}
	if payload.Body == nil || payload.RequestingDeviceID == "" {
		return fmt.Errorf("%w: key request without body", ErrMalformedEnvelope)
	}
	if fromUser != c.localUser {
		c.logger.Warn("ignoring key request from another user",
			"user_id", fromUser, "device_id", payload.RequestingDeviceID)
		return nil
	}

	request := &store.KeyRequest{
		RequestID:         payload.RequestID,
		RoomID:            payload.Body.RoomID,
		SessionID:         payload.Body.SessionID,
		SenderKey:         payload.Body.SenderKey,
		RequesterUserID:   fromUser,
		RequesterDeviceID: payload.RequestingDeviceID,
		Outgoing:          false,
		State:             store.RequestPending,
		CreatedAt:         c.clock.Now(),
	}
	if err := c.store.PutKeyRequest(ctx, request); err != nil {
		return transportErr("storing key request", err)
	}
	return c.trySatisfyIncoming(ctx, request)
}

func (c *Coordinator) handleRequestCancel(ctx context.Context, fromUser id.UserID, payload *KeyRequestPayload) error {
	requests, err := c.store.ListKeyRequests(ctx, store.RequestPending)
	if err != nil {
		return transportErr("loading key requests", err)
	}
	for _, request := range requests {
		if request.Outgoing || request.RequestID != payload.RequestID || request.RequesterUserID != fromUser {
			continue
		}
		request.State = store.RequestCancelled
		if err := c.store.PutKeyRequest(ctx, request); err != nil {
			return transportErr("storing key request", err)
		}
	}
	return nil
}

// trySatisfyIncoming forwards the requested key if policy allows it
// and the session is known. The request stays pending when the device
// is not trusted yet or the device record has not been seen.
func (c *Coordinator) trySatisfyIncoming(ctx context.Context, request *store.KeyRequest) error {
	device, err := c.registry.GetDevice(ctx, request.RequesterUserID, request.RequesterDeviceID)
	if err != nil {
		return err
	}
	if device == nil {
		c.logger.Info("holding key request from unknown device",
			"device_id", request.RequesterDeviceID, "request_id", request.RequestID)
		return nil
	}
	if device.Trust == store.TrustBlacklisted {
		c.logger.Warn("refusing key request from blacklisted device",
			"device_id", request.RequesterDeviceID, "request_id", request.RequestID)
		if err := c.cancelRequest(ctx, request); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s/%s is blacklisted", ErrUntrustedDevice, device.UserID, device.DeviceID)
	}
	if device.Trust == store.TrustUnverified && !c.policy.ForwardToUnverified {
		c.logger.Info("holding key request from unverified device",
			"device_id", request.RequesterDeviceID, "request_id", request.RequestID)
		return nil
	}

	sessionKey, firstIndex, err := c.group.ExportSession(ctx, request.RoomID, request.SenderKey, request.SessionID)
	if errors.Is(err, ErrUnknownSession) {
		c.logger.Info("holding key request for unknown session",
			"session_id", request.SessionID, "request_id", request.RequestID)
		return nil
	}
	if err != nil {
		return err
	}

	forwarded := &ForwardedKeyPayload{
		Algorithm:       id.AlgorithmMegolmV1,
		RoomID:          request.RoomID,
		SessionID:       request.SessionID,
		SessionKey:      sessionKey,
		SenderKey:       request.SenderKey,
		FirstKnownIndex: firstIndex,
	}
	envelope, err := c.pairwise.EncryptToDevice(ctx, device, event.ToDeviceForwardedRoomKey, forwarded)
	if err != nil {
		return err
	}
	raw, err := marshalJSON(envelope)
	if err != nil {
		return err
	}
	err = c.transport.SendToDevice(ctx, event.ToDeviceEncrypted, []ToDeviceMessage{{
		UserID:   device.UserID,
		DeviceID: device.DeviceID,
		Content:  raw,
	}})
	if err != nil {
		return transportErr("forwarding room key", err)
	}

	request.State = store.RequestSatisfied
	if err := c.store.PutKeyRequest(ctx, request); err != nil {
		return transportErr("storing key request", err)
	}
	c.logger.Info("forwarded room key",
		"device_id", device.DeviceID, "session_id", request.SessionID, "request_id", request.RequestID)
	return nil
}

// HandleRoomKey imports a session key received directly from its
// originating device, satisfies any outstanding request for it, and
// replays queued ciphertext.
func (c *Coordinator) HandleRoomKey(ctx context.Context, senderKey id.Curve25519, payload *RoomKeyPayload) error {
	return c.importAndReplay(ctx, payload.RoomID, senderKey, payload.SessionID, payload.SessionKey, false)
}

// HandleForwardedKey imports a forwarded session key with its weaker
// provenance, satisfies the outstanding request, and replays queued
// ciphertext.
func (c *Coordinator) HandleForwardedKey(ctx context.Context, payload *ForwardedKeyPayload) error {
	return c.importAndReplay(ctx, payload.RoomID, payload.SenderKey, payload.SessionID, payload.SessionKey, true)
}

func (c *Coordinator) importAndReplay(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID, sessionKey string, forwarded bool) error {
	imported, err := c.group.ImportSession(ctx, roomID, senderKey, sessionID, sessionKey, forwarded)
	if err != nil {
		return err
	}

	request, err := c.store.GetKeyRequest(ctx, roomID, sessionID, c.localUser, c.localDevice, true)
	if err != nil {
		return transportErr("loading key request", err)
	}
	if request != nil && (request.State == store.RequestPending || request.State == store.RequestSent) {
		request.State = store.RequestSatisfied
		if err := c.store.PutKeyRequest(ctx, request); err != nil {
			return transportErr("storing key request", err)
		}
	}

	if !imported {
		return nil
	}
	return c.ReplayQueue(ctx, roomID, senderKey, sessionID)
}

// RetryPendingRequests re-evaluates every pending key request: expired
// ones are cancelled, outgoing ones are re-dispatched, and incoming
// ones are re-checked against trust state (the path by which a request
// held for an untrusted device is satisfied after verification).
func (c *Coordinator) RetryPendingRequests(ctx context.Context) error {
	pending, err := c.store.ListKeyRequests(ctx, store.RequestPending)
	if err != nil {
		return transportErr("loading key requests", err)
	}
	sent, err := c.store.ListKeyRequests(ctx, store.RequestSent)
	if err != nil {
		return transportErr("loading key requests", err)
	}

	for _, request := range append(pending, sent...) {
		if c.requestExpired(request) {
			if err := c.cancelRequest(ctx, request); err != nil {
				return err
			}
			continue
		}
		switch {
		case request.Outgoing && request.State == store.RequestPending:
			if err := c.dispatchRequest(ctx, request); err != nil {
				return err
			}
		case !request.Outgoing:
			if err := c.trySatisfyIncoming(ctx, request); err != nil && !errors.Is(err, ErrUntrustedDevice) {
				return err
			}
		}
	}
	return nil
}

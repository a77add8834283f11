// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/crypto/store"
)

// Enqueue buffers a ciphertext event that arrived before its session
// key. The buffer is bounded per session: when full, the oldest event
// is dropped and surfaced as a terminal failure so the queue cannot
// grow without limit.
func (c *Coordinator) Enqueue(ctx context.Context, evt *store.QueuedEvent) error {
	count, err := c.store.CountQueuedEvents(ctx, evt.RoomID, evt.SenderKey, evt.SessionID)
	if err != nil {
		return transportErr("counting queued events", err)
	}
	if count >= c.policy.QueueMaxPerSession {
		queued, err := c.store.ListQueuedEvents(ctx, evt.RoomID, evt.SenderKey, evt.SessionID)
		if err != nil {
			return transportErr("listing queued events", err)
		}
		oldest := queued[0]
		if err := c.store.DeleteQueuedEvent(ctx, oldest.ID); err != nil {
			return transportErr("deleting queued event", err)
		}
		c.drop(oldest, fmt.Errorf("retry queue full for session %s", evt.SessionID))
	}

	evt.ArrivedAt = c.clock.Now()
	if err := c.store.PutQueuedEvent(ctx, evt); err != nil {
		return transportErr("storing queued event", err)
	}
	return nil
}

// ReplayQueue re-attempts every buffered event for one session key in
// arrival order. Successful decrypts are delivered through the
// OnReplay hook and removed; terminal failures are dropped and
// surfaced; an event that still has no session stays buffered.
func (c *Coordinator) ReplayQueue(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) error {
	queued, err := c.store.ListQueuedEvents(ctx, roomID, senderKey, sessionID)
	if err != nil {
		return transportErr("listing queued events", err)
	}
	for _, evt := range queued {
		var envelope GroupEnvelope
		if err := c.decodeEnvelope(evt.Envelope, &envelope); err != nil {
			if err := c.store.DeleteQueuedEvent(ctx, evt.ID); err != nil {
				return transportErr("deleting queued event", err)
			}
			c.drop(evt, err)
			continue
		}
		plaintext, _, err := c.group.Decrypt(ctx, roomID, senderKey, sessionID, envelope.Ciphertext)
		switch {
		case err == nil:
			if err := c.store.DeleteQueuedEvent(ctx, evt.ID); err != nil {
				return transportErr("deleting queued event", err)
			}
			c.logger.Info("replayed queued event",
				"room_id", roomID, "event_id", evt.EventID, "session_id", sessionID)
			if c.hooks.OnReplay != nil {
				c.hooks.OnReplay(ReplayedEvent{RoomID: roomID, EventID: evt.EventID, Plaintext: plaintext})
			}
		case errors.Is(err, ErrUnknownSession):
			// The key has not arrived after all; leave it buffered.
			return nil
		case IsTransportFailure(err):
			return err
		default:
			// Duplicate, unavailable index, or malformed: terminal.
			if err := c.store.DeleteQueuedEvent(ctx, evt.ID); err != nil {
				return transportErr("deleting queued event", err)
			}
			c.drop(evt, err)
		}
	}
	return nil
}

// SweepQueue drops events that waited longer than the queue's age
// bound, surfacing each as a terminal failure, and expires outstanding
// key requests.
func (c *Coordinator) SweepQueue(ctx context.Context) error {
	maxAge := c.policy.QueueMaxAge.Std()
	if maxAge > 0 {
		dropped, err := c.store.DeleteQueuedEventsBefore(ctx, c.clock.Now().Add(-maxAge))
		if err != nil {
			return transportErr("expiring queued events", err)
		}
		for _, evt := range dropped {
			c.drop(evt, fmt.Errorf("no session key arrived within %s", maxAge))
		}
	}
	return c.RetryPendingRequests(ctx)
}

func (c *Coordinator) drop(evt *store.QueuedEvent, reason error) {
	c.logger.Warn("dropping undecryptable event",
		"room_id", evt.RoomID, "event_id", evt.EventID,
		"session_id", evt.SessionID, "reason", reason)
	if c.hooks.OnDrop != nil {
		c.hooks.OnDrop(DroppedEvent{RoomID: evt.RoomID, EventID: evt.EventID, Reason: reason})
	}
}

func (c *Coordinator) decodeEnvelope(raw []byte, envelope *GroupEnvelope) error {
	if err := unmarshalJSON(raw, envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Ciphertext == "" {
		return fmt.Errorf("%w: empty ciphertext", ErrMalformedEnvelope)
	}
	return nil
}

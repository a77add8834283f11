// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements the end-to-end encryption machine: device
// and trust tracking, pairwise ratchet sessions, group ratchet
// sessions, one-time-key inventory, the key request/forward protocol,
// and the retry queue for ciphertext that arrives before its key.
//
// # Structure
//
// The [Machine] is the only type callers construct. It composes four
// managers, each owning one slice of the crypto state:
//
//   - [Registry] tracks devices per user and their trust state,
//     including cross-signing chain resolution.
//   - [PairwiseManager] owns one-to-one ratchet sessions and the
//     local device's one-time-key inventory.
//   - [GroupManager] owns per-room outbound sessions (rotation,
//     recipient tracking) and inbound sessions (import, floor
//     tracking).
//   - [Coordinator] runs the key request state machine and the
//     undecryptable-event retry queue.
//
// All durable state lives in a [store.Store]; the managers hold only
// caches that can be rebuilt from it, so a machine constructed over an
// existing store resumes exactly where the previous process stopped.
// Ratchet math is delegated to a [ratchet.Provider] and never
// reimplemented here.
//
// # Concurrency
//
// Encrypt and decrypt calls for different sessions run in parallel.
// Mutations of any one session identity are serialized by a
// per-identity lock: the ratchet must advance exactly once per message
// and the new pickle must be durable before the result is released.
// One-time-key replenishment is serialized per machine so concurrent
// upload attempts cannot allocate overlapping key IDs.
//
// # Errors
//
// Decryption failures are surfaced, never downgraded: see
// [ErrUnknownSession], [ErrDuplicateMessage],
// [ErrMessageIndexUnavailable], [ErrUntrustedDevice] and
// [ErrMalformedEnvelope]. Transport and store I/O failures wrap
// [TransportError] and abort only the operation that hit them.
package crypto

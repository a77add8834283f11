// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/crypto/store"
	"github.com/weft-im/weft/lib/clock"
	"github.com/weft-im/weft/ratchet"
)

// PairwiseManager owns the local ratchet account, all one-to-one
// sessions, and the one-time-key inventory.
//
// Every mutation of a session follows the same commit discipline: the
// ratchet advances exactly once, the new pickle is written to the
// store, and only then is the result released to the caller. A crash
// before the store write means the message was never sent/received; a
// crash after it is indistinguishable from normal operation.
type PairwiseManager struct {
	localUser   id.UserID
	localDevice id.DeviceID
	store       store.Store
	provider    ratchet.Provider
	transport   Transport
	clock       clock.Clock
	logger      *slog.Logger
	policy      Policy
	pickleKey   []byte

	accountMu sync.Mutex
	account   ratchet.Account

	// otkMu serializes replenishment so concurrent uploads cannot
	// allocate overlapping key IDs.
	otkMu sync.Mutex

	// locks serializes all mutations per remote identity key. Sessions
	// are keyed by sender key, so this covers every session with one
	// device.
	locks *lockMap
}

func newPairwiseManager(localUser id.UserID, localDevice id.DeviceID, s store.Store, provider ratchet.Provider, t Transport, c clock.Clock, logger *slog.Logger, policy Policy, pickleKey []byte) *PairwiseManager {
	return &PairwiseManager{
		localUser:   localUser,
		localDevice: localDevice,
		store:       s,
		provider:    provider,
		transport:   t,
		clock:       c,
		logger:      logger,
		policy:      policy,
		pickleKey:   pickleKey,
		locks:       newLockMap(),
	}
}

// loadAccount returns the local ratchet account, creating and
// persisting a fresh one on first use.
func (p *PairwiseManager) loadAccount(ctx context.Context) (ratchet.Account, error) {
	p.accountMu.Lock()
	defer p.accountMu.Unlock()
	if p.account != nil {
		return p.account, nil
	}

	record, err := p.store.GetAccount(ctx)
	if err != nil {
		return nil, transportErr("loading account", err)
	}
	if record != nil {
		account, err := p.provider.AccountFromPickled(record.Pickle, p.pickleKey)
		if err != nil {
			return nil, fmt.Errorf("crypto: unpickling account: %w", err)
		}
		p.account = account
		return account, nil
	}

	account, err := p.provider.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("crypto: creating account: %w", err)
	}
	if err := p.persistAccountLocked(ctx, account, 0); err != nil {
		return nil, err
	}
	p.logger.Info("created new ratchet account")
	p.account = account
	return account, nil
}

func (p *PairwiseManager) persistAccountLocked(ctx context.Context, account ratchet.Account, serverOTKCount int) error {
	pickle, err := account.Pickle(p.pickleKey)
	if err != nil {
		return fmt.Errorf("crypto: pickling account: %w", err)
	}
	err = p.store.PutAccount(ctx, &store.Account{
		Pickle:         pickle,
		ServerOTKCount: serverOTKCount,
		UpdatedAt:      p.clock.Now(),
	})
	if err != nil {
		return transportErr("storing account", err)
	}
	return nil
}

func (p *PairwiseManager) persistAccount(ctx context.Context, account ratchet.Account, serverOTKCount int) error {
	p.accountMu.Lock()
	defer p.accountMu.Unlock()
	return p.persistAccountLocked(ctx, account, serverOTKCount)
}

// IdentityKeys returns the local device's signing and identity keys.
func (p *PairwiseManager) IdentityKeys(ctx context.Context) (id.Ed25519, id.Curve25519, error) {
	account, err := p.loadAccount(ctx)
	if err != nil {
		return "", "", err
	}
	return account.IdentityKeys()
}

// SignedDeviceKeys builds the local device's identity key block with
// its self-signature, for the first key upload.
func (p *PairwiseManager) SignedDeviceKeys(ctx context.Context) (*DeviceKeys, error) {
	account, err := p.loadAccount(ctx)
	if err != nil {
		return nil, err
	}
	signing, identity, err := account.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("crypto: reading identity keys: %w", err)
	}
	canonical, err := json.Marshal(map[string]any{
		"user_id":   p.localUser,
		"device_id": p.localDevice,
		"keys": map[string]string{
			"curve25519:" + string(p.localDevice): string(identity),
			"ed25519:" + string(p.localDevice):    string(signing),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding device keys: %w", err)
	}
	signature, err := p.sign(account, canonical)
	if err != nil {
		return nil, err
	}
	return &DeviceKeys{
		UserID:        p.localUser,
		DeviceID:      p.localDevice,
		IdentityKey:   identity,
		SigningKey:    signing,
		SignedJSON:    canonical,
		SelfSignature: signature,
	}, nil
}

// sign returns the raw ed25519 signature over message.
func (p *PairwiseManager) sign(account ratchet.Account, message []byte) ([]byte, error) {
	encoded, err := account.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("crypto: signing: %w", err)
	}
	raw, err := base64.RawStdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding signature: %w", err)
	}
	return raw, nil
}

// EnsureKeysUploaded replenishes the server-side one-time-key pool if
// the acknowledged count is below the low-water mark, restoring the
// high-water mark (clamped to the account's capacity). Serialized per
// machine. includeDeviceKeys attaches the identity key block, needed
// on the first upload.
func (p *PairwiseManager) EnsureKeysUploaded(ctx context.Context, includeDeviceKeys bool) error {
	p.otkMu.Lock()
	defer p.otkMu.Unlock()

	account, err := p.loadAccount(ctx)
	if err != nil {
		return err
	}
	record, err := p.store.GetAccount(ctx)
	if err != nil {
		return transportErr("loading account", err)
	}
	serverCount := 0
	if record != nil {
		serverCount = record.ServerOTKCount
	}

	highWater := p.policy.OTKHighWater
	if capacity := int(account.MaxOneTimeKeys()); highWater > capacity {
		highWater = capacity
	}
	if serverCount >= p.policy.OTKLowWater && !includeDeviceKeys {
		return nil
	}

	request := &KeyUploadRequest{}
	if includeDeviceKeys {
		request.DeviceKeys, err = p.SignedDeviceKeys(ctx)
		if err != nil {
			return err
		}
	}

	if need := highWater - serverCount; need > 0 {
		if err := account.GenerateOneTimeKeys(uint(need)); err != nil {
			return fmt.Errorf("crypto: generating one-time keys: %w", err)
		}
		switch err := account.GenerateFallbackKey(); {
		case err == nil, errors.Is(err, ratchet.ErrFallbackUnsupported):
		default:
			return fmt.Errorf("crypto: generating fallback key: %w", err)
		}

		unpublished, err := account.UnpublishedOneTimeKeys()
		if err != nil {
			return fmt.Errorf("crypto: listing one-time keys: %w", err)
		}
		for keyID, key := range unpublished {
			signed, err := p.signOneTimeKey(account, key)
			if err != nil {
				return err
			}
			signed.KeyID = keyID
			request.OneTimeKeys = append(request.OneTimeKeys, *signed)
		}
		fallback, err := account.UnpublishedFallbackKey()
		if err != nil && !errors.Is(err, ratchet.ErrFallbackUnsupported) {
			return fmt.Errorf("crypto: listing fallback key: %w", err)
		}
		for keyID, key := range fallback {
			signed, err := p.signOneTimeKey(account, key)
			if err != nil {
				return err
			}
			signed.KeyID = keyID
			signed.Fallback = true
			request.OneTimeKeys = append(request.OneTimeKeys, *signed)
		}

		// The fresh private keys must be durable before the server
		// learns the public halves, or a crash strands claimed keys.
		if err := p.persistAccount(ctx, account, serverCount); err != nil {
			return err
		}
	}

	if request.DeviceKeys == nil && len(request.OneTimeKeys) == 0 {
		return nil
	}
	resp, err := p.transport.UploadKeys(ctx, request)
	if err != nil {
		return transportErr("uploading keys", err)
	}
	if err := account.MarkKeysAsPublished(); err != nil {
		return fmt.Errorf("crypto: marking keys published: %w", err)
	}
	if err := p.persistAccount(ctx, account, resp.OneTimeKeyCount); err != nil {
		return err
	}
	p.logger.Info("one-time keys replenished",
		"uploaded", len(request.OneTimeKeys), "server_count", resp.OneTimeKeyCount)
	return nil
}

// HandleOneTimeKeyCount records the server-acknowledged one-time-key
// count and replenishes if it fell below the low-water mark.
func (p *PairwiseManager) HandleOneTimeKeyCount(ctx context.Context, count int) error {
	account, err := p.loadAccount(ctx)
	if err != nil {
		return err
	}
	if err := p.persistAccount(ctx, account, count); err != nil {
		return err
	}
	return p.EnsureKeysUploaded(ctx, false)
}

func (p *PairwiseManager) signOneTimeKey(account ratchet.Account, key id.Curve25519) (*OneTimeKey, error) {
	canonical, err := json.Marshal(map[string]string{"key": string(key)})
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding one-time key: %w", err)
	}
	signature, err := p.sign(account, canonical)
	if err != nil {
		return nil, err
	}
	return &OneTimeKey{Key: key, Signature: signature}, nil
}

// getOrCreateOutbound returns the most-recently-used session with a
// device, establishing a fresh one via a one-time-key claim when none
// exists or the newest exceeds the configured age. Caller must hold
// the device's lock.
func (p *PairwiseManager) getOrCreateOutbound(ctx context.Context, device *store.Device) (ratchet.Session, *store.PairwiseSession, error) {
	sessions, err := p.store.GetPairwiseSessions(ctx, device.IdentityKey)
	if err != nil {
		return nil, nil, transportErr("loading sessions", err)
	}
	if len(sessions) > 0 {
		newest := sessions[0]
		maxAge := p.policy.PairwiseMaxAge.Std()
		if maxAge == 0 || p.clock.Now().Sub(newest.CreatedAt) < maxAge {
			session, err := p.provider.SessionFromPickled(newest.Pickle, p.pickleKey)
			if err != nil {
				return nil, nil, fmt.Errorf("crypto: unpickling session %s: %w", newest.SessionID, err)
			}
			return session, newest, nil
		}
	}

	account, err := p.loadAccount(ctx)
	if err != nil {
		return nil, nil, err
	}
	resp, err := p.transport.ClaimOneTimeKeys(ctx, map[id.UserID][]id.DeviceID{
		device.UserID: {device.DeviceID},
	})
	if err != nil {
		return nil, nil, transportErr("claiming one-time key", err)
	}
	claimed, ok := resp.Keys[device.UserID][device.DeviceID]
	if !ok {
		return nil, nil, fmt.Errorf("crypto: no one-time key available for %s/%s", device.UserID, device.DeviceID)
	}

	session, err := account.NewOutboundSession(device.IdentityKey, claimed.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: creating outbound session: %w", err)
	}
	record := &store.PairwiseSession{
		SenderKey: device.IdentityKey,
		SessionID: session.ID(),
		CreatedAt: p.clock.Now(),
		LastUsed:  p.clock.Now(),
	}
	if err := p.persistSession(ctx, session, record); err != nil {
		return nil, nil, err
	}
	p.logger.Info("established outbound pairwise session",
		"user_id", device.UserID, "device_id", device.DeviceID, "session_id", session.ID())
	return session, record, nil
}

func (p *PairwiseManager) persistSession(ctx context.Context, session ratchet.Session, record *store.PairwiseSession) error {
	pickle, err := session.Pickle(p.pickleKey)
	if err != nil {
		return fmt.Errorf("crypto: pickling session %s: %w", record.SessionID, err)
	}
	record.Pickle = pickle
	record.LastUsed = p.clock.Now()
	if err := p.store.PutPairwiseSession(ctx, record); err != nil {
		return transportErr("storing session", err)
	}
	return nil
}

// EncryptToDevice encrypts one payload to a single device, advancing
// the pairwise ratchet exactly once. The new ratchet state is durable
// before the envelope is returned.
func (p *PairwiseManager) EncryptToDevice(ctx context.Context, device *store.Device, eventType event.Type, content any) (*DeviceEnvelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding payload: %w", err)
	}
	plaintext, err := json.Marshal(&DevicePlaintext{
		Type:         eventType,
		Content:      raw,
		Sender:       p.localUser,
		SenderDevice: p.localDevice,
		Recipient:    device.UserID,
		RecipientKey: device.SigningKey,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: encoding plaintext: %w", err)
	}

	unlock := p.locks.lock(string(device.IdentityKey))
	defer unlock()

	session, record, err := p.getOrCreateOutbound(ctx, device)
	if err != nil {
		return nil, err
	}
	msgType, ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypto: pairwise encrypt: %w", err)
	}
	// Commit point: the advanced ratchet must be durable before the
	// ciphertext is sendable, or a crash could reuse the same state.
	if err := p.persistSession(ctx, session, record); err != nil {
		return nil, err
	}

	_, senderKey, err := p.IdentityKeys(ctx)
	if err != nil {
		return nil, err
	}
	return &DeviceEnvelope{
		Algorithm:  id.AlgorithmOlmV1,
		SenderKey:  senderKey,
		SessionID:  record.SessionID,
		Type:       msgType,
		Ciphertext: string(ciphertext),
	}, nil
}

// DecryptToDevice decrypts a pairwise envelope from senderKey. A
// pre-key envelope with no matching session establishes a new inbound
// session from its embedded key material; a normal envelope referencing
// an unknown session fails with ErrUnknownSession. Decrypting the same
// ciphertext twice fails with ErrDuplicateMessage.
func (p *PairwiseManager) DecryptToDevice(ctx context.Context, senderKey id.Curve25519, envelope *DeviceEnvelope) (*DevicePlaintext, error) {
	if envelope.Ciphertext == "" {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrMalformedEnvelope)
	}

	unlock := p.locks.lock(string(senderKey))
	defer unlock()

	hash := blake3.Sum256([]byte(envelope.Ciphertext))
	seen, err := p.store.HasMessageHash(ctx, hash[:])
	if err != nil {
		return nil, transportErr("checking message hash", err)
	}
	if seen {
		p.logger.Warn("replayed pairwise ciphertext", "sender_key", senderKey)
		return nil, ErrDuplicateMessage
	}

	var plaintext []byte
	switch envelope.Type {
	case ratchet.PreKey:
		plaintext, err = p.decryptPreKey(ctx, senderKey, envelope.Ciphertext)
	case ratchet.Normal:
		plaintext, err = p.decryptNormal(ctx, senderKey, envelope.SessionID, envelope.Ciphertext)
	default:
		return nil, fmt.Errorf("%w: envelope type %d", ErrMalformedEnvelope, envelope.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := p.store.PutMessageHash(ctx, hash[:], "", p.clock.Now()); err != nil {
		return nil, transportErr("storing message hash", err)
	}

	var inner DevicePlaintext
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, fmt.Errorf("%w: undecodable plaintext: %v", ErrMalformedEnvelope, err)
	}
	if inner.Recipient != p.localUser {
		return nil, fmt.Errorf("%w: payload addressed to %s", ErrMalformedEnvelope, inner.Recipient)
	}
	ownSigning, _, err := p.IdentityKeys(ctx)
	if err != nil {
		return nil, err
	}
	if inner.RecipientKey != ownSigning {
		return nil, fmt.Errorf("%w: payload bound to a different device key", ErrMalformedEnvelope)
	}
	return &inner, nil
}

func (p *PairwiseManager) decryptPreKey(ctx context.Context, senderKey id.Curve25519, ciphertext string) ([]byte, error) {
	sessions, err := p.store.GetPairwiseSessions(ctx, senderKey)
	if err != nil {
		return nil, transportErr("loading sessions", err)
	}
	for _, record := range sessions {
		session, err := p.provider.SessionFromPickled(record.Pickle, p.pickleKey)
		if err != nil {
			return nil, fmt.Errorf("crypto: unpickling session %s: %w", record.SessionID, err)
		}
		matches, err := session.MatchesPreKeyMessage(senderKey, ciphertext)
		if err != nil || !matches {
			continue
		}
		plaintext, err := session.Decrypt(ciphertext, ratchet.PreKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if err := p.persistSession(ctx, session, record); err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	account, err := p.loadAccount(ctx)
	if err != nil {
		return nil, err
	}
	session, err := account.NewInboundSession(senderKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: creating inbound session: %v", ErrMalformedEnvelope, err)
	}
	// The envelope consumed one of our one-time keys; the account
	// state without that key must be durable before the plaintext is
	// released.
	if err := p.persistAccount(ctx, account, p.storedOTKCount(ctx)); err != nil {
		return nil, err
	}
	plaintext, err := session.Decrypt(ciphertext, ratchet.PreKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	record := &store.PairwiseSession{
		SenderKey: senderKey,
		SessionID: session.ID(),
		CreatedAt: p.clock.Now(),
	}
	if err := p.persistSession(ctx, session, record); err != nil {
		return nil, err
	}
	p.logger.Info("established inbound pairwise session",
		"sender_key", senderKey, "session_id", session.ID())
	return plaintext, nil
}

func (p *PairwiseManager) decryptNormal(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, ciphertext string) ([]byte, error) {
	record, err := p.store.GetPairwiseSession(ctx, senderKey, sessionID)
	if err != nil {
		return nil, transportErr("loading session", err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: pairwise session %s", ErrUnknownSession, sessionID)
	}
	session, err := p.provider.SessionFromPickled(record.Pickle, p.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: unpickling session %s: %w", sessionID, err)
	}
	plaintext, err := session.Decrypt(ciphertext, ratchet.Normal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := p.persistSession(ctx, session, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (p *PairwiseManager) storedOTKCount(ctx context.Context) int {
	record, err := p.store.GetAccount(ctx)
	if err != nil || record == nil {
		return 0
	}
	return record.ServerOTKCount
}

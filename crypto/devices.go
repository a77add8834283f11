// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/crypto/store"
	"github.com/weft-im/weft/lib/clock"
)

// Registry tracks devices per user and their trust state. It is the
// only component that mutates trust: device-list merges, explicit
// SetTrust calls, and cross-signing chain resolution.
type Registry struct {
	localUser id.UserID
	store     store.Store
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger

	// queries collapses concurrent key queries for the same user into
	// one transport call.
	queries singleflight.Group
}

func newRegistry(localUser id.UserID, s store.Store, t Transport, c clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		localUser: localUser,
		store:     s,
		transport: t,
		clock:     c,
		logger:    logger,
	}
}

// UpdateDevices merges a server-reported device list for one user.
// New devices are created unverified. A changed identity key for a
// known device identifier is a distinct logical device: the old trust
// never carries over, and the event is logged as a security signal.
// Known devices absent from the report are marked deleted.
func (r *Registry) UpdateDevices(ctx context.Context, userID id.UserID, devices []DeviceKeys, crossSigning *CrossSigningBundle) error {
	existing, err := r.store.GetUserDevices(ctx, userID)
	if err != nil {
		return transportErr("loading devices", err)
	}
	known := make(map[id.DeviceID]*store.Device, len(existing))
	for _, device := range existing {
		known[device.DeviceID] = device
	}

	reported := make(map[id.DeviceID]bool, len(devices))
	for _, keys := range devices {
		if keys.UserID != userID {
			continue
		}
		reported[keys.DeviceID] = true
		if !r.verifySelfSignature(keys) {
			r.logger.Warn("rejecting device keys with invalid self-signature",
				"user_id", userID, "device_id", keys.DeviceID)
			continue
		}

		current := known[keys.DeviceID]
		switch {
		case current == nil:
			record := &store.Device{
				UserID:      userID,
				DeviceID:    keys.DeviceID,
				IdentityKey: keys.IdentityKey,
				SigningKey:  keys.SigningKey,
				DisplayName: keys.DisplayName,
				Trust:       store.TrustUnverified,
				FirstSeen:   r.clock.Now(),
			}
			if err := r.store.PutDevice(ctx, record); err != nil {
				return transportErr("storing device", err)
			}
		case current.IdentityKey != keys.IdentityKey:
			r.logger.Warn("identity key changed for known device, resetting trust",
				"user_id", userID, "device_id", keys.DeviceID,
				"old_key", current.IdentityKey, "new_key", keys.IdentityKey)
			record := &store.Device{
				UserID:      userID,
				DeviceID:    keys.DeviceID,
				IdentityKey: keys.IdentityKey,
				SigningKey:  keys.SigningKey,
				DisplayName: keys.DisplayName,
				Trust:       store.TrustUnverified,
				FirstSeen:   r.clock.Now(),
			}
			if err := r.store.PutDevice(ctx, record); err != nil {
				return transportErr("storing device", err)
			}
		default:
			current.DisplayName = keys.DisplayName
			current.SigningKey = keys.SigningKey
			current.Deleted = false
			if err := r.store.PutDevice(ctx, current); err != nil {
				return transportErr("storing device", err)
			}
		}
	}

	for deviceID, device := range known {
		if reported[deviceID] || device.Deleted {
			continue
		}
		device.Deleted = true
		if err := r.store.PutDevice(ctx, device); err != nil {
			return transportErr("storing device", err)
		}
	}

	if crossSigning != nil {
		if err := r.storeCrossSigning(ctx, userID, crossSigning); err != nil {
			return err
		}
	}
	return r.ResolveCrossSigning(ctx, userID)
}

func (r *Registry) storeCrossSigning(ctx context.Context, userID id.UserID, bundle *CrossSigningBundle) error {
	for usage, key := range map[string]id.Ed25519{
		store.UsageMaster:      bundle.Master,
		store.UsageSelfSigning: bundle.SelfSigning,
		store.UsageUserSigning: bundle.UserSigning,
	} {
		if key == "" {
			continue
		}
		err := r.store.PutCrossSigningKey(ctx, &store.CrossSigningKey{UserID: userID, Usage: usage, Key: key})
		if err != nil {
			return transportErr("storing cross-signing key", err)
		}
	}
	for _, link := range bundle.Signatures {
		err := r.store.PutSignature(ctx, &store.KeySignature{
			SignerUserID: link.SignerUserID,
			SignerKey:    link.SignerKey,
			TargetUserID: link.TargetUserID,
			TargetKey:    link.TargetKey,
			Signature:    link.Signature,
		})
		if err != nil {
			return transportErr("storing signature", err)
		}
	}
	return nil
}

// FetchDevices queries the transport for a user's current device list,
// merges it, and returns the stored records. Concurrent fetches for
// the same user share one transport call.
func (r *Registry) FetchDevices(ctx context.Context, userID id.UserID) ([]*store.Device, error) {
	_, err, _ := r.queries.Do(string(userID), func() (any, error) {
		resp, err := r.transport.QueryKeys(ctx, []id.UserID{userID})
		if err != nil {
			return nil, transportErr("querying keys", err)
		}
		var bundle *CrossSigningBundle
		if b, ok := resp.CrossSigning[userID]; ok {
			bundle = &b
		}
		return nil, r.UpdateDevices(ctx, userID, resp.Devices[userID], bundle)
	})
	if err != nil {
		return nil, err
	}
	devices, err := r.store.GetUserDevices(ctx, userID)
	if err != nil {
		return nil, transportErr("loading devices", err)
	}
	return devices, nil
}

// GetDevice returns the stored record for one device, or nil if it was
// never observed.
func (r *Registry) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*store.Device, error) {
	device, err := r.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, transportErr("loading device", err)
	}
	return device, nil
}

// DeviceByIdentityKey finds a user's device by its curve25519 identity
// key. Nil if no non-deleted device matches.
func (r *Registry) DeviceByIdentityKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*store.Device, error) {
	devices, err := r.store.GetUserDevices(ctx, userID)
	if err != nil {
		return nil, transportErr("loading devices", err)
	}
	for _, device := range devices {
		if device.IdentityKey == identityKey && !device.Deleted {
			return device, nil
		}
	}
	return nil, nil
}

// SetTrust applies an explicit trust transition to a device.
func (r *Registry) SetTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID, state store.TrustState) error {
	device, err := r.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return transportErr("loading device", err)
	}
	if device == nil {
		return fmt.Errorf("crypto: set trust: unknown device %s/%s", userID, deviceID)
	}
	if device.Trust == state {
		return nil
	}
	if state == store.TrustBlacklisted {
		r.logger.Warn("device blacklisted", "user_id", userID, "device_id", deviceID)
	} else {
		r.logger.Info("device trust changed",
			"user_id", userID, "device_id", deviceID,
			"old", device.Trust, "new", state)
	}
	device.Trust = state
	if err := r.store.PutDevice(ctx, device); err != nil {
		return transportErr("storing device", err)
	}
	return nil
}

// ResolveCrossSigning recomputes cross-signed-verified status for all
// of a user's devices from the stored signature chain. Idempotent; it
// promotes unverified devices with a valid chain and demotes
// cross-signed devices whose chain no longer holds. Explicitly
// verified and blacklisted devices are never touched.
func (r *Registry) ResolveCrossSigning(ctx context.Context, userID id.UserID) error {
	devices, err := r.store.GetUserDevices(ctx, userID)
	if err != nil {
		return transportErr("loading devices", err)
	}
	keys, err := r.store.GetCrossSigningKeys(ctx, userID)
	if err != nil {
		return transportErr("loading cross-signing keys", err)
	}
	master, hasMaster := keys[store.UsageMaster]
	selfSigning, hasSelfSigning := keys[store.UsageSelfSigning]

	chainValid := false
	if hasMaster && hasSelfSigning {
		trusted, err := r.masterTrusted(ctx, userID, master.Key)
		if err != nil {
			return err
		}
		if trusted {
			linked, err := r.store.IsSignedBy(ctx, userID, master.Key, userID, selfSigning.Key)
			if err != nil {
				return transportErr("checking signature", err)
			}
			chainValid = linked
		}
	}

	for _, device := range devices {
		signed := false
		if chainValid {
			signed, err = r.store.IsSignedBy(ctx, userID, selfSigning.Key, userID, device.SigningKey)
			if err != nil {
				return transportErr("checking signature", err)
			}
		}
		switch {
		case signed && device.Trust == store.TrustUnverified:
			device.Trust = store.TrustCrossSignedVerified
		case !signed && device.Trust == store.TrustCrossSignedVerified:
			device.Trust = store.TrustUnverified
		default:
			continue
		}
		if err := r.store.PutDevice(ctx, device); err != nil {
			return transportErr("storing device", err)
		}
		r.logger.Info("cross-signing resolution changed device trust",
			"user_id", userID, "device_id", device.DeviceID, "trust", device.Trust)
	}
	return nil
}

// masterTrusted reports whether a user's master key anchors a trusted
// chain: the local user's own master is trusted implicitly, another
// user's master must be signed by the local user-signing key.
func (r *Registry) masterTrusted(ctx context.Context, userID id.UserID, masterKey id.Ed25519) (bool, error) {
	if userID == r.localUser {
		return true, nil
	}
	ownKeys, err := r.store.GetCrossSigningKeys(ctx, r.localUser)
	if err != nil {
		return false, transportErr("loading cross-signing keys", err)
	}
	userSigning, ok := ownKeys[store.UsageUserSigning]
	if !ok {
		return false, nil
	}
	signed, err := r.store.IsSignedBy(ctx, r.localUser, userSigning.Key, userID, masterKey)
	if err != nil {
		return false, transportErr("checking signature", err)
	}
	return signed, nil
}

// verifySelfSignature checks the device's ed25519 signature over its
// published keys. Keys without an attached signature are accepted;
// transports that pre-verify omit it.
func (r *Registry) verifySelfSignature(keys DeviceKeys) bool {
	if len(keys.SelfSignature) == 0 {
		return true
	}
	pub, err := decodeEd25519(keys.SigningKey)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, keys.SignedJSON, keys.SelfSignature)
}

func decodeEd25519(key id.Ed25519) (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil {
		return nil, fmt.Errorf("decoding ed25519 key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"log/slog"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/crypto/store"
	"github.com/weft-im/weft/lib/clock"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	registry := newRegistry("@alice:example.org", st, nil, clock.Fake(time.UnixMilli(1_700_000_000_000)), slog.New(slog.DiscardHandler))
	return registry, st
}

func deviceKeys(user id.UserID, device id.DeviceID, identity id.Curve25519, signing id.Ed25519) DeviceKeys {
	return DeviceKeys{UserID: user, DeviceID: device, IdentityKey: identity, SigningKey: signing}
}

func TestUpdateDevicesMerge(t *testing.T) {
	ctx := context.Background()
	registry, st := newTestRegistry(t)
	bob := id.UserID("@bob:example.org")

	err := registry.UpdateDevices(ctx, bob, []DeviceKeys{
		deviceKeys(bob, "PHONE", "curve-phone", "ed-phone"),
		deviceKeys(bob, "LAPTOP", "curve-laptop", "ed-laptop"),
	}, nil)
	if err != nil {
		t.Fatalf("UpdateDevices: %v", err)
	}
	phone, err := st.GetDevice(ctx, bob, "PHONE")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if phone.Trust != store.TrustUnverified || phone.FirstSeen.IsZero() {
		t.Errorf("new device = %+v, want unverified with first-seen set", phone)
	}

	// A report without the laptop marks it deleted; its later
	// reappearance with the same identity key undeletes it.
	err = registry.UpdateDevices(ctx, bob, []DeviceKeys{
		deviceKeys(bob, "PHONE", "curve-phone", "ed-phone"),
	}, nil)
	if err != nil {
		t.Fatalf("UpdateDevices (shrink): %v", err)
	}
	laptop, _ := st.GetDevice(ctx, bob, "LAPTOP")
	if !laptop.Deleted {
		t.Error("absent device was not marked deleted")
	}

	err = registry.UpdateDevices(ctx, bob, []DeviceKeys{
		deviceKeys(bob, "PHONE", "curve-phone", "ed-phone"),
		deviceKeys(bob, "LAPTOP", "curve-laptop", "ed-laptop"),
	}, nil)
	if err != nil {
		t.Fatalf("UpdateDevices (regrow): %v", err)
	}
	laptop, _ = st.GetDevice(ctx, bob, "LAPTOP")
	if laptop.Deleted {
		t.Error("reappeared device is still marked deleted")
	}
}

func TestIdentityKeyChangeResetsTrust(t *testing.T) {
	ctx := context.Background()
	registry, st := newTestRegistry(t)
	bob := id.UserID("@bob:example.org")

	err := registry.UpdateDevices(ctx, bob, []DeviceKeys{
		deviceKeys(bob, "PHONE", "curve-old", "ed-old"),
	}, nil)
	if err != nil {
		t.Fatalf("UpdateDevices: %v", err)
	}
	if err := registry.SetTrust(ctx, bob, "PHONE", store.TrustVerified); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}

	// The same device identifier reappears with a different identity
	// key: a distinct logical device, so verification must not carry
	// over.
	err = registry.UpdateDevices(ctx, bob, []DeviceKeys{
		deviceKeys(bob, "PHONE", "curve-new", "ed-new"),
	}, nil)
	if err != nil {
		t.Fatalf("UpdateDevices (key change): %v", err)
	}
	phone, err := st.GetDevice(ctx, bob, "PHONE")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if phone.Trust != store.TrustUnverified {
		t.Errorf("trust after identity key change = %s, want unverified", phone.Trust)
	}
	if phone.IdentityKey != "curve-new" {
		t.Errorf("identity key = %s, want curve-new", phone.IdentityKey)
	}
}

func TestCrossSigningResolution(t *testing.T) {
	ctx := context.Background()
	registry, st := newTestRegistry(t)
	alice := id.UserID("@alice:example.org")

	bundle := &CrossSigningBundle{
		Master:      "msk",
		SelfSigning: "ssk",
		Signatures: []SignatureLink{
			{SignerUserID: alice, SignerKey: "msk", TargetUserID: alice, TargetKey: "ssk", Signature: "sig1"},
			{SignerUserID: alice, SignerKey: "ssk", TargetUserID: alice, TargetKey: "ed-phone", Signature: "sig2"},
		},
	}
	err := registry.UpdateDevices(ctx, alice, []DeviceKeys{
		deviceKeys(alice, "PHONE", "curve-phone", "ed-phone"),
		deviceKeys(alice, "LAPTOP", "curve-laptop", "ed-laptop"),
	}, bundle)
	if err != nil {
		t.Fatalf("UpdateDevices: %v", err)
	}

	phone, _ := st.GetDevice(ctx, alice, "PHONE")
	if phone.Trust != store.TrustCrossSignedVerified {
		t.Errorf("signed device trust = %s, want cross-signed", phone.Trust)
	}
	laptop, _ := st.GetDevice(ctx, alice, "LAPTOP")
	if laptop.Trust != store.TrustUnverified {
		t.Errorf("unsigned device trust = %s, want unverified", laptop.Trust)
	}

	// Resolution is idempotent and never overrides explicit states.
	if err := registry.SetTrust(ctx, alice, "LAPTOP", store.TrustBlacklisted); err != nil {
		t.Fatalf("SetTrust: %v", err)
	}
	if err := registry.ResolveCrossSigning(ctx, alice); err != nil {
		t.Fatalf("ResolveCrossSigning: %v", err)
	}
	phone, _ = st.GetDevice(ctx, alice, "PHONE")
	if phone.Trust != store.TrustCrossSignedVerified {
		t.Errorf("trust changed on re-resolution: %s", phone.Trust)
	}
	laptop, _ = st.GetDevice(ctx, alice, "LAPTOP")
	if laptop.Trust != store.TrustBlacklisted {
		t.Errorf("blacklist was overridden: %s", laptop.Trust)
	}
}

func TestCrossSigningOtherUserNeedsUserSigningLink(t *testing.T) {
	ctx := context.Background()
	registry, st := newTestRegistry(t)
	alice := id.UserID("@alice:example.org")
	bob := id.UserID("@bob:example.org")

	// Bob publishes a fully self-consistent chain, but Alice has not
	// signed his master key, so it anchors nothing.
	bobBundle := &CrossSigningBundle{
		Master:      "bob-msk",
		SelfSigning: "bob-ssk",
		Signatures: []SignatureLink{
			{SignerUserID: bob, SignerKey: "bob-msk", TargetUserID: bob, TargetKey: "bob-ssk", Signature: "s"},
			{SignerUserID: bob, SignerKey: "bob-ssk", TargetUserID: bob, TargetKey: "ed-phone", Signature: "s"},
		},
	}
	err := registry.UpdateDevices(ctx, bob, []DeviceKeys{
		deviceKeys(bob, "PHONE", "curve-phone", "ed-phone"),
	}, bobBundle)
	if err != nil {
		t.Fatalf("UpdateDevices: %v", err)
	}
	phone, _ := st.GetDevice(ctx, bob, "PHONE")
	if phone.Trust != store.TrustUnverified {
		t.Fatalf("trust without a user-signing link = %s, want unverified", phone.Trust)
	}

	// Alice publishes her user-signing key and a signature over Bob's
	// master; re-resolution promotes his signed device.
	err = registry.UpdateDevices(ctx, alice, nil, &CrossSigningBundle{
		UserSigning: "alice-usk",
		Signatures: []SignatureLink{
			{SignerUserID: alice, SignerKey: "alice-usk", TargetUserID: bob, TargetKey: "bob-msk", Signature: "s"},
		},
	})
	if err != nil {
		t.Fatalf("UpdateDevices (alice): %v", err)
	}
	if err := registry.ResolveCrossSigning(ctx, bob); err != nil {
		t.Fatalf("ResolveCrossSigning: %v", err)
	}
	phone, _ = st.GetDevice(ctx, bob, "PHONE")
	if phone.Trust != store.TrustCrossSignedVerified {
		t.Errorf("trust with a user-signing link = %s, want cross-signed", phone.Trust)
	}
}

func TestSelfSignatureVerification(t *testing.T) {
	ctx := context.Background()
	registry, st := newTestRegistry(t)
	bob := id.UserID("@bob:example.org")

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signing := id.Ed25519(base64.RawStdEncoding.EncodeToString(pub))
	payload := []byte(`{"user_id":"@bob:example.org","device_id":"PHONE"}`)

	good := deviceKeys(bob, "PHONE", "curve-phone", signing)
	good.SignedJSON = payload
	good.SelfSignature = ed25519.Sign(priv, payload)

	bad := deviceKeys(bob, "TABLET", "curve-tablet", signing)
	bad.SignedJSON = payload
	bad.SelfSignature = ed25519.Sign(priv, []byte("something else entirely"))

	if err := registry.UpdateDevices(ctx, bob, []DeviceKeys{good, bad}, nil); err != nil {
		t.Fatalf("UpdateDevices: %v", err)
	}
	if device, _ := st.GetDevice(ctx, bob, "PHONE"); device == nil {
		t.Error("validly signed device was not stored")
	}
	if device, _ := st.GetDevice(ctx, bob, "TABLET"); device != nil {
		t.Error("device with a forged self-signature was stored")
	}
}

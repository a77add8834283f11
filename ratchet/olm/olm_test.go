// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"errors"
	"testing"

	"github.com/weft-im/weft/ratchet"
)

func TestPairwiseRoundTrip(t *testing.T) {
	provider := Provider{}
	alice, err := provider.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	bob, err := provider.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}

	if err := bob.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	oneTimeKeys, err := bob.UnpublishedOneTimeKeys()
	if err != nil {
		t.Fatalf("UnpublishedOneTimeKeys: %v", err)
	}
	if len(oneTimeKeys) != 1 {
		t.Fatalf("unpublished one-time keys = %d, want 1", len(oneTimeKeys))
	}
	_, bobIdentity, err := bob.IdentityKeys()
	if err != nil {
		t.Fatalf("IdentityKeys: %v", err)
	}
	_, aliceIdentity, err := alice.IdentityKeys()
	if err != nil {
		t.Fatalf("IdentityKeys: %v", err)
	}

	var outbound ratchet.Session
	for _, oneTimeKey := range oneTimeKeys {
		outbound, err = alice.NewOutboundSession(bobIdentity, oneTimeKey)
	}
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}

	msgType, ciphertext, err := outbound.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if msgType != ratchet.PreKey {
		t.Fatalf("first message type = %v, want pre-key", msgType)
	}

	inbound, err := bob.NewInboundSession(aliceIdentity, string(ciphertext))
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	matches, err := inbound.MatchesPreKeyMessage(aliceIdentity, string(ciphertext))
	if err != nil {
		t.Fatalf("MatchesPreKeyMessage: %v", err)
	}
	if !matches {
		t.Error("inbound session does not match its own pre-key message")
	}

	plaintext, err := inbound.Decrypt(string(ciphertext), ratchet.PreKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Errorf("plaintext = %q, want %q", plaintext, "hello")
	}
}

func TestGroupErrorMapping(t *testing.T) {
	provider := Provider{}
	outbound, err := provider.NewOutboundGroup()
	if err != nil {
		t.Fatalf("NewOutboundGroup: %v", err)
	}

	early, err := outbound.Encrypt([]byte("before the key was shared"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// Exporting after the first message anchors the inbound session at
	// index 1; index 0 is unreachable for it.
	sessionKey, err := outbound.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	inbound, err := provider.NewInboundGroup(sessionKey)
	if err != nil {
		t.Fatalf("NewInboundGroup: %v", err)
	}
	if inbound.FirstKnownIndex() != 1 {
		t.Fatalf("FirstKnownIndex = %d, want 1", inbound.FirstKnownIndex())
	}

	if _, _, err := inbound.Decrypt(early); !errors.Is(err, ratchet.ErrUnknownMessageIndex) {
		t.Errorf("Decrypt below first known index: err = %v, want ErrUnknownMessageIndex", err)
	}

	late, err := outbound.Encrypt([]byte("after"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, index, err := inbound.Decrypt(late)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "after" || index != 1 {
		t.Errorf("Decrypt = (%q, %d), want (%q, 1)", plaintext, index, "after")
	}
}

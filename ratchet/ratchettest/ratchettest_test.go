// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package ratchettest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/weft-im/weft/ratchet"
)

var pickleKey = []byte("test-pickle-key")

// establishPair creates two accounts and an outbound session from A
// to B, returning the accounts and the session.
func establishPair(t *testing.T) (ratchet.Account, ratchet.Account, ratchet.Session) {
	t.Helper()
	provider := Provider{}

	alice, err := provider.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	bob, err := provider.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}

	if err := bob.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}
	oneTimeKeys, err := bob.UnpublishedOneTimeKeys()
	if err != nil {
		t.Fatalf("UnpublishedOneTimeKeys failed: %v", err)
	}
	if len(oneTimeKeys) != 1 {
		t.Fatalf("expected 1 one-time key, got %d", len(oneTimeKeys))
	}

	_, bobIdentity, err := bob.IdentityKeys()
	if err != nil {
		t.Fatalf("IdentityKeys failed: %v", err)
	}

	var session ratchet.Session
	for _, key := range oneTimeKeys {
		session, err = alice.NewOutboundSession(bobIdentity, key)
		if err != nil {
			t.Fatalf("NewOutboundSession failed: %v", err)
		}
	}
	return alice, bob, session
}

func TestPairwiseRoundTrip(t *testing.T) {
	alice, bob, aliceSession := establishPair(t)
	_, aliceIdentity, _ := alice.IdentityKeys()

	msgType, ciphertext, err := aliceSession.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if msgType != ratchet.PreKey {
		t.Errorf("first message should be a pre-key envelope, got type %d", msgType)
	}

	bobSession, err := bob.NewInboundSession(aliceIdentity, string(ciphertext))
	if err != nil {
		t.Fatalf("NewInboundSession failed: %v", err)
	}
	if bobSession.ID() != aliceSession.ID() {
		t.Errorf("session IDs diverged: %s vs %s", bobSession.ID(), aliceSession.ID())
	}

	plaintext, err := bobSession.Decrypt(string(ciphertext), ratchet.PreKey)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello bob")) {
		t.Errorf("unexpected plaintext: %q", plaintext)
	}

	// Reply direction.
	msgType, reply, err := bobSession.Encrypt([]byte("hello alice"))
	if err != nil {
		t.Fatalf("reply Encrypt failed: %v", err)
	}
	if msgType != ratchet.Normal {
		t.Errorf("reply should be a normal envelope, got type %d", msgType)
	}
	plaintext, err = aliceSession.Decrypt(string(reply), ratchet.Normal)
	if err != nil {
		t.Fatalf("reply Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello alice")) {
		t.Errorf("unexpected reply plaintext: %q", plaintext)
	}

	// After receiving, alice stops sending pre-key envelopes.
	msgType, _, err = aliceSession.Encrypt([]byte("second"))
	if err != nil {
		t.Fatalf("second Encrypt failed: %v", err)
	}
	if msgType != ratchet.Normal {
		t.Errorf("post-handshake message should be normal, got type %d", msgType)
	}
}

func TestMatchesPreKeyMessage(t *testing.T) {
	alice, bob, aliceSession := establishPair(t)
	_, aliceIdentity, _ := alice.IdentityKeys()

	_, ciphertext, err := aliceSession.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	bobSession, err := bob.NewInboundSession(aliceIdentity, string(ciphertext))
	if err != nil {
		t.Fatalf("NewInboundSession failed: %v", err)
	}

	matches, err := bobSession.MatchesPreKeyMessage(aliceIdentity, string(ciphertext))
	if err != nil {
		t.Fatalf("MatchesPreKeyMessage failed: %v", err)
	}
	if !matches {
		t.Error("pre-key message should match the session it created")
	}
}

func TestSessionPickleRoundTrip(t *testing.T) {
	provider := Provider{}
	alice, bob, aliceSession := establishPair(t)
	_, aliceIdentity, _ := alice.IdentityKeys()

	_, ciphertext, err := aliceSession.Encrypt([]byte("before pickle"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	bobSession, err := bob.NewInboundSession(aliceIdentity, string(ciphertext))
	if err != nil {
		t.Fatalf("NewInboundSession failed: %v", err)
	}

	pickled, err := bobSession.Pickle(pickleKey)
	if err != nil {
		t.Fatalf("Pickle failed: %v", err)
	}
	restored, err := provider.SessionFromPickled(pickled, pickleKey)
	if err != nil {
		t.Fatalf("SessionFromPickled failed: %v", err)
	}

	plaintext, err := restored.Decrypt(string(ciphertext), ratchet.PreKey)
	if err != nil {
		t.Fatalf("Decrypt after unpickle failed: %v", err)
	}
	if string(plaintext) != "before pickle" {
		t.Errorf("unexpected plaintext: %q", plaintext)
	}

	if _, err := provider.SessionFromPickled(pickled, []byte("wrong key")); err == nil {
		t.Error("unpickling with the wrong key should fail")
	}
}

func TestGroupRoundTrip(t *testing.T) {
	provider := Provider{}
	outbound, err := provider.NewOutboundGroup()
	if err != nil {
		t.Fatalf("NewOutboundGroup failed: %v", err)
	}

	key, err := outbound.Key()
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	inbound, err := provider.NewInboundGroup(key)
	if err != nil {
		t.Fatalf("NewInboundGroup failed: %v", err)
	}
	if inbound.ID() != outbound.ID() {
		t.Errorf("session ID mismatch: %s vs %s", inbound.ID(), outbound.ID())
	}

	for i := 0; i < 3; i++ {
		ciphertext, err := outbound.Encrypt([]byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("Encrypt %d failed: %v", i, err)
		}
		plaintext, index, err := inbound.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt %d failed: %v", i, err)
		}
		if index != uint32(i) {
			t.Errorf("message %d decrypted with index %d", i, index)
		}
		if !bytes.Equal(plaintext, []byte{byte('a' + i)}) {
			t.Errorf("message %d plaintext mismatch: %q", i, plaintext)
		}
	}
}

func TestGroupExportCannotReachEarlierIndices(t *testing.T) {
	provider := Provider{}
	outbound, err := provider.NewOutboundGroup()
	if err != nil {
		t.Fatalf("NewOutboundGroup failed: %v", err)
	}

	var ciphertexts [][]byte
	for i := 0; i < 4; i++ {
		ciphertext, err := outbound.Encrypt([]byte("msg"))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		ciphertexts = append(ciphertexts, ciphertext)
	}

	// Key() is exported at the current index (4): a receiver joining
	// now must not be able to read history.
	key, err := outbound.Key()
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	late, err := provider.ImportInboundGroup(key)
	if err != nil {
		t.Fatalf("ImportInboundGroup failed: %v", err)
	}
	if late.FirstKnownIndex() != 4 {
		t.Errorf("FirstKnownIndex = %d, want 4", late.FirstKnownIndex())
	}

	if _, _, err := late.Decrypt(ciphertexts[2]); !errors.Is(err, ratchet.ErrUnknownMessageIndex) {
		t.Errorf("decrypt below first known index: got %v, want ErrUnknownMessageIndex", err)
	}

	ciphertext, err := outbound.Encrypt([]byte("current"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	plaintext, index, err := late.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt at current index failed: %v", err)
	}
	if index != 4 || string(plaintext) != "current" {
		t.Errorf("unexpected decrypt result: index=%d plaintext=%q", index, plaintext)
	}

	if _, err := late.Export(2); !errors.Is(err, ratchet.ErrUnknownMessageIndex) {
		t.Errorf("Export below first known index: got %v, want ErrUnknownMessageIndex", err)
	}
}

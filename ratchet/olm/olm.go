// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package olm binds the ratchet interfaces to the olm/megolm
// implementation in maunium.net/go/mautrix/crypto/olm. This is the
// production provider: every pickled blob in a production crypto
// store is an olm pickle.
package olm

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix/crypto/goolm"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/ratchet"
)

// The olm package is a function table that stays empty until a backend
// registers. Bind the pure-Go backend here so importing this package is
// enough to get a working provider.
func init() {
	goolm.Register()
}

// Provider implements ratchet.Provider on the mautrix olm library.
// The zero value is ready to use.
type Provider struct{}

var _ ratchet.Provider = Provider{}

func (Provider) NewAccount() (ratchet.Account, error) {
	inner, err := olm.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("olm: creating account: %w", err)
	}
	return &account{inner: inner}, nil
}

func (Provider) AccountFromPickled(pickled, key []byte) (ratchet.Account, error) {
	inner, err := olm.AccountFromPickled(pickled, key)
	if err != nil {
		return nil, fmt.Errorf("olm: unpickling account: %w", err)
	}
	return &account{inner: inner}, nil
}

func (Provider) SessionFromPickled(pickled, key []byte) (ratchet.Session, error) {
	inner, err := olm.SessionFromPickled(pickled, key)
	if err != nil {
		return nil, fmt.Errorf("olm: unpickling session: %w", err)
	}
	return &session{inner: inner}, nil
}

func (Provider) NewOutboundGroup() (ratchet.OutboundGroup, error) {
	inner, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("olm: creating outbound group session: %w", err)
	}
	return &outboundGroup{inner: inner}, nil
}

func (Provider) OutboundGroupFromPickled(pickled, key []byte) (ratchet.OutboundGroup, error) {
	inner, err := olm.OutboundGroupSessionFromPickled(pickled, key)
	if err != nil {
		return nil, fmt.Errorf("olm: unpickling outbound group session: %w", err)
	}
	return &outboundGroup{inner: inner}, nil
}

func (Provider) NewInboundGroup(sessionKey string) (ratchet.InboundGroup, error) {
	inner, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("olm: creating inbound group session: %w", err)
	}
	return &inboundGroup{inner: inner}, nil
}

func (Provider) ImportInboundGroup(sessionKey string) (ratchet.InboundGroup, error) {
	inner, err := olm.InboundGroupSessionImport([]byte(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("olm: importing inbound group session: %w", err)
	}
	return &inboundGroup{inner: inner}, nil
}

func (Provider) InboundGroupFromPickled(pickled, key []byte) (ratchet.InboundGroup, error) {
	inner, err := olm.InboundGroupSessionFromPickled(pickled, key)
	if err != nil {
		return nil, fmt.Errorf("olm: unpickling inbound group session: %w", err)
	}
	return &inboundGroup{inner: inner}, nil
}

type account struct {
	inner olm.Account
}

func (a *account) Pickle(key []byte) ([]byte, error) {
	return a.inner.Pickle(key)
}

func (a *account) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	return a.inner.IdentityKeys()
}

func (a *account) Sign(message []byte) ([]byte, error) {
	return a.inner.Sign(message)
}

func (a *account) MaxOneTimeKeys() uint {
	return a.inner.MaxNumberOfOneTimeKeys()
}

func (a *account) GenerateOneTimeKeys(count uint) error {
	return a.inner.GenOneTimeKeys(count)
}

func (a *account) UnpublishedOneTimeKeys() (map[string]id.Curve25519, error) {
	return a.inner.OneTimeKeys()
}

// GenerateFallbackKey reports fallback keys as unsupported: the olm
// binding does not expose them, and the key inventory falls back to
// one-time keys alone.
func (a *account) GenerateFallbackKey() error {
	return ratchet.ErrFallbackUnsupported
}

func (a *account) UnpublishedFallbackKey() (map[string]id.Curve25519, error) {
	return nil, ratchet.ErrFallbackUnsupported
}

func (a *account) MarkKeysAsPublished() error {
	a.inner.MarkKeysAsPublished()
	return nil
}

func (a *account) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (ratchet.Session, error) {
	inner, err := a.inner.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("olm: creating outbound session: %w", err)
	}
	return &session{inner: inner}, nil
}

func (a *account) NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (ratchet.Session, error) {
	inner, err := a.inner.NewInboundSessionFrom(&theirIdentityKey, preKeyMessage)
	if err != nil {
		return nil, fmt.Errorf("olm: creating inbound session: %w", err)
	}
	return &session{inner: inner}, nil
}

type session struct {
	inner olm.Session
}

func (s *session) Pickle(key []byte) ([]byte, error) {
	return s.inner.Pickle(key)
}

func (s *session) ID() id.SessionID {
	return s.inner.ID()
}

func (s *session) Encrypt(plaintext []byte) (ratchet.MsgType, []byte, error) {
	msgType, ciphertext, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return 0, nil, mapError(err)
	}
	if msgType == id.OlmMsgTypePreKey {
		return ratchet.PreKey, ciphertext, nil
	}
	return ratchet.Normal, ciphertext, nil
}

func (s *session) Decrypt(ciphertext string, msgType ratchet.MsgType) ([]byte, error) {
	olmType := id.OlmMsgTypeMsg
	if msgType == ratchet.PreKey {
		olmType = id.OlmMsgTypePreKey
	}
	plaintext, err := s.inner.Decrypt(ciphertext, olmType)
	if err != nil {
		return nil, mapError(err)
	}
	return plaintext, nil
}

func (s *session) MatchesPreKeyMessage(theirIdentityKey id.Curve25519, preKeyMessage string) (bool, error) {
	return s.inner.MatchesInboundSessionFrom(string(theirIdentityKey), preKeyMessage)
}

type outboundGroup struct {
	inner olm.OutboundGroupSession
}

func (g *outboundGroup) Pickle(key []byte) ([]byte, error) {
	return g.inner.Pickle(key)
}

func (g *outboundGroup) ID() id.SessionID {
	return g.inner.ID()
}

func (g *outboundGroup) Key() (string, error) {
	return g.inner.Key(), nil
}

func (g *outboundGroup) MessageIndex() uint32 {
	return uint32(g.inner.MessageIndex())
}

func (g *outboundGroup) Encrypt(plaintext []byte) ([]byte, error) {
	ciphertext, err := g.inner.Encrypt(plaintext)
	if err != nil {
		return nil, mapError(err)
	}
	return ciphertext, nil
}

type inboundGroup struct {
	inner olm.InboundGroupSession
}

func (g *inboundGroup) Pickle(key []byte) ([]byte, error) {
	return g.inner.Pickle(key)
}

func (g *inboundGroup) ID() id.SessionID {
	return g.inner.ID()
}

func (g *inboundGroup) FirstKnownIndex() uint32 {
	return g.inner.FirstKnownIndex()
}

func (g *inboundGroup) Decrypt(ciphertext []byte) ([]byte, uint32, error) {
	plaintext, index, err := g.inner.Decrypt(ciphertext)
	if err != nil {
		return nil, 0, mapError(err)
	}
	return plaintext, uint32(index), nil
}

func (g *inboundGroup) Export(index uint32) (string, error) {
	exported, err := g.inner.Export(index)
	if err != nil {
		return "", mapError(err)
	}
	return string(exported), nil
}

// mapError translates olm library errors to the ratchet sentinels the
// machine dispatches on.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, olm.ErrUnknownMessageIndex) {
		return fmt.Errorf("%w: %v", ratchet.ErrUnknownMessageIndex, err)
	}
	return fmt.Errorf("%w: %v", ratchet.ErrBadCiphertext, err)
}

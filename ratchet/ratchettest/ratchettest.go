// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratchettest provides a small, self-contained ratchet
// implementation of the ratchet interfaces for tests.
//
// It exists so the crypto machine's tests can exercise full
// encrypt/decrypt round trips, session establishment, and rotation
// without the olm library. The construction is real cryptography
// (X25519 agreement, HKDF chains, ChaCha20-Poly1305) but deliberately
// minimal: no out-of-order key caching, no forward-secrecy skipped-key
// handling. It must never be used outside tests — the production
// provider is ratchet/olm.
//
// Group sessions hash-chain their message keys, so the one-directional
// property the machine depends on is genuine: an inbound session
// created from a key exported at index n cannot decrypt indices below
// n.
package ratchettest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/id"

	"github.com/weft-im/weft/ratchet"
)

var b64 = base64.RawStdEncoding

// derive fills out with HKDF-SHA256(secret, info).
func derive(secret []byte, info string, out []byte) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(reader, out); err != nil {
		panic("ratchettest: hkdf: " + err.Error())
	}
}

// seal encrypts plaintext with a key derived from secret and info,
// prepending a random nonce.
func seal(secret []byte, info string, plaintext []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	derive(secret, info, key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

// open reverses seal.
func open(secret []byte, info string, ciphertext []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	derive(secret, info, key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: short ciphertext", ratchet.ErrBadCiphertext)
	}
	plaintext, err := aead.Open(nil, ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ratchet.ErrBadCiphertext, err)
	}
	return plaintext, nil
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("ratchettest: rand: " + err.Error())
	}
	return buf
}

// Provider implements ratchet.Provider for tests. The zero value is
// ready to use.
type Provider struct{}

var _ ratchet.Provider = Provider{}

type keyPair struct {
	Priv []byte `json:"priv"`
	Pub  []byte `json:"pub"`
}

func newX25519Pair() keyPair {
	priv := randomBytes(32)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		panic("ratchettest: x25519: " + err.Error())
	}
	return keyPair{Priv: priv, Pub: pub}
}

type oneTimeKey struct {
	keyPair
	Published bool `json:"published"`
}

type accountState struct {
	SigningPriv []byte                 `json:"signing_priv"`
	Identity    keyPair                `json:"identity"`
	OneTimeKeys map[string]*oneTimeKey `json:"one_time_keys"`
	FallbackID  string                 `json:"fallback_id,omitempty"`
	Fallback    *oneTimeKey            `json:"fallback,omitempty"`
	NextKeyID   int                    `json:"next_key_id"`
}

// Account implements ratchet.Account.
type Account struct {
	mu    sync.Mutex
	state accountState
}

var _ ratchet.Account = (*Account)(nil)

func (Provider) NewAccount() (ratchet.Account, error) {
	_, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Account{state: accountState{
		SigningPriv: signingPriv,
		Identity:    newX25519Pair(),
		OneTimeKeys: make(map[string]*oneTimeKey),
	}}, nil
}

func (Provider) AccountFromPickled(pickled, key []byte) (ratchet.Account, error) {
	account := &Account{}
	if err := unpickle(pickled, key, "account", &account.state); err != nil {
		return nil, err
	}
	if account.state.OneTimeKeys == nil {
		account.state.OneTimeKeys = make(map[string]*oneTimeKey)
	}
	return account, nil
}

func pickle(key []byte, domain string, state any) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return seal(key, "pickle:"+domain, data)
}

func unpickle(pickled, key []byte, domain string, state any) error {
	data, err := open(key, "pickle:"+domain, pickled)
	if err != nil {
		return fmt.Errorf("ratchettest: unpickling %s: %w", domain, err)
	}
	return json.Unmarshal(data, state)
}

func (a *Account) Pickle(key []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return pickle(key, "account", &a.state)
}

func (a *Account) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	signingPub := ed25519.PrivateKey(a.state.SigningPriv).Public().(ed25519.PublicKey)
	return id.Ed25519(b64.EncodeToString(signingPub)), id.Curve25519(b64.EncodeToString(a.state.Identity.Pub)), nil
}

func (a *Account) Sign(message []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	signature := ed25519.Sign(ed25519.PrivateKey(a.state.SigningPriv), message)
	return []byte(b64.EncodeToString(signature)), nil
}

func (a *Account) MaxOneTimeKeys() uint { return 100 }

func (a *Account) GenerateOneTimeKeys(count uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint(0); i < count; i++ {
		keyID := fmt.Sprintf("OTK%d", a.state.NextKeyID)
		a.state.NextKeyID++
		a.state.OneTimeKeys[keyID] = &oneTimeKey{keyPair: newX25519Pair()}
	}
	return nil
}

func (a *Account) UnpublishedOneTimeKeys() (map[string]id.Curve25519, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make(map[string]id.Curve25519)
	for keyID, key := range a.state.OneTimeKeys {
		if !key.Published {
			keys[keyID] = id.Curve25519(b64.EncodeToString(key.Pub))
		}
	}
	return keys, nil
}

func (a *Account) GenerateFallbackKey() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	keyID := fmt.Sprintf("FBK%d", a.state.NextKeyID)
	a.state.NextKeyID++
	a.state.FallbackID = keyID
	a.state.Fallback = &oneTimeKey{keyPair: newX25519Pair()}
	return nil
}

func (a *Account) UnpublishedFallbackKey() (map[string]id.Curve25519, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make(map[string]id.Curve25519)
	if a.state.Fallback != nil && !a.state.Fallback.Published {
		keys[a.state.FallbackID] = id.Curve25519(b64.EncodeToString(a.state.Fallback.Pub))
	}
	return keys, nil
}

func (a *Account) MarkKeysAsPublished() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range a.state.OneTimeKeys {
		key.Published = true
	}
	if a.state.Fallback != nil {
		a.state.Fallback.Published = true
	}
	return nil
}

// preKeyEnvelope is the wire form of a pre-key message: the handshake
// material plus an ordinary message encrypted under the new session.
type preKeyEnvelope struct {
	EphemeralPub []byte          `json:"ephemeral_pub"`
	UsedOneTime  []byte          `json:"used_one_time"`
	Message      json.RawMessage `json:"message"`
}

type normalEnvelope struct {
	SessionID  string `json:"session_id"`
	Direction  string `json:"direction"`
	Counter    uint32 `json:"counter"`
	Ciphertext []byte `json:"ciphertext"`
}

// sessionSecret derives the shared root and session ID from the two
// X25519 agreements. Both sides compute the same values.
func sessionSecret(dh1, dh2, ephPub, oneTimePub []byte) (root []byte, sessionID string) {
	root = make([]byte, 32)
	derive(append(append([]byte{}, dh1...), dh2...), "root", root)
	idHash := sha256.Sum256(append(append([]byte{}, ephPub...), oneTimePub...))
	return root, b64.EncodeToString(idHash[:16])
}

func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (ratchet.Session, error) {
	theirIdentity, err := b64.DecodeString(string(theirIdentityKey))
	if err != nil {
		return nil, fmt.Errorf("ratchettest: bad identity key: %w", err)
	}
	theirOneTime, err := b64.DecodeString(string(theirOneTimeKey))
	if err != nil {
		return nil, fmt.Errorf("ratchettest: bad one-time key: %w", err)
	}

	ephemeral := newX25519Pair()
	dh1, err := curve25519.X25519(ephemeral.Priv, theirIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(ephemeral.Priv, theirOneTime)
	if err != nil {
		return nil, err
	}
	root, sessionID := sessionSecret(dh1, dh2, ephemeral.Pub, theirOneTime)

	return &Session{state: sessionState{
		SessionID:    sessionID,
		Root:         root,
		SendDir:      "a",
		EphemeralPub: ephemeral.Pub,
		UsedOneTime:  theirOneTime,
		PreKeyPhase:  true,
	}}, nil
}

func (a *Account) NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (ratchet.Session, error) {
	var envelope preKeyEnvelope
	if err := json.Unmarshal([]byte(preKeyMessage), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ratchet.ErrBadCiphertext, err)
	}

	a.mu.Lock()
	var oneTimePriv []byte
	for keyID, key := range a.state.OneTimeKeys {
		if b64.EncodeToString(key.Pub) == b64.EncodeToString(envelope.UsedOneTime) {
			oneTimePriv = key.Priv
			// Consumed: a one-time key establishes at most one session.
			delete(a.state.OneTimeKeys, keyID)
			break
		}
	}
	if oneTimePriv == nil && a.state.Fallback != nil &&
		b64.EncodeToString(a.state.Fallback.Pub) == b64.EncodeToString(envelope.UsedOneTime) {
		oneTimePriv = a.state.Fallback.Priv
	}
	identityPriv := a.state.Identity.Priv
	a.mu.Unlock()

	if oneTimePriv == nil {
		return nil, fmt.Errorf("%w: no matching one-time key", ratchet.ErrBadCiphertext)
	}

	dh1, err := curve25519.X25519(identityPriv, envelope.EphemeralPub)
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(oneTimePriv, envelope.EphemeralPub)
	if err != nil {
		return nil, err
	}
	root, sessionID := sessionSecret(dh1, dh2, envelope.EphemeralPub, envelope.UsedOneTime)

	return &Session{state: sessionState{
		SessionID: sessionID,
		Root:      root,
		SendDir:   "b",
	}}, nil
}

type sessionState struct {
	SessionID   string `json:"session_id"`
	Root        []byte `json:"root"`
	SendDir     string `json:"send_dir"`
	SendCounter uint32 `json:"send_counter"`

	// PreKeyPhase is true on the creating side until the first
	// decrypt proves the peer established the session.
	PreKeyPhase  bool   `json:"pre_key_phase,omitempty"`
	EphemeralPub []byte `json:"ephemeral_pub,omitempty"`
	UsedOneTime  []byte `json:"used_one_time,omitempty"`
}

// Session implements ratchet.Session.
type Session struct {
	mu    sync.Mutex
	state sessionState
}

var _ ratchet.Session = (*Session)(nil)

func (Provider) SessionFromPickled(pickled, key []byte) (ratchet.Session, error) {
	session := &Session{}
	if err := unpickle(pickled, key, "session", &session.state); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Session) Pickle(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pickle(key, "session", &s.state)
}

func (s *Session) ID() id.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id.SessionID(s.state.SessionID)
}

func messageInfo(direction string, counter uint32) string {
	return fmt.Sprintf("msg:%s:%d", direction, counter)
}

func (s *Session) Encrypt(plaintext []byte) (ratchet.MsgType, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter := s.state.SendCounter
	s.state.SendCounter++

	sealed, err := seal(s.state.Root, messageInfo(s.state.SendDir, counter), plaintext)
	if err != nil {
		return 0, nil, err
	}
	inner, err := json.Marshal(normalEnvelope{
		SessionID:  s.state.SessionID,
		Direction:  s.state.SendDir,
		Counter:    counter,
		Ciphertext: sealed,
	})
	if err != nil {
		return 0, nil, err
	}

	if !s.state.PreKeyPhase {
		return ratchet.Normal, inner, nil
	}

	outer, err := json.Marshal(preKeyEnvelope{
		EphemeralPub: s.state.EphemeralPub,
		UsedOneTime:  s.state.UsedOneTime,
		Message:      inner,
	})
	if err != nil {
		return 0, nil, err
	}
	return ratchet.PreKey, outer, nil
}

func (s *Session) Decrypt(ciphertext string, msgType ratchet.MsgType) ([]byte, error) {
	raw := []byte(ciphertext)
	if msgType == ratchet.PreKey {
		var outer preKeyEnvelope
		if err := json.Unmarshal(raw, &outer); err != nil {
			return nil, fmt.Errorf("%w: %v", ratchet.ErrBadCiphertext, err)
		}
		raw = outer.Message
	}

	var envelope normalEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ratchet.ErrBadCiphertext, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if envelope.SessionID != s.state.SessionID {
		return nil, fmt.Errorf("%w: wrong session", ratchet.ErrBadCiphertext)
	}
	if envelope.Direction == s.state.SendDir {
		return nil, fmt.Errorf("%w: own direction", ratchet.ErrBadCiphertext)
	}

	plaintext, err := open(s.state.Root, messageInfo(envelope.Direction, envelope.Counter), envelope.Ciphertext)
	if err != nil {
		return nil, err
	}
	// A successful decrypt proves the peer holds the session; stop
	// sending pre-key envelopes.
	s.state.PreKeyPhase = false
	return plaintext, nil
}

func (s *Session) MatchesPreKeyMessage(theirIdentityKey id.Curve25519, preKeyMessage string) (bool, error) {
	var envelope preKeyEnvelope
	if err := json.Unmarshal([]byte(preKeyMessage), &envelope); err != nil {
		return false, fmt.Errorf("%w: %v", ratchet.ErrBadCiphertext, err)
	}
	// The inner message carries the session ID, which both sides
	// derive from the handshake's public material alone.
	var inner normalEnvelope
	if err := json.Unmarshal(envelope.Message, &inner); err != nil {
		return false, fmt.Errorf("%w: %v", ratchet.ErrBadCiphertext, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return inner.SessionID == s.state.SessionID, nil
}

type groupMessage struct {
	SessionID  string `json:"session_id"`
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
}

type groupExport struct {
	SessionID string `json:"session_id"`
	Index     uint32 `json:"index"`
	Chain     []byte `json:"chain"`
}

// advanceChain returns the chain key stepped forward by steps. Each
// step is a one-way HKDF derivation, which is what makes exported
// keys unable to reach earlier indices.
func advanceChain(chain []byte, steps uint32) []byte {
	current := append([]byte{}, chain...)
	for i := uint32(0); i < steps; i++ {
		next := make([]byte, 32)
		derive(current, "chain", next)
		current = next
	}
	return current
}

type outboundGroupState struct {
	SessionID string `json:"session_id"`
	Index     uint32 `json:"index"`
	Chain     []byte `json:"chain"`
}

// OutboundGroup implements ratchet.OutboundGroup.
type OutboundGroup struct {
	mu    sync.Mutex
	state outboundGroupState
}

var _ ratchet.OutboundGroup = (*OutboundGroup)(nil)

func (Provider) NewOutboundGroup() (ratchet.OutboundGroup, error) {
	return &OutboundGroup{state: outboundGroupState{
		SessionID: b64.EncodeToString(randomBytes(16)),
		Chain:     randomBytes(32),
	}}, nil
}

func (Provider) OutboundGroupFromPickled(pickled, key []byte) (ratchet.OutboundGroup, error) {
	group := &OutboundGroup{}
	if err := unpickle(pickled, key, "outbound_group", &group.state); err != nil {
		return nil, err
	}
	return group, nil
}

func (g *OutboundGroup) Pickle(key []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return pickle(key, "outbound_group", &g.state)
}

func (g *OutboundGroup) ID() id.SessionID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return id.SessionID(g.state.SessionID)
}

func (g *OutboundGroup) Key() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	exported, err := json.Marshal(groupExport{
		SessionID: g.state.SessionID,
		Index:     g.state.Index,
		Chain:     g.state.Chain,
	})
	if err != nil {
		return "", err
	}
	return string(exported), nil
}

func (g *OutboundGroup) MessageIndex() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Index
}

func (g *OutboundGroup) Encrypt(plaintext []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sealed, err := seal(g.state.Chain, "group_msg", plaintext)
	if err != nil {
		return nil, err
	}
	message, err := json.Marshal(groupMessage{
		SessionID:  g.state.SessionID,
		Index:      g.state.Index,
		Ciphertext: sealed,
	})
	if err != nil {
		return nil, err
	}
	g.state.Chain = advanceChain(g.state.Chain, 1)
	g.state.Index++
	return message, nil
}

type inboundGroupState struct {
	SessionID  string `json:"session_id"`
	FirstKnown uint32 `json:"first_known"`
	Chain      []byte `json:"chain"`
}

// InboundGroup implements ratchet.InboundGroup.
type InboundGroup struct {
	mu    sync.Mutex
	state inboundGroupState
}

var _ ratchet.InboundGroup = (*InboundGroup)(nil)

func newInboundGroup(sessionKey string) (ratchet.InboundGroup, error) {
	var exported groupExport
	if err := json.Unmarshal([]byte(sessionKey), &exported); err != nil {
		return nil, fmt.Errorf("%w: %v", ratchet.ErrBadCiphertext, err)
	}
	if exported.SessionID == "" || len(exported.Chain) != 32 {
		return nil, fmt.Errorf("%w: incomplete session key", ratchet.ErrBadCiphertext)
	}
	return &InboundGroup{state: inboundGroupState{
		SessionID:  exported.SessionID,
		FirstKnown: exported.Index,
		Chain:      exported.Chain,
	}}, nil
}

func (Provider) NewInboundGroup(sessionKey string) (ratchet.InboundGroup, error) {
	return newInboundGroup(sessionKey)
}

func (Provider) ImportInboundGroup(sessionKey string) (ratchet.InboundGroup, error) {
	return newInboundGroup(sessionKey)
}

func (Provider) InboundGroupFromPickled(pickled, key []byte) (ratchet.InboundGroup, error) {
	group := &InboundGroup{}
	if err := unpickle(pickled, key, "inbound_group", &group.state); err != nil {
		return nil, err
	}
	return group, nil
}

func (g *InboundGroup) Pickle(key []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return pickle(key, "inbound_group", &g.state)
}

func (g *InboundGroup) ID() id.SessionID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return id.SessionID(g.state.SessionID)
}

func (g *InboundGroup) FirstKnownIndex() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.FirstKnown
}

func (g *InboundGroup) Decrypt(ciphertext []byte) ([]byte, uint32, error) {
	var message groupMessage
	if err := json.Unmarshal(ciphertext, &message); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ratchet.ErrBadCiphertext, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if message.SessionID != g.state.SessionID {
		return nil, 0, fmt.Errorf("%w: wrong session", ratchet.ErrBadCiphertext)
	}
	if message.Index < g.state.FirstKnown {
		return nil, 0, ratchet.ErrUnknownMessageIndex
	}

	chain := advanceChain(g.state.Chain, message.Index-g.state.FirstKnown)
	plaintext, err := open(chain, "group_msg", message.Ciphertext)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, message.Index, nil
}

func (g *InboundGroup) Export(index uint32) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if index < g.state.FirstKnown {
		return "", ratchet.ErrUnknownMessageIndex
	}
	exported, err := json.Marshal(groupExport{
		SessionID: g.state.SessionID,
		Index:     index,
		Chain:     advanceChain(g.state.Chain, index-g.state.FirstKnown),
	})
	if err != nil {
		return "", err
	}
	return string(exported), nil
}

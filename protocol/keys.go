package protocol

import (
	"crypto/ecdh"
	"fmt"
	"sync"

	"github.com/flashbots/secagg/crypto"
)

// PeerKeys are the public keys of one party.
type PeerKeys struct {
	SigningKey  crypto.PublicKey
	ExchangeKey *ecdh.PublicKey
}

// StaticKeyProvider is an in-memory KeyProvider. The local party's own
// public keys are always part of the directory.
type StaticKeyProvider struct {
	id          string
	signingKey  crypto.PrivateKey
	exchangeKey *ecdh.PrivateKey

	mu    sync.RWMutex
	peers map[string]PeerKeys
}

// NewStaticKeyProvider creates a provider for the party id.
func NewStaticKeyProvider(id string, signingKey crypto.PrivateKey, exchangeKey *ecdh.PrivateKey) (*StaticKeyProvider, error) {
	pub, err := signingKey.PublicKey()
	if err != nil {
		return nil, err
	}
	if exchangeKey == nil {
		return nil, fmt.Errorf("missing exchange key for %s", id)
	}

	return &StaticKeyProvider{
		id:          id,
		signingKey:  signingKey,
		exchangeKey: exchangeKey,
		peers: map[string]PeerKeys{
			id: {SigningKey: pub, ExchangeKey: exchangeKey.PublicKey()},
		},
	}, nil
}

// AddPeer registers or replaces the public keys of a party.
func (p *StaticKeyProvider) AddPeer(id string, keys PeerKeys) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[id] = keys
}

func (p *StaticKeyProvider) ID() string { return p.id }
func (p *StaticKeyProvider) SigningKey() crypto.PrivateKey { return p.signingKey }
func (p *StaticKeyProvider) ExchangeKey() *ecdh.PrivateKey { return p.exchangeKey }

func (p *StaticKeyProvider) SigningPublicKey(id string) (crypto.PublicKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys, ok := p.peers[id]
	if !ok || keys.SigningKey == nil {
		return nil, fmt.Errorf("%w: no signing key for %s", ErrUnauthorized, id)
	}
	return keys.SigningKey, nil
}

func (p *StaticKeyProvider) ExchangePublicKey(id string) (*ecdh.PublicKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys, ok := p.peers[id]
	if !ok || keys.ExchangeKey == nil {
		return nil, fmt.Errorf("%w: no exchange key for %s", ErrUnauthorized, id)
	}
	return keys.ExchangeKey, nil
}

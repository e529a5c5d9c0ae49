package authn

import (
	"crypto/rsa"
	"fmt"
	"sync"
)

// KeyStore provides access to JWT verification keys. The one
// implementation, StaticKeyStore, holds keys in memory; in production it
// is seeded from the PEM-encoded public key in configuration.
type KeyStore interface {
	// PublicKey returns the public key for the given key ID.
	PublicKey(kid string) (*rsa.PublicKey, error)
}

// StaticKeyStore is a KeyStore backed by in-memory keys. Use for testing
// and for environments where keys are provisioned out of band.
type StaticKeyStore struct {
	mu         sync.RWMutex
	publicKeys map[string]*rsa.PublicKey
}

// NewStaticKeyStore creates a StaticKeyStore seeded with a single key pair.
func NewStaticKeyStore(privateKey *rsa.PrivateKey, keyID string) *StaticKeyStore {
	return &StaticKeyStore{
		publicKeys: map[string]*rsa.PublicKey{
			keyID: &privateKey.PublicKey,
		},
	}
}

// NewPublicKeyStore creates a StaticKeyStore seeded with a single public
// key. Unlike NewStaticKeyStore, no private key is required — this is the
// constructor production callers use, since the gateway only ever holds
// the verification key, never the signing key that mints tokens.
func NewPublicKeyStore(publicKey *rsa.PublicKey, keyID string) *StaticKeyStore {
	return &StaticKeyStore{
		publicKeys: map[string]*rsa.PublicKey{
			keyID: publicKey,
		},
	}
}

// PublicKey returns the public key for the given key ID.
func (s *StaticKeyStore) PublicKey(kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.publicKeys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return pk, nil
}

// AddPublicKey adds a public key for testing key rotation scenarios.
func (s *StaticKeyStore) AddPublicKey(kid string, key *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicKeys[kid] = key
}

// Package soft is an in-process ed25519 key manager. Key material never
// leaves this package; callers address keys by KID only.
package soft

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"ciaf/internal/domain"
)

type Manager struct {
	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey
}

func NewManager() *Manager {
	return &Manager{keys: make(map[string]ed25519.PrivateKey)}
}

// Generate creates a fresh keypair and returns its KID and public key.
func (m *Manager) Generate() (string, []byte, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	kid := KeyID(pubKey)

	m.mu.Lock()
	m.keys[kid] = privKey
	m.mu.Unlock()

	return kid, append([]byte(nil), pubKey...), nil
}

// Import installs an existing private key, returning its KID. Used by
// tests that need deterministic keys.
func (m *Manager) Import(privKey ed25519.PrivateKey) (string, []byte, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return "", nil, errors.New("invalid ed25519 private key length")
	}
	pubKey := privKey.Public().(ed25519.PublicKey)
	kid := KeyID(pubKey)

	m.mu.Lock()
	m.keys[kid] = append(ed25519.PrivateKey(nil), privKey...)
	m.mu.Unlock()

	return kid, append([]byte(nil), pubKey...), nil
}

func (m *Manager) Sign(_ context.Context, kid string, payload []byte) ([]byte, error) {
	m.mu.Lock()
	key, ok := m.keys[kid]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: private key %s", domain.ErrSigningUnavailable, kid)
	}
	return ed25519.Sign(key, payload), nil
}

func (m *Manager) Verify(payload []byte, sig []byte, pubKey []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return errors.New("invalid ed25519 public key length")
	}
	if len(sig) != ed25519.SignatureSize {
		return errors.New("invalid ed25519 signature length")
	}
	if !ed25519.Verify(pubKey, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// KeyID derives the stable key identifier from a public key.
func KeyID(pubKey ed25519.PublicKey) string {
	sum := sha256.Sum256(pubKey)
	return hex.EncodeToString(sum[:])
}

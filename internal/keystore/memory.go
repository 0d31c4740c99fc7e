package keystore

import (
	"fmt"
	"sync"

	"github.com/postalsys/gatelink/internal/crypto"
)

// Memory keeps keys for the life of the process.
type Memory struct {
	mu      sync.Mutex
	aead    map[string][]byte
	signing map[string]*crypto.SigningKeypair
}

// NewMemory creates an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{
		aead:    make(map[string][]byte),
		signing: make(map[string]*crypto.SigningKeypair),
	}
}

// GetOrCreateAEADKey implements Provider.
func (m *Memory) GetOrCreateAEADKey(alias string) ([]byte, error) {
	if err := validateAlias(alias); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if key, ok := m.aead[alias]; ok {
		return append([]byte(nil), key...), nil
	}
	key, err := newAEADKey()
	if err != nil {
		return nil, err
	}
	m.aead[alias] = key
	return append([]byte(nil), key...), nil
}

// GetOrCreateSigningKeypair implements Provider.
func (m *Memory) GetOrCreateSigningKeypair(alias string) (*crypto.SigningKeypair, error) {
	if err := validateAlias(alias); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if kp, ok := m.signing[alias]; ok {
		return copyKeypair(kp), nil
	}
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, err
	}
	m.signing[alias] = kp
	return copyKeypair(kp), nil
}

// LoadSigningKeypair implements Provider.
func (m *Memory) LoadSigningKeypair(alias string) (*crypto.SigningKeypair, error) {
	if err := validateAlias(alias); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kp, ok := m.signing[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, alias)
	}
	return copyKeypair(kp), nil
}

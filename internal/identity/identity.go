// Package identity provides the device identity: a persistent Ed25519 keypair
// that signs pairing challenges.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/postalsys/gatelink/internal/crypto"
	"github.com/postalsys/gatelink/internal/keystore"
	"github.com/postalsys/gatelink/internal/logging"
)

// ErrSignerUnavailable is returned by Sign when no private key is loaded.
// A replacement key is never generated in its place: the gateway pairs with
// the existing public key.
var ErrSignerUnavailable = errors.New("device signer unavailable")

// DeviceIdentity is the device's signing identity. Signing is safe for
// concurrent use.
type DeviceIdentity struct {
	publicKey [crypto.Ed25519PublicKeySize]byte

	mu     sync.RWMutex
	signer *crypto.SigningKeypair
}

// New wraps an existing keypair. A nil keypair yields an identity that
// cannot sign.
func New(kp *crypto.SigningKeypair) *DeviceIdentity {
	d := &DeviceIdentity{}
	if kp != nil {
		d.publicKey = kp.PublicKey
		d.signer = kp
	}
	return d
}

// PublicKey returns the raw Ed25519 public key.
func (d *DeviceIdentity) PublicKey() [crypto.Ed25519PublicKeySize]byte {
	return d.publicKey
}

// PublicKeyBase64URL returns the public key as unpadded base64url.
func (d *DeviceIdentity) PublicKeyBase64URL() string {
	return crypto.EncodeRawURL(d.publicKey[:])
}

// DeviceID returns the lowercase hex SHA-256 of the public key.
func (d *DeviceIdentity) DeviceID() string {
	sum := sha256.Sum256(d.publicKey[:])
	return hex.EncodeToString(sum[:])
}

// ShortID returns the first 8 hex characters of DeviceID.
func (d *DeviceIdentity) ShortID() string {
	return d.DeviceID()[:8]
}

// Sign signs the UTF-8 bytes of payload and returns the signature as
// unpadded base64url.
func (d *DeviceIdentity) Sign(payload string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.signer == nil || d.signer.Wiped() {
		return "", ErrSignerUnavailable
	}
	sig := crypto.Sign(d.signer.PrivateKey, []byte(payload))
	return crypto.EncodeRawURL(sig[:]), nil
}

// Wipe zeroes the private key. Later Sign calls fail with
// ErrSignerUnavailable.
func (d *DeviceIdentity) Wipe() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.signer != nil {
		crypto.ZeroSigningKey(&d.signer.PrivateKey)
		d.signer = nil
	}
}

// VerifySelfSignature checks signature over payload against id's own public
// key. Malformed input of any kind yields false.
func VerifySelfSignature(payload, signature string, id *DeviceIdentity) bool {
	if id == nil || signature == "" {
		return false
	}
	raw, err := crypto.DecodeRawURL(signature)
	if err != nil || len(raw) != crypto.Ed25519SignatureSize {
		return false
	}
	var sig [crypto.Ed25519SignatureSize]byte
	copy(sig[:], raw)
	return crypto.Verify(id.publicKey, []byte(payload), sig)
}

// Manager hands out the process-wide DeviceIdentity.
type Manager struct {
	provider keystore.Provider
	alias    string
	logger   *slog.Logger

	mu     sync.Mutex
	cached atomic.Pointer[DeviceIdentity]
}

// NewManager creates a manager whose keypair lives in provider.
func NewManager(provider keystore.Provider, logger *slog.Logger) *Manager {
	return &Manager{
		provider: provider,
		alias:    keystore.AliasDeviceIdentity,
		logger:   logging.Component(logger, "identity"),
	}
}

// LoadOrCreate returns the cached identity, loading or creating the keypair
// on first use. Concurrent first calls observe the same identity.
func (m *Manager) LoadOrCreate() (*DeviceIdentity, error) {
	if id := m.cached.Load(); id != nil {
		return id, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id := m.cached.Load(); id != nil {
		return id, nil
	}

	kp, err := m.provider.GetOrCreateSigningKeypair(m.alias)
	if err != nil {
		return nil, fmt.Errorf("load device keypair: %w", err)
	}
	id := New(kp)
	m.cached.Store(id)
	m.logger.Debug("device identity loaded", logging.KeyDeviceID, id.ShortID())
	return id, nil
}

// Load returns the existing identity without creating one. It fails with
// keystore.ErrNotFound before the first LoadOrCreate.
func (m *Manager) Load() (*DeviceIdentity, error) {
	if id := m.cached.Load(); id != nil {
		return id, nil
	}
	kp, err := m.provider.LoadSigningKeypair(m.alias)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id := m.cached.Load(); id != nil {
		return id, nil
	}
	id := New(kp)
	m.cached.Store(id)
	return id, nil
}

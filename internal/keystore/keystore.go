// Package keystore provides the secure key provider used by the device
// identity and the token store's encryption layer.
package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/postalsys/gatelink/internal/crypto"
)

// Key aliases used by this module.
const (
	AliasTokenStore     = "token-store"
	AliasDeviceIdentity = "device-identity"
)

var (
	// ErrNotFound is returned when a key has not been created yet.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidAlias is returned for aliases that are not safe file names.
	ErrInvalidAlias = errors.New("invalid key alias")

	// ErrCorruptKey is returned when persisted key material is malformed.
	ErrCorruptKey = errors.New("corrupt key material")
)

var aliasPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Provider creates and returns long-lived keys by alias. A created key never
// changes. Implementations must be safe for concurrent use.
type Provider interface {
	// GetOrCreateAEADKey returns the AES key for alias, creating it once.
	// The returned slice belongs to the caller, which may zero it.
	GetOrCreateAEADKey(alias string) ([]byte, error)
	// GetOrCreateSigningKeypair returns the Ed25519 keypair for alias,
	// creating it once.
	GetOrCreateSigningKeypair(alias string) (*crypto.SigningKeypair, error)
	// LoadSigningKeypair returns an existing keypair or ErrNotFound.
	LoadSigningKeypair(alias string) (*crypto.SigningKeypair, error)
}

func validateAlias(alias string) error {
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("%w: %q", ErrInvalidAlias, alias)
	}
	return nil
}

// ParseKey decodes a hex-encoded key of exactly size bytes.
func ParseKey(s string, size int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) != size*2 {
		return nil, fmt.Errorf("%w: got %d hex chars, expected %d", ErrCorruptKey, len(s), size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKey, err)
	}
	return b, nil
}

func newAEADKey() ([]byte, error) {
	key := make([]byte, crypto.AEADKeySize)
	if err := crypto.RandomBytes(key); err != nil {
		return nil, fmt.Errorf("generate aead key: %w", err)
	}
	return key, nil
}

func copyKeypair(kp *crypto.SigningKeypair) *crypto.SigningKeypair {
	out := *kp
	return &out
}

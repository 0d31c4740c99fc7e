package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/postalsys/gatelink/internal/crypto"
)

const (
	aeadSuffix    = ".aead"
	signingSuffix = ".ed25519"
)

// File keeps keys as hex files, mode 0600, in one directory.
type File struct {
	dir string
	mu  sync.Mutex
}

// NewFile creates a provider rooted at dir. The directory is created on
// first write.
func NewFile(dir string) *File {
	return &File{dir: dir}
}

// Dir returns the key directory.
func (f *File) Dir() string {
	return f.dir
}

// GetOrCreateAEADKey implements Provider.
func (f *File) GetOrCreateAEADKey(alias string) ([]byte, error) {
	if err := validateAlias(alias); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(alias, aeadSuffix)
	key, err := readKey(path, crypto.AEADKeySize)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	key, err = newAEADKey()
	if err != nil {
		return nil, err
	}
	if err := f.store(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GetOrCreateSigningKeypair implements Provider.
func (f *File) GetOrCreateSigningKeypair(alias string) (*crypto.SigningKeypair, error) {
	if err := validateAlias(alias); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	kp, err := f.loadSigning(alias)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	kp, err = crypto.GenerateSigningKeypair()
	if err != nil {
		return nil, err
	}
	seed := kp.Seed()
	if err := f.store(f.path(alias, signingSuffix), seed[:]); err != nil {
		return nil, err
	}
	return kp, nil
}

// LoadSigningKeypair implements Provider.
func (f *File) LoadSigningKeypair(alias string) (*crypto.SigningKeypair, error) {
	if err := validateAlias(alias); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadSigning(alias)
}

// Exists reports whether a signing key has been created for alias.
func (f *File) Exists(alias string) bool {
	_, err := os.Stat(f.path(alias, signingSuffix))
	return err == nil
}

func (f *File) loadSigning(alias string) (*crypto.SigningKeypair, error) {
	b, err := readKey(f.path(alias, signingSuffix), crypto.Ed25519SeedSize)
	if err != nil {
		return nil, err
	}
	var seed [crypto.Ed25519SeedSize]byte
	copy(seed[:], b)
	crypto.Zero(b)
	return crypto.SigningKeypairFromSeed(seed), nil
}

func (f *File) path(alias, suffix string) string {
	return filepath.Join(f.dir, alias+suffix)
}

// store writes key atomically through a temp file.
func (f *File) store(path string, key []byte) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist key: %w", err)
	}
	return nil
}

func readKey(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("read key: %w", err)
	}
	key, err := ParseKey(string(data), size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return key, nil
}

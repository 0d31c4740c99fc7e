// Package crypto holds the primitives behind device identity and the token
// store: Ed25519 signing, AES-GCM sealing and HKDF key derivation.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const (
	// Ed25519PublicKeySize is the size of Ed25519 public keys in bytes.
	Ed25519PublicKeySize = 32

	// Ed25519PrivateKeySize is the size of an expanded Ed25519 private key
	// (seed followed by public key).
	Ed25519PrivateKeySize = 64

	// Ed25519SeedSize is the size of the Ed25519 seed persisted by key stores.
	Ed25519SeedSize = 32

	// Ed25519SignatureSize is the size of Ed25519 signatures in bytes.
	Ed25519SignatureSize = 64
)

// SigningKeypair holds an Ed25519 device keypair.
type SigningKeypair struct {
	PublicKey  [Ed25519PublicKeySize]byte
	PrivateKey [Ed25519PrivateKeySize]byte
}

// GenerateSigningKeypair generates a new Ed25519 keypair.
func GenerateSigningKeypair() (*SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	kp := &SigningKeypair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)
	return kp, nil
}

// SigningKeypairFromSeed rebuilds a keypair from its persisted seed.
func SigningKeypairFromSeed(seed [Ed25519SeedSize]byte) *SigningKeypair {
	priv := ed25519.NewKeyFromSeed(seed[:])

	kp := &SigningKeypair{}
	copy(kp.PrivateKey[:], priv)
	kp.PublicKey = PublicKeyFromPrivate(kp.PrivateKey)
	return kp
}

// Seed returns the 32-byte seed that SigningKeypairFromSeed accepts.
func (kp *SigningKeypair) Seed() [Ed25519SeedSize]byte {
	var seed [Ed25519SeedSize]byte
	copy(seed[:], kp.PrivateKey[:Ed25519SeedSize])
	return seed
}

// Wiped reports whether the private half has been zeroed.
func (kp *SigningKeypair) Wiped() bool {
	var zero [Ed25519PrivateKeySize]byte
	return kp.PrivateKey == zero
}

// PublicKeyFromPrivate derives the Ed25519 public key from a private key.
func PublicKeyFromPrivate(privateKey [Ed25519PrivateKeySize]byte) [Ed25519PublicKeySize]byte {
	priv := ed25519.PrivateKey(privateKey[:])

	var pub [Ed25519PublicKeySize]byte
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return pub
}

// Sign creates an Ed25519 signature of message.
func Sign(privateKey [Ed25519PrivateKeySize]byte, message []byte) [Ed25519SignatureSize]byte {
	var signature [Ed25519SignatureSize]byte
	copy(signature[:], ed25519.Sign(ed25519.PrivateKey(privateKey[:]), message))
	return signature
}

// Verify reports whether signature is valid for message under publicKey.
func Verify(publicKey [Ed25519PublicKeySize]byte, message []byte, signature [Ed25519SignatureSize]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(publicKey[:]), message, signature[:])
}

// ZeroSigningKey zeroes out a signing private key array.
func ZeroSigningKey(k *[Ed25519PrivateKeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// EncodeRawURL encodes b as unpadded base64url, the form used for public keys
// and signatures on the wire.
func EncodeRawURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeRawURL decodes unpadded base64url. Padded input is rejected.
func DecodeRawURL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}

package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateSigningKeypair(t *testing.T) {
	kp, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}

	var zeroPublic [Ed25519PublicKeySize]byte
	if kp.PublicKey == zeroPublic {
		t.Error("GenerateSigningKeypair() generated zero public key")
	}
	if kp.Wiped() {
		t.Error("fresh keypair reports wiped")
	}

	kp2, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() second call error = %v", err)
	}
	if kp.PublicKey == kp2.PublicKey {
		t.Error("GenerateSigningKeypair() generated same public key twice")
	}
}

func TestSeedRoundTrip(t *testing.T) {
	kp, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}

	restored := SigningKeypairFromSeed(kp.Seed())
	if restored.PublicKey != kp.PublicKey || restored.PrivateKey != kp.PrivateKey {
		t.Error("keypair rebuilt from seed differs from the original")
	}
	if PublicKeyFromPrivate(kp.PrivateKey) != kp.PublicKey {
		t.Error("PublicKeyFromPrivate() derived different public key")
	}
}

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}

	message := []byte("challenge:nonce-123")
	signature := Sign(kp.PrivateKey, message)

	if !Verify(kp.PublicKey, message, signature) {
		t.Error("Verify() returned false for valid signature")
	}
	if Verify(kp.PublicKey, []byte("challenge:nonce-124"), signature) {
		t.Error("Verify() returned true for wrong message")
	}

	kp2, _ := GenerateSigningKeypair()
	if Verify(kp2.PublicKey, message, signature) {
		t.Error("Verify() returned true for wrong public key")
	}

	modified := signature
	modified[0] ^= 0xFF
	if Verify(kp.PublicKey, message, modified) {
		t.Error("Verify() returned true for modified signature")
	}

	// Ed25519 is deterministic per key and message.
	if Sign(kp.PrivateKey, message) != signature {
		t.Error("Sign() is not deterministic")
	}
}

func TestZeroSigningKey(t *testing.T) {
	kp, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}

	ZeroSigningKey(&kp.PrivateKey)
	if !kp.Wiped() {
		t.Error("ZeroSigningKey() did not zero the key")
	}
}

func TestRawURLEncoding(t *testing.T) {
	in := []byte{0xfb, 0xff, 0x00, 0x10}
	enc := EncodeRawURL(in)
	if enc != "-_8AEA" {
		t.Errorf("EncodeRawURL() = %q", enc)
	}
	out, err := DecodeRawURL(enc)
	if err != nil || !bytes.Equal(out, in) {
		t.Errorf("DecodeRawURL() = %x, %v", out, err)
	}
	if _, err := DecodeRawURL("-_8AEA=="); err == nil {
		t.Error("padded input should be rejected")
	}
}

func TestRandomBytes(t *testing.T) {
	buf1 := make([]byte, 32)
	buf2 := make([]byte, 32)

	if err := RandomBytes(buf1); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	if err := RandomBytes(buf2); err != nil {
		t.Fatalf("RandomBytes() second call error = %v", err)
	}
	if bytes.Equal(buf1, buf2) {
		t.Error("RandomBytes() generated same bytes twice")
	}
}

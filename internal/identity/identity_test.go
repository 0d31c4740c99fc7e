package identity

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/postalsys/gatelink/internal/crypto"
	"github.com/postalsys/gatelink/internal/keystore"
)

func newIdentity(t *testing.T) *DeviceIdentity {
	t.Helper()
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	return New(kp)
}

func TestSignAndVerifySelf(t *testing.T) {
	id := newIdentity(t)
	payloads := []string{"a", "challenge:abc:123", "ünïcødé ✓", strings.Repeat("x", 4096)}

	for _, p := range payloads {
		sig, err := id.Sign(p)
		if err != nil {
			t.Fatalf("Sign(%q) error = %v", p, err)
		}
		if strings.ContainsAny(sig, "+/=") {
			t.Errorf("signature %q is not unpadded base64url", sig)
		}
		if !VerifySelfSignature(p, sig, id) {
			t.Errorf("VerifySelfSignature(%q) = false", p)
		}
		again, _ := id.Sign(p)
		if again != sig {
			t.Error("signature is not deterministic")
		}
	}
}

func TestVerifySelfSignature_Malformed(t *testing.T) {
	id := newIdentity(t)
	other := newIdentity(t)
	sig, _ := id.Sign("payload")
	otherSig, _ := other.Sign("payload")

	tests := []struct {
		name    string
		payload string
		sig     string
		id      *DeviceIdentity
	}{
		{"empty signature", "payload", "", id},
		{"not base64", "payload", "!!!", id},
		{"padded", "payload", sig + "==", id},
		{"short", "payload", sig[:10], id},
		{"wrong payload", "payload2", sig, id},
		{"other key", "payload", otherSig, id},
		{"nil identity", "payload", sig, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifySelfSignature(tt.payload, tt.sig, tt.id) {
				t.Error("VerifySelfSignature() = true")
			}
		})
	}
}

func TestSign_Unavailable(t *testing.T) {
	if _, err := New(nil).Sign("x"); !errors.Is(err, ErrSignerUnavailable) {
		t.Errorf("Sign() with no key error = %v", err)
	}

	id := newIdentity(t)
	pub := id.PublicKey()
	id.Wipe()
	if _, err := id.Sign("x"); !errors.Is(err, ErrSignerUnavailable) {
		t.Errorf("Sign() after Wipe error = %v", err)
	}
	if id.PublicKey() != pub {
		t.Error("Wipe changed the public key")
	}
}

func TestDeviceID(t *testing.T) {
	id := newIdentity(t)
	if len(id.DeviceID()) != 64 || strings.ToLower(id.DeviceID()) != id.DeviceID() {
		t.Errorf("DeviceID() = %q", id.DeviceID())
	}
	if id.ShortID() != id.DeviceID()[:8] {
		t.Errorf("ShortID() = %q", id.ShortID())
	}
	if New(nil).DeviceID() == id.DeviceID() {
		t.Error("distinct keys share a device id")
	}
}

func TestManager_LoadOrCreateCaches(t *testing.T) {
	m := NewManager(keystore.NewMemory(), nil)

	var wg sync.WaitGroup
	ids := make([]*DeviceIdentity, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.LoadOrCreate()
			if err != nil {
				t.Errorf("LoadOrCreate() error = %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if ids[i] != ids[0] {
			t.Fatal("LoadOrCreate() returned different identity objects")
		}
	}
}

func TestManager_StableAcrossRestarts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	if _, err := NewManager(keystore.NewFile(dir), nil).Load(); !errors.Is(err, keystore.ErrNotFound) {
		t.Fatalf("Load() before create error = %v", err)
	}

	first, err := NewManager(keystore.NewFile(dir), nil).LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	second, err := NewManager(keystore.NewFile(dir), nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if first.PublicKeyBase64URL() != second.PublicKeyBase64URL() {
		t.Error("public key changed across restarts")
	}

	sig, _ := first.Sign("hello")
	if !VerifySelfSignature("hello", sig, second) {
		t.Error("reloaded identity does not verify the original signature")
	}
}

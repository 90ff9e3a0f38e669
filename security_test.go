package netframe

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// testPrivateKey shares one generated key across tests.
func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := GenerateKey(DefaultKeyBits)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func TestEncryptToken_Size(t *testing.T) {
	key := testPrivateKey(t)

	token, err := EncryptToken(&key.PublicKey, "secret")
	if err != nil {
		t.Fatalf("EncryptToken failed: %v", err)
	}
	if len(token) != 128 {
		t.Errorf("token length = %d, want 128", len(token))
	}
}

func TestValidator(t *testing.T) {
	key := testPrivateKey(t)
	v := newValidator(key, "letmein")

	good, _ := EncryptToken(&key.PublicKey, "letmein")
	if err := v.validate(good); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}

	wrong, _ := EncryptToken(&key.PublicKey, "wrong")
	if err := v.validate(wrong); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: expected ErrInvalidToken, got %v", err)
	}

	if err := v.validate(good[:100]); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("short token: expected ErrInvalidToken, got %v", err)
	}

	garbage := make([]byte, len(good))
	if err := v.validate(garbage); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token: expected ErrInvalidToken, got %v", err)
	}

	v.setSecret("wrong")
	if err := v.validate(wrong); err != nil {
		t.Errorf("token rejected after secret change: %v", err)
	}
}

func TestKeyFiles_RoundTrip(t *testing.T) {
	key := testPrivateKey(t)
	dir := filepath.Join(t.TempDir(), "keys")

	privPath, pubPath, err := WriteKeyFiles(dir, key)
	if err != nil {
		t.Fatalf("WriteKeyFiles failed: %v", err)
	}
	if filepath.Base(privPath) != PrivateKeyFileName || filepath.Base(pubPath) != PublicKeyFileName {
		t.Errorf("paths = %s, %s", privPath, pubPath)
	}

	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
	}

	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		t.Fatalf("LoadPublicKey failed: %v", err)
	}

	if !priv.Equal(key) || !pub.Equal(&key.PublicKey) {
		t.Error("loaded keys differ from the written key")
	}
}

func TestParseKeyPEM_AlternateFormats(t *testing.T) {
	key := testPrivateKey(t)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey failed: %v", err)
	}
	priv, err := ParsePrivateKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))
	if err != nil || !priv.Equal(key) {
		t.Errorf("PKCS#8 private key: %v", err)
	}

	pkcs1 := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	pub, err := ParsePublicKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: pkcs1}))
	if err != nil || !pub.Equal(&key.PublicKey) {
		t.Errorf("PKCS#1 public key: %v", err)
	}
}

func TestParseKeyPEM_Invalid(t *testing.T) {
	if _, err := ParsePrivateKeyPEM([]byte("not pem")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}

	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}})
	if _, err := ParsePublicKeyPEM(block); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}

	if _, err := LoadPrivateKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("LoadPrivateKey on a missing file succeeded")
	}
}

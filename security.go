package netframe

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Key file names written by WriteKeyFiles.
const (
	PrivateKeyFileName = "private_rsa_key.pem"
	PublicKeyFileName  = "public_rsa_key.pem"

	// DefaultKeyBits gives a 128 byte token ciphertext.
	DefaultKeyBits = 1024
)

// Security errors.
var (
	// ErrInvalidToken is returned when a token response fails validation.
	ErrInvalidToken = errors.New("invalid security token")
	// ErrInvalidKey is returned when PEM data does not hold a usable RSA key.
	ErrInvalidKey = errors.New("invalid rsa key")
)

// GenerateKey creates a new RSA key pair of the given size.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrap(err, "generate rsa key")
	}
	return key, nil
}

// WriteKeyFiles stores key in dir as PrivateKeyFileName (PKCS#1) and
// PublicKeyFileName (PKIX). The private file is created with mode 0600.
func WriteKeyFiles(dir string, key *rsa.PrivateKey) (privPath, pubPath string, err error) {
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "create key dir")
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", errors.Wrap(err, "marshal public key")
	}

	privPath = filepath.Join(dir, PrivateKeyFileName)
	pubPath = filepath.Join(dir, PublicKeyFileName)

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err = os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return "", "", errors.Wrap(err, "write private key")
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err = os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return "", "", errors.Wrap(err, "write public key")
	}
	return privPath, pubPath, nil
}

// LoadPrivateKey reads a PEM encoded RSA private key from path.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read private key")
	}
	return ParsePrivateKeyPEM(data)
}

// LoadPublicKey reads a PEM encoded RSA public key from path.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read public key")
	}
	return ParsePublicKeyPEM(data)
}

// ParsePrivateKeyPEM accepts PKCS#1 ("RSA PRIVATE KEY") and PKCS#8
// ("PRIVATE KEY") blocks.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Wrap(ErrInvalidKey, "no pem block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidKey, err.Error())
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidKey, err.Error())
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Wrap(ErrInvalidKey, "not an rsa key")
		}
		return key, nil
	default:
		return nil, errors.Wrapf(ErrInvalidKey, "unexpected pem type %q", block.Type)
	}
}

// ParsePublicKeyPEM accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") blocks.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Wrap(ErrInvalidKey, "no pem block")
	}

	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidKey, err.Error())
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.Wrap(ErrInvalidKey, "not an rsa key")
		}
		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidKey, err.Error())
		}
		return key, nil
	default:
		return nil, errors.Wrapf(ErrInvalidKey, "unexpected pem type %q", block.Type)
	}
}

// EncryptToken encrypts secret for the holder of key's private half. The
// result is always key.Size() bytes long.
func EncryptToken(key *rsa.PublicKey, secret string) ([]byte, error) {
	out, err := rsa.EncryptPKCS1v15(rand.Reader, key, []byte(secret))
	if err != nil {
		return nil, errors.Wrap(err, "encrypt token")
	}
	return out, nil
}

// validator checks token responses on the server.
type validator struct {
	key *rsa.PrivateKey

	mu     sync.RWMutex
	secret []byte
}

func newValidator(key *rsa.PrivateKey, secret string) *validator {
	return &validator{key: key, secret: []byte(secret)}
}

// tokenSize is the exact ciphertext length a response must have.
func (v *validator) tokenSize() int {
	return v.key.Size()
}

func (v *validator) setSecret(secret string) {
	v.mu.Lock()
	v.secret = []byte(secret)
	v.mu.Unlock()
}

// validate decrypts a token response and compares it with the secret.
func (v *validator) validate(token []byte) error {
	if len(token) != v.tokenSize() {
		return errors.Wrapf(ErrInvalidToken, "length %d, want %d", len(token), v.tokenSize())
	}

	plain, err := rsa.DecryptPKCS1v15(nil, v.key, token)
	if err != nil {
		return errors.Wrap(ErrInvalidToken, "decrypt failed")
	}

	v.mu.RLock()
	ok := subtle.ConstantTimeCompare(plain, v.secret) == 1
	v.mu.RUnlock()

	if !ok {
		return errors.Wrap(ErrInvalidToken, "secret mismatch")
	}
	return nil
}

// Package vault encrypts account credentials at rest
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/yairfalse/cloudwatcher/types"
)

// KeySize is the required key length in bytes
const KeySize = chacha20poly1305.KeySize

// Codec turns a credential map into a storable blob and back
type Codec interface {
	Encrypt(creds map[string]string) (string, error)
	Decrypt(blob string) (map[string]string, error)
}

// Vault seals credentials with XChaCha20-Poly1305. The blob is
// base64(nonce || ciphertext).
type Vault struct {
	key []byte
}

// New creates a vault from a 32 byte key
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Vault{key: k}, nil
}

// NewFromString creates a vault from a base64 encoded key
func NewFromString(encoded string) (*Vault, error) {
	key, err := ParseKey(encoded)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// ParseKey decodes a base64 key, accepting standard and URL alphabets
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("vault key is empty")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("vault key is not valid base64")
}

// GenerateKey returns a new random key, base64 encoded
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt implements Codec
func (v *Vault) Encrypt(creds map[string]string) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt implements Codec. Any failure is a credentials error.
func (v *Vault) Decrypt(blob string) (map[string]string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, types.NewCredentialsError("credentials blob is not base64", err)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, types.NewCredentialsError("init cipher", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, types.NewCredentialsError("credentials blob too short", nil)
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, types.NewCredentialsError("credentials could not be decrypted", err)
	}

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, types.NewCredentialsError("decrypted credentials are not a JSON object", err)
	}
	return creds, nil
}

// Plaintext stores credentials as unencrypted JSON. Used when no key is
// configured and in tests.
type Plaintext struct{}

// Encrypt implements Codec
func (Plaintext) Encrypt(creds map[string]string) (string, error) {
	b, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return string(b), nil
}

// Decrypt implements Codec
func (Plaintext) Decrypt(blob string) (map[string]string, error) {
	var creds map[string]string
	if err := json.Unmarshal([]byte(blob), &creds); err != nil {
		return nil, types.NewCredentialsError("stored credentials are not a JSON object", err)
	}
	return creds, nil
}

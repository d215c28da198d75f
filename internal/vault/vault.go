// Package vault encrypts user contact fields at rest.
//
// Values are sealed with XChaCha20-Poly1305 under a key derived from a
// server secret via Argon2id, then stored as "v1:" + base64(nonce||ct).
// Values without the prefix are treated as legacy plaintext so that a
// secret can be introduced on an existing database.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mindflora/mindflora/internal/core"
)

const (
	prefix   = "v1:"
	saltSize = 32
)

// Cipher seals and opens individual field values.
type Cipher struct {
	aead cipher.AEAD
}

// New derives a field key from secret and salt.
func New(secret string, salt []byte) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: vault secret", core.ErrMissingRequired)
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("%w: salt too short", core.ErrInvalidInput)
	}

	key := argon2.IDKey([]byte(secret), salt, 3, 64*1024, 4, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// LoadOrCreateSalt reads the salt file at path, creating it on first use.
func LoadOrCreateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode salt: %w", err)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(salt)), 0600); err != nil {
		return nil, err
	}
	return salt, nil
}

// Encrypt seals plaintext. Empty values stay empty.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrEncryptionFailed, err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		// legacy plaintext
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("%w: invalid encrypted data", core.ErrDecryptionFailed)
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	pt, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w (wrong secret?)", core.ErrDecryptionFailed)
	}
	return string(pt), nil
}

// IsSealed reports whether a stored value is ciphertext.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, prefix)
}

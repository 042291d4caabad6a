// Package vault encrypts creator payout credentials at rest with
// AES-256-GCM. The cipher key is a process-wide secret, never persisted
// alongside the ciphertext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

// ErrAuthentication is returned when a ciphertext fails GCM authentication:
// a tampered blob or a wrong vault key. Distinct from malformed input so
// operators can tell a key-rotation mistake apart from corrupted data.
var ErrAuthentication = errors.New("vault: ciphertext authentication failed")

// ErrMalformed is returned for blobs too short to contain a nonce.
var ErrMalformed = errors.New("vault: malformed ciphertext")

// Vault seals and opens payout credential blobs.
type Vault struct {
	gcm cipher.AEAD
}

// New creates a vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create GCM: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// NewFromBase64 creates a vault from a base64-encoded 32-byte key, the form
// the key takes in process configuration.
func NewFromBase64(encoded string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: invalid base64 key: %w", err)
	}
	return New(key)
}

// Encrypt seals plaintext with a fresh random nonce. The nonce is prefixed
// to the returned blob.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	return v.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Authentication failures return
// ErrAuthentication and never a wrong plaintext.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < v.gcm.NonceSize() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := blob[:v.gcm.NonceSize()], blob[v.gcm.NonceSize():]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Package pskvault wraps IPsec pre-shared keys at rest with AES-256-GCM.
package pskvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	keyLen   = 32 // AES-256
	nonceLen = 12 // GCM standard nonce size
)

// ErrCrypto is returned for any wrap/unwrap failure, including authentication
// tag mismatches. The message never includes plaintext or ciphertext.
var ErrCrypto = errors.New("pskvault: crypto error")

// Vault encrypts and decrypts pre-shared keys with a single process-wide
// AES-256-GCM key loaded once at startup.
type Vault struct {
	gcm cipher.AEAD
}

// New builds a Vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("pskvault: key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pskvault: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pskvault: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// ParseKey decodes a key serialised as hex (preferred once decoded length is
// 32 bytes) or base64. Any other encoding is rejected.
func ParseKey(encoded string) ([]byte, error) {
	if b, err := hex.DecodeString(encoded); err == nil && len(b) == keyLen {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(b) == keyLen {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(encoded); err == nil && len(b) == keyLen {
		return b, nil
	}
	return nil, fmt.Errorf("pskvault: key must decode to %d bytes as hex or base64", keyLen)
}

// Encrypt seals plaintext under a freshly generated random nonce. Ciphertext
// and nonce are returned separately so both can be stored as distinct columns.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("pskvault: %w", err)
	}
	ciphertext = v.gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt. It fails with ErrCrypto if the
// authentication tag does not verify; the error never carries the input.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCrypto
	}
	return plaintext, nil
}

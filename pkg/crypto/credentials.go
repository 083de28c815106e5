// Package crypto seals provider refresh tokens for storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed is returned when no configured key opens the ciphertext,
	// or the ciphertext was sealed for a different owner.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

const sealedPrefix = "v1:"

// TokenSealer provides AES-256-GCM encryption bound to an owner.
// The binding is passed as GCM additional data, so a ciphertext copied onto
// another owner's row fails to open.
//
// Older keys may be supplied for rotation: Seal always uses the primary key,
// Open tries every key in order.
type TokenSealer struct {
	keys []cipher.AEAD
}

// NewTokenSealer creates a sealer from the primary key and optional previous keys.
// Each key can be:
//   - A base64-encoded 32-byte key (e.g., from: openssl rand -base64 32)
//   - Any passphrase (hashed to 32 bytes with SHA-256)
func NewTokenSealer(primary string, previous ...string) (*TokenSealer, error) {
	if primary == "" {
		return nil, ErrInvalidKey
	}

	s := &TokenSealer{}
	for _, k := range append([]string{primary}, previous...) {
		if k == "" {
			continue
		}
		aead, err := newAEAD(k)
		if err != nil {
			return nil, err
		}
		s.keys = append(s.keys, aead)
	}
	return s, nil
}

func newAEAD(keyInput string) (cipher.AEAD, error) {
	var key []byte
	decoded, err := base64.StdEncoding.DecodeString(keyInput)
	if err == nil && len(decoded) == 32 {
		key = decoded
	} else {
		hash := sha256.Sum256([]byte(keyInput))
		key = hash[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext for binding and returns "v1:" + base64(nonce || ciphertext || tag).
func (s *TokenSealer) Seal(plaintext, binding string) (string, error) {
	if plaintext == "" {
		return "", errors.New("refusing to seal an empty token")
	}

	gcm := s.keys[0]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(binding))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same binding.
func (s *TokenSealer) Open(sealed, binding string) (string, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrDecryptionFailed)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	for _, gcm := range s.keys {
		nonceSize := gcm.NonceSize()
		if len(data) < nonceSize+gcm.Overhead() {
			return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
		}
		plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], []byte(binding))
		if err == nil {
			return string(plaintext), nil
		}
	}
	return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
}

// Binding builds the additional data for an owner's provider credential.
func Binding(ownerID, provider string) string {
	return ownerID + "/" + provider
}

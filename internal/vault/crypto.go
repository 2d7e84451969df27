// Package vault provides the security primitives of the daemon: AES-GCM
// sealing of configuration secrets and TLS certificate generation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a configuration value produced by Seal.
const SealedPrefix = "enc:"

// ErrNoKey is returned when a sealed value is found but no key is configured.
var ErrNoKey = errors.New("sealed value found but no secret key configured")

// Encrypt seals plaintext with AES-256-GCM and returns nonce||ciphertext as hex.
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Decrypt reverses Encrypt.
func Decrypt(cipherHex string, key []byte) (string, error) {
	raw, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", fmt.Errorf("malformed sealed value: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", errors.New("decryption failed (wrong key or tampered data)")
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return cipher.NewGCM(block)
}

// ParseKey accepts a 64-character hex key or a raw 32-byte string.
func ParseKey(s string) ([]byte, error) {
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	if len(s) == 32 {
		return []byte(s), nil
	}
	return nil, errors.New("secret key must be 32 bytes or 64 hex characters")
}

// Seal encrypts a secret for a configuration file.
func Seal(plaintext string, key []byte) (string, error) {
	c, err := Encrypt(plaintext, key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + c, nil
}

// Reveal returns value unchanged unless it was produced by Seal, in which
// case it is decrypted with key.
func Reveal(value string, key []byte) (string, error) {
	if !strings.HasPrefix(value, SealedPrefix) {
		return value, nil
	}
	if len(key) == 0 {
		return "", ErrNoKey
	}
	return Decrypt(strings.TrimPrefix(value, SealedPrefix), key)
}

// Package vault encrypts provider secrets at rest. Tokens and direct-bank
// credentials are sealed with ChaCha20-Poly1305 before they touch the
// database; plaintext exists only in memory, scoped to a single call.
package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals and opens secret byte strings using a single process-wide
// AEAD key loaded at startup.
type Cipher struct {
	key []byte
}

// NewCipher validates the key length and returns a ready cipher.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

// Seal encrypts plaintext with a fresh random nonce. The result is
// nonce || ciphertext, stored as a single blob.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce||ciphertext blob. Any tampering or key mismatch
// fails closed with an error; no partial plaintext is ever returned.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed blob too short: %d bytes", len(sealed))
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt sealed blob: %w", err)
	}
	return plaintext, nil
}

// SealString is a convenience wrapper for string secrets.
func (c *Cipher) SealString(plaintext string) ([]byte, error) {
	return c.Seal([]byte(plaintext))
}

// OpenString decrypts a sealed blob into a string.
func (c *Cipher) OpenString(sealed []byte) (string, error) {
	b, err := c.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

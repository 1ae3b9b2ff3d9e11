// Package crypto provides the authenticated-encryption boundary every frame
// payload passes through. Both ends share a 32-byte key out of band; tokens
// are ChaCha20-Poly1305 sealed with a random nonce, so tampering is detected
// and two seals of the same plaintext never produce the same token.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrDecrypt indicates a token is malformed, was sealed under a different
	// key, or was modified in transit.
	ErrDecrypt = errors.New("token invalid or tampered")
)

// Cipher seals and opens envelope payloads under a pre-shared key.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewFromBase64 creates a cipher from a base64-encoded key, the form keys
// take in config files.
func NewFromBase64(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	return New(key)
}

// GenerateKey returns a fresh random key, base64-encoded for config files.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts a plaintext into a token: nonce || ciphertext+tag.
func (c *Cipher) Seal(plaintext []byte) []byte {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		// rand.Reader failing means the process has no usable entropy source;
		// nothing sensible can continue from here.
		panic(fmt.Sprintf("crypto: nonce generation failed: %v", err))
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil)
}

// Open authenticates and decrypts a token produced by Seal.
func (c *Cipher) Open(token []byte) ([]byte, error) {
	if len(token) < c.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := token[:c.aead.NonceSize()], token[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

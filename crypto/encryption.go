package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the symmetric key length derived from a shared secret.
	KeySize = 32
	// NonceSize is the per-chunk nonce prefixed to every sealed payload.
	NonceSize = 12

	// SuiteAESGCM selects AES-256-GCM.
	SuiteAESGCM = "aes-256-gcm"
	// SuiteChaCha20Poly1305 selects ChaCha20-Poly1305.
	SuiteChaCha20Poly1305 = "chacha20-poly1305"
)

var (
	// ErrDecrypt indicates a sealed chunk failed authentication (wrong secret, corruption, truncation).
	ErrDecrypt = errors.New("crypto: chunk authentication failed")
	// ErrEmptySecret indicates key derivation was attempted without a secret.
	ErrEmptySecret = errors.New("crypto: shared secret is required")
	// ErrUnknownSuite indicates an unsupported cipher suite name.
	ErrUnknownSuite = errors.New("crypto: unknown cipher suite")
)

// DeriveKey hashes the UTF-8 secret into KeySize bytes of key material.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:], nil
}

// ChunkCipher seals and opens individual chunk payloads as nonce || ciphertext || tag.
// It is safe for concurrent use.
type ChunkCipher struct {
	suite string
	aead  cipher.AEAD
}

// NewChunkCipher derives a key from secret and builds a cipher for the given suite.
// An empty suite selects SuiteAESGCM.
func NewChunkCipher(secret, suite string) (*ChunkCipher, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return NewChunkCipherFromKey(key, suite)
}

// NewChunkCipherFromKey builds a cipher from raw key material.
func NewChunkCipherFromKey(key []byte, suite string) (*ChunkCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), KeySize)
	}
	if suite == "" {
		suite = SuiteAESGCM
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case SuiteAESGCM:
		block, blockErr := aes.NewCipher(key)
		if blockErr != nil {
			return nil, fmt.Errorf("create AES cipher: %w", blockErr)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
	case SuiteChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, suite)
	}
	if aead.NonceSize() != NonceSize {
		return nil, fmt.Errorf("unexpected nonce size %d for suite %q", aead.NonceSize(), suite)
	}

	return &ChunkCipher{suite: suite, aead: aead}, nil
}

// Suite returns the configured suite name.
func (c *ChunkCipher) Suite() string {
	return c.suite
}

// Overhead is the number of bytes Seal adds to a plaintext.
func (c *ChunkCipher) Overhead() int {
	return NonceSize + c.aead.Overhead()
}

// Seal encrypts plaintext under a fresh random nonce. Nonces are never reused.
func (c *ChunkCipher) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open splits the nonce prefix off payload and decrypts the remainder.
func (c *ChunkCipher) Open(payload []byte) ([]byte, error) {
	if len(payload) < NonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrDecrypt, len(payload))
	}

	plaintext, err := c.aead.Open(nil, payload[:NonceSize], payload[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

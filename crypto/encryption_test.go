package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	for _, suite := range []string{SuiteAESGCM, SuiteChaCha20Poly1305} {
		t.Run(suite, func(t *testing.T) {
			c, err := NewChunkCipher("correct horse battery staple", suite)
			if err != nil {
				t.Fatalf("NewChunkCipher failed: %v", err)
			}

			plaintext := bytes.Repeat([]byte("chunk-bytes "), 1000)
			sealed, err := c.Seal(plaintext)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if len(sealed) != len(plaintext)+c.Overhead() {
				t.Fatalf("unexpected sealed length: got %d want %d", len(sealed), len(plaintext)+c.Overhead())
			}

			opened, err := c.Open(sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Fatalf("plaintext mismatch after round trip")
			}
		})
	}
}

func TestSealEmptyPlaintext(t *testing.T) {
	c, err := NewChunkCipher("secret", "")
	if err != nil {
		t.Fatalf("NewChunkCipher failed: %v", err)
	}
	sealed, err := c.Seal(nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(opened) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(opened))
	}
}

func TestSealUsesFreshNonces(t *testing.T) {
	c, err := NewChunkCipher("secret", SuiteAESGCM)
	if err != nil {
		t.Fatalf("NewChunkCipher failed: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		sealed, err := c.Seal([]byte("same plaintext"))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		nonce := string(sealed[:NonceSize])
		if seen[nonce] {
			t.Fatalf("nonce reused on iteration %d", i)
		}
		seen[nonce] = true
	}
}

func TestOpenWithDifferentSecretFails(t *testing.T) {
	sender, err := NewChunkCipher("secret-a", SuiteAESGCM)
	if err != nil {
		t.Fatalf("NewChunkCipher failed: %v", err)
	}
	receiver, err := NewChunkCipher("secret-b", SuiteAESGCM)
	if err != nil {
		t.Fatalf("NewChunkCipher failed: %v", err)
	}

	sealed, err := sender.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	opened, err := receiver.Open(sealed)
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if opened != nil {
		t.Fatalf("expected no plaintext on failure")
	}
}

func TestOpenRejectsTamperedAndTruncatedPayloads(t *testing.T) {
	c, err := NewChunkCipher("secret", SuiteChaCha20Poly1305)
	if err != nil {
		t.Fatalf("NewChunkCipher failed: %v", err)
	}
	sealed, err := c.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := c.Open(tampered); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for tampered payload, got %v", err)
	}
	if _, err := c.Open(sealed[:NonceSize]); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for truncated payload, got %v", err)
	}
}

func TestDeriveKey(t *testing.T) {
	if _, err := DeriveKey(""); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}

	a, err := DeriveKey("secret")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	b, err := DeriveKey("secret")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(a) != KeySize || !bytes.Equal(a, b) {
		t.Fatalf("expected deterministic %d-byte key", KeySize)
	}
}

func TestNewChunkCipherRejectsUnknownSuite(t *testing.T) {
	if _, err := NewChunkCipher("secret", "rot13"); !errors.Is(err, ErrUnknownSuite) {
		t.Fatalf("expected ErrUnknownSuite, got %v", err)
	}
	if _, err := NewChunkCipherFromKey([]byte("short"), SuiteAESGCM); err == nil {
		t.Fatalf("expected error for short key")
	}
}

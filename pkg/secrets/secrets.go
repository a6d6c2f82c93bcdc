// Package secrets defines the decryption contract for stored credential
// material. Production deployments plug in an external KMS-backed
// implementation; the Local AES-GCM implementation serves development
// and tests.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// Decrypter turns stored ciphertext back into the JSON secret document.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Local is an AES-GCM Decrypter with a static key. The nonce is
// prepended to each ciphertext.
type Local struct {
	aead cipher.AEAD
}

// NewLocal builds a Local decrypter. The key must be 16, 24, or 32
// bytes.
func NewLocal(key []byte) (*Local, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return &Local{aead: aead}, nil
}

// Encrypt seals plaintext for storage. Used by seeding and tests; the
// orchestrator itself only decrypts.
func (l *Local) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}
	return l.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt implements Decrypter.
func (l *Local) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < l.aead.NonceSize() {
		return nil, errors.New("secrets: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:l.aead.NonceSize()], ciphertext[l.aead.NonceSize():]
	plaintext, err := l.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt: %w", err)
	}
	return plaintext, nil
}

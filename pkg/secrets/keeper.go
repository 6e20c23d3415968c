package secrets

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrEmptyKey is returned when a keeper holds no key material.
var ErrEmptyKey = errors.New("secrets: empty key")

// Keeper hands out the grant-signing key to the negotiation core.
type Keeper interface {
	SigningKey(ctx context.Context) ([]byte, error)
}

// StaticKeeper returns a fixed key. Intended for tests and development.
type StaticKeeper struct {
	Key []byte
}

var _ Keeper = (*StaticKeeper)(nil)

func (k *StaticKeeper) SigningKey(ctx context.Context) ([]byte, error) {
	if len(k.Key) == 0 {
		return nil, ErrEmptyKey
	}
	return k.Key, nil
}

// EncryptedKeeper holds the signing key sealed with XChaCha20-Poly1305
// under a master key, decrypting on demand so the plaintext never sits in
// a long-lived field.
type EncryptedKeeper struct {
	aead   cipherSuite
	nonce  []byte
	sealed []byte
}

type cipherSuite interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

var _ Keeper = (*EncryptedKeeper)(nil)

// NewEncryptedKeeper seals the signing key under the master key.
func NewEncryptedKeeper(masterKey, signingKey []byte) (*EncryptedKeeper, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secrets: master key must be %d bytes", chacha20poly1305.KeySize)
	}
	if len(signingKey) == 0 {
		return nil, ErrEmptyKey
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}
	return &EncryptedKeeper{
		aead:   aead,
		nonce:  nonce,
		sealed: aead.Seal(nil, nonce, signingKey, nil),
	}, nil
}

func (k *EncryptedKeeper) SigningKey(ctx context.Context) ([]byte, error) {
	plain, err := k.aead.Open(nil, k.nonce, k.sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt signing key: %w", err)
	}
	return plain, nil
}

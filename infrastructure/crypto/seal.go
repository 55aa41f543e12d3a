// Package crypto provides the authenticated encryption primitive used to
// seal credential and tenant state at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// ErrIntegrity is returned by Open when authentication of the sealed payload
// fails. Callers treat it as "the file is corrupt or was tampered with",
// never as a transient condition.
var ErrIntegrity = errors.New("crypto: integrity check failed")

// Envelope is the sealed form of a payload. Nonce, Tag and Ciphertext are
// kept as separate fields so the on-disk header is explicit about all three.
type Envelope struct {
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
	Ciphertext []byte `json:"ciphertext"`
}

func newAEAD(key []byte) cipher.AEAD {
	// A key of the wrong length is a caller bug, not a runtime condition.
	if len(key) != KeySize {
		panic(fmt.Sprintf("crypto: key must be %d bytes, got %d", KeySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(fmt.Sprintf("crypto: new cipher: %v", err))
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(fmt.Sprintf("crypto: new gcm: %v", err))
	}
	return aead
}

// Seal encrypts plaintext under key with a fresh random nonce.
// An RNG failure is unrecoverable; callers are expected to abort on it.
func Seal(key, plaintext []byte) (Envelope, error) {
	aead := newAEAD(key)

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("read nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize

	return Envelope{
		Nonce:      nonce,
		Tag:        append([]byte(nil), sealed[split:]...),
		Ciphertext: append([]byte(nil), sealed[:split]...),
	}, nil
}

// Open decrypts an envelope previously produced by Seal. Any authentication
// mismatch, including a malformed nonce or tag, yields ErrIntegrity; no
// partial plaintext is ever returned.
func Open(key []byte, env Envelope) ([]byte, error) {
	aead := newAEAD(key)

	if len(env.Nonce) != NonceSize || len(env.Tag) != TagSize {
		return nil, ErrIntegrity
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// DeriveKey derives a purpose-bound 32-byte key from a master secret using
// HKDF-SHA256. The same secret and info always yield the same key, so the
// data-encryption key survives process restarts.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive key: empty secret")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

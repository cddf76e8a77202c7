// Copyright (c) 2026 Nlaak Studios (https://nlaak.com)
// Author: Andrew Donelson (https://www.linkedin.com/in/andrew-donelson/)
//
// crypto.go — AES-256-GCM payload sealing used by stash to protect
// serialized values before they are written to L2 (Redis) or L3
// (PostgreSQL). L1 holds plaintext.

package stash

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// errCiphertextShort is returned by Decrypt for input shorter than a nonce.
var errCiphertextShort = errors.New("stash: ciphertext too short")

// Encryptor seals and opens serialized payloads.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AES256GCM implements AES-256-GCM authenticated encryption. The AEAD is
// built once and is safe for concurrent use.
type AES256GCM struct {
	aead cipher.AEAD
}

var _ Encryptor = (*AES256GCM)(nil)

// NewAES256GCM creates an AES-256-GCM encryptor from a 32-byte key.
func NewAES256GCM(key []byte) (*AES256GCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: encryption key must be exactly 32 bytes (got %d)", ErrInvalidConfig, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AES256GCM{aead: aead}, nil
}

// Encrypt seals plaintext with a random nonce.
// Output: nonce (12 bytes) || ciphertext || tag.
func (e *AES256GCM) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (e *AES256GCM) Decrypt(ciphertext []byte) ([]byte, error) {
	nsize := e.aead.NonceSize()
	if len(ciphertext) < nsize+e.aead.Overhead() {
		return nil, errCiphertextShort
	}
	return e.aead.Open(nil, ciphertext[:nsize], ciphertext[nsize:], nil)
}

// Package crypto implements payload encryption for fetched messages.
//
// Message payloads are sealed with XChaCha20-Poly1305 before they leave the
// fetch boundary; the rest of the engine only ever handles ciphertext.
// Per-account keys are derived from a single configured master key with
// HKDF-SHA256, so no account key is ever stored.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey        = errors.New("master key must be 32 bytes of hex")
	ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")
)

// Cipher seals and opens message payloads. The engine core treats payloads
// as opaque; only implementations of this interface see plaintext.
type Cipher interface {
	Seal(accountID int64, plaintext []byte) ([]byte, error)
	Open(accountID int64, ciphertext []byte) ([]byte, error)
}

type payloadCipher struct {
	masterKey []byte
}

// NewCipher builds a Cipher from a 64-character hex master key.
func NewCipher(masterKeyHex string) (Cipher, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &payloadCipher{masterKey: key}, nil
}

// accountKey derives the per-account sealing key. The account id is the HKDF
// info parameter, so deriving one account's key reveals nothing about
// another's.
func (c *payloadCipher) accountKey(accountID int64) ([]byte, error) {
	info := make([]byte, 8)
	binary.BigEndian.PutUint64(info, uint64(accountID))

	r := hkdf.New(sha256.New, c.masterKey, []byte("tern-payload-v1"), info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive account key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext and prepends the random nonce to the result.
func (c *payloadCipher) Seal(accountID int64, plaintext []byte) ([]byte, error) {
	key, err := c.accountKey(accountID)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (c *payloadCipher) Open(accountID int64, ciphertext []byte) ([]byte, error) {
	key, err := c.accountKey(accountID)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

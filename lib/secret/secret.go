// Package secret encrypts peer secrets at rest with a passphrase-derived key.
//
// The key is derived once per Cipher with scrypt over a fixed application
// salt. Each Encrypt call draws a fresh 96-bit nonce from crypto/rand and
// returns base64(nonce || tag || ciphertext).
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
)

// Parameters of the key derivation and the sealed layout.
const (
	Salt             = "wg-control::client-secret"
	MinPassphraseLen = 8
	KeySize          = 32
	NonceSize        = 12
	TagSize          = 16

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// Cipher encrypts and decrypts strings under one passphrase.
// Safe for concurrent use.
type Cipher struct {
	gcm cipher.AEAD
}

// New derives the key for passphrase. Passphrases shorter than
// MinPassphraseLen fail with ErrWeakPassphrase.
func New(passphrase string) (*Cipher, error) {
	if len(passphrase) < MinPassphraseLen {
		return nil, apperrors.ErrWeakPassphrase
	}
	key, err := scrypt.Key([]byte(passphrase), []byte(Salt), scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("secret: deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret: generating nonce: %w", err)
	}

	// Seal appends ciphertext||tag; the stored layout puts the tag first.
	sealed := c.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Any malformed input, tag
// mismatch or wrong passphrase fails with ErrAuthenticationFailure.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", apperrors.ErrAuthenticationFailure)
	}
	if len(data) < NonceSize+TagSize {
		return "", fmt.Errorf("%w: ciphertext too short", apperrors.ErrAuthenticationFailure)
	}

	nonce := data[:NonceSize]
	tag := data[NonceSize : NonceSize+TagSize]
	ct := data[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperrors.ErrAuthenticationFailure
	}
	return string(plaintext), nil
}

// EncryptJSON marshals v and encrypts the result.
func (c *Cipher) EncryptJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("secret: marshaling payload: %w", err)
	}
	return c.Encrypt(string(data))
}

// DecryptJSON decrypts encoded and unmarshals the plaintext into v.
func (c *Cipher) DecryptJSON(encoded string, v any) error {
	plaintext, err := c.Decrypt(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), v); err != nil {
		return fmt.Errorf("secret: unmarshaling payload: %w", err)
	}
	return nil
}

// Package secretbox encrypts MFA secrets at rest under a key derived from the
// owner's current password hash. Rotating the password rotates the key, which
// deliberately makes the old ciphertext unrecoverable and forces factor
// re-enrollment after a password change.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrDecrypt is returned when the ciphertext cannot be opened under the
	// derived key, including after a password rotation.
	ErrDecrypt = errors.New("secret decryption failed")
)

const keySize = 32

var hkdfInfo = []byte("identity/mfa-secret/v1")

// deriveKey runs HKDF-SHA256 over the password hash. The PHC string already
// embeds a per-user salt, so a static info label is sufficient for domain
// separation.
func deriveKey(passwordHash string) ([]byte, error) {
	if passwordHash == "" {
		return nil, errors.New("empty key material")
	}
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(passwordHash), nil, hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts the plaintext secret with AES-GCM under the derived key and
// returns base64(nonce || ciphertext).
func Seal(passwordHash, plaintext string) (string, error) {
	key, err := deriveKey(passwordHash)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal. A mismatched password hash (i.e. the
// password changed since Seal) yields ErrDecrypt.
func Open(passwordHash, encoded string) (string, error) {
	key, err := deriveKey(passwordHash)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecrypt
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrDecrypt
	}

	plaintext, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

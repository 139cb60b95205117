package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// AEAD encrypts personal data at rest. The key is derived once from the
// ENCRYPTION_KEY/ENCRYPTION_SALT pair.
type AEAD struct{ aead cipher.AEAD }

func DeriveKey(secret, salt string) ([]byte, error) {
	return scrypt.Key([]byte(secret), []byte(salt), 1<<14, 8, 1, 32)
}

func New(secret, salt string) (*AEAD, error) {
	if secret == "" || salt == "" {
		return nil, errors.New("crypto: secret and salt are required")
	}
	key, err := DeriveKey(secret, salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return NewWithKey(key)
}

func NewWithKey(key []byte) (*AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

func (a *AEAD) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	buf := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func (a *AEAD) Decrypt(ciphertext string) (string, error) {
	buf, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return "", ErrCiphertextTooShort
	}
	pt, err := a.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

package client

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Group keys are 256-bit AES keys shared by all members of a room and
// exchanged out of band (over direct channels or the hub relay). The wire
// form of both key and content is base64 so it survives JSON transport.

const groupKeySize = 32

// NewGroupKey generates a fresh room key.
func NewGroupKey() (string, error) {
	key := make([]byte, groupKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating group key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// EncryptText seals plaintext with the room key under AES-GCM and returns
// the base64 ciphertext and nonce.
func EncryptText(key, plaintext string) (ciphertext, iv string, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonce), nil
}

// DecryptText reverses EncryptText. A wrong key or tampered ciphertext
// fails authentication and returns an error.
func DecryptText(key, ciphertext, iv string) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("decoding iv: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("iv must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting message: %w", err)
	}

	return string(plain), nil
}

func newAEAD(key string) (cipher.AEAD, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decoding group key: %w", err)
	}
	if len(raw) != groupKeySize {
		return nil, fmt.Errorf("group key must be %d bytes, got %d", groupKeySize, len(raw))
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

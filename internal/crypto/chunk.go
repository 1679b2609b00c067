package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SealChunk encrypts one transfer chunk under the session key with a fresh
// random nonce. A zero-length plaintext is valid: an empty file still
// travels as one sealed chunk.
func SealChunk(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// OpenChunk decrypts one transfer chunk.
func OpenChunk(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("chunk nonce: want %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

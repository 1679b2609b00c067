package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"driftsync/internal/util/memzero"
)

const saltBytes = 16

// scrypt parameters for the at-rest identity envelope.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }

type envelope struct {
	Salt  []byte
	Nonce []byte
	CT    []byte
}

// EncryptSecret seals plaintext under a key derived from the passphrase.
// The result is a self-contained JSON envelope carrying salt and nonce.
func EncryptSecret(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	N, r, p := scryptParamsDefault()
	key, err := scrypt.Key([]byte(passphrase), salt, N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, salt)
	return json.Marshal(envelope{Salt: salt, Nonce: nonce, CT: ct})
}

// DecryptSecret opens an envelope produced by EncryptSecret.
func DecryptSecret(passphrase string, blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, err
	}
	if len(env.Salt) != saltBytes {
		return nil, errors.New("bad salt size")
	}
	N, r, p := scryptParamsDefault()
	key, err := scrypt.Key([]byte(passphrase), env.Salt, N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, env.Nonce, env.CT, env.Salt)
}

package crypto

import (
	"bytes"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"driftsync/internal/domain"
	"driftsync/internal/util/memzero"
)

const sessionInfo = "driftsync/session/v1"

// SessionKey derives the 32-byte symmetric session key from a DH shared
// secret. The salt is the two ephemeral public keys in lexicographic order,
// so both ends derive the same key regardless of who initiated. The caller's
// shared secret is wiped before returning; it takes a pointer so the wipe
// reaches the caller's array rather than a local copy.
func SessionKey(shared *[32]byte, a, b domain.X25519Public) []byte {
	salt := make([]byte, 0, 64)
	if bytes.Compare(a[:], b[:]) <= 0 {
		salt = append(append(salt, a[:]...), b[:]...)
	} else {
		salt = append(append(salt, b[:]...), a[:]...)
	}
	r := hkdf.New(sha256.New, shared[:], salt, []byte(sessionInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past its output limit; 32 bytes cannot hit it.
		panic(err)
	}
	memzero.Zero(shared[:])
	return key
}

package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint returns a short fingerprint of a public key, formatted for
// visual comparison: SHA-256 truncated to 10 bytes, upper-case hex in
// groups of four ("A1B2-C3D4-...").
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	h := strings.ToUpper(hex.EncodeToString(sum[:10]))
	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, "-")
}

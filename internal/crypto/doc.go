// Package crypto exposes the primitives driftsync is built on.
//
// Contents
//
//   - Ed25519 generation, signing and verification for the long-term
//     identity (GenerateEd25519, SignEd25519, VerifyEd25519)
//   - X25519 generation and Diffie–Hellman for per-connection ephemeral
//     keys (GenerateX25519, DH)
//   - Session key derivation over the DH secret (SessionKey)
//   - Per-chunk authenticated encryption for file transfer
//     (SealChunk, OpenChunk)
//   - A passphrase envelope for the identity secret at rest
//     (EncryptSecret, DecryptSecret)
//   - Short public-key fingerprints for visual comparison (Fingerprint)
//
// All key parameters use the fixed-size array types from internal/domain.
// Secrets should be wiped with memzero.Zero when their lifetime ends.
package crypto

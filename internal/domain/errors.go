package domain

import "errors"

// Sentinel errors. Callers branch with errors.Is; wrap with %w to add
// context.
var (
	// ErrNotInitialized: a signing operation was attempted before an
	// identity was generated or loaded.
	ErrNotInitialized = errors.New("identity not initialized")

	// ErrNotTrusted: no TrustRecord exists for the peer's device id.
	ErrNotTrusted = errors.New("peer not trusted")

	// ErrNoSession: an operation needed a session key and none is
	// established. The engine reacts by starting a fresh handshake.
	ErrNoSession = errors.New("no active session")

	// ErrSignatureInvalid: a pairing response or handshake message failed
	// signature verification. Nothing is persisted.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrPairingTimeout: no pairing response arrived within the window.
	ErrPairingTimeout = errors.New("pairing timed out")

	// ErrPairingRejected: the responder answered with an explicit rejection.
	ErrPairingRejected = errors.New("pairing rejected by peer")

	// ErrCodeExpired: the local pairing code is missing or past its expiry.
	ErrCodeExpired = errors.New("pairing code expired")

	// ErrProtocol: malformed or unexpected wire data. The offending message
	// is dropped; the connection survives.
	ErrProtocol = errors.New("protocol error")

	// ErrTransferFailed: decrypt or vault write failed while reassembling.
	// The target file is left untouched.
	ErrTransferFailed = errors.New("transfer failed")
)

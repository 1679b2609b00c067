// Package session runs the per-connection handshake: an ephemeral X25519
// exchange authenticated by the long-term identity from the trust store,
// yielding one symmetric key per peer. Simultaneous handshakes converge via
// a deterministic leader/follower tie-break on device ids.
package session

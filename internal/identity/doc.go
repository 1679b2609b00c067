// Package identity manages the device's long-term signing identity: one
// Ed25519 key pair plus a stable device id, generated once and kept
// encrypted at rest.
package identity

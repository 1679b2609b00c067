// Package transfer moves file contents between peers: fixed-size chunks,
// each sealed independently under the session key, buffered on the receiver
// until complete and then applied to the vault in one atomic write followed
// by a journal write-back.
package transfer

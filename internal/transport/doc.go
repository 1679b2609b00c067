// Package transport owns the two network channels driftsync uses: an
// unreliable UDP broadcast channel for discovery and a reliable TCP stream
// per peer, framed with a 4-byte big-endian length prefix (go-msgio) around
// JSON payloads.
//
// The transports are constructed once and handed to every component that
// needs them; nothing else opens sockets.
package transport

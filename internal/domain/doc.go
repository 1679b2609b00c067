// Package domain defines the core types shared across driftsync: key
// material, peers and trust records, the change journal entry, sync actions,
// the closed set of wire messages, and the interfaces the engine consumes
// (stores, transports, vault, notifier).
//
// Components depend on domain and on nothing above it.
package domain

// Package journal keeps the authoritative per-device record of every known
// vault path: content hash, modification time, monotonic sequence and
// tombstone state. It is the single source of truth consulted before any
// file moves in or out.
package journal

// Package store holds the file-backed persistence for driftsync: the
// encrypted identity secret, the trust records created by pairing, and the
// change journal. Trust and journal files are replaced atomically so a
// crash mid-write never leaves a truncated record behind.
package store

// Package vault is the local file tree under synchronization. It confines
// all access to vault-relative paths, writes through a temp-and-rename so a
// reader never observes a half-written file, and watches the tree for
// changes to feed the journal.
package vault

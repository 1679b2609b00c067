// Package reconcile compares two journal snapshots and computes the actions
// that bring the local vault and a peer's vault into agreement: push, pull,
// delete and push-delete. The policy is last-writer-wins over a bounded
// timestamp tolerance, deletion-aware through tombstones. It is not a CRDT
// and not a three-way merge; concurrent edits of the same path resolve to
// whichever timestamp wins.
package reconcile

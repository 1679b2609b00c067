// Package memzero wipes sensitive byte slices.
package memzero

import "runtime"

// Zero overwrites b with zeroes. Best effort: it lowers the chance of key
// material lingering in memory, nothing more.
//
//go:noinline
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}

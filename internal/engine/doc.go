// Package engine orchestrates the synchronization core. A single event
// loop owns the connection table, pending plans and journal mutations:
// discovery events, inbound messages, vault changes and timers all funnel
// into it, so no table is ever written from two goroutines.
//
// Control flow: discovery surfaces a trusted peer → connect and handshake →
// exchange journal snapshots → reconcile → execute the plan under the
// session key → journal write-back triggers the next round.
package engine

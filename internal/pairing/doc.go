// Package pairing establishes long-term mutual trust between two devices
// using a short displayed code plus a signature proof, persisting a trust
// record on both ends. It runs once per new peer; everything afterwards
// authenticates against the stored record.
package pairing

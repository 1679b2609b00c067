// Package discovery announces the local device on the broadcast channel and
// maintains the table of currently visible peers, expiring entries whose
// announcements stop arriving.
package discovery

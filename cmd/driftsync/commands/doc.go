// Package commands defines the driftsync CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init         Create the local device identity
//   - fingerprint  Print the identity fingerprint
//   - serve        Run discovery and sync until interrupted
//   - pair code    Issue a pairing code and wait for a peer to use it
//   - pair with    Pair with a visible peer using its code
//   - peers        List peers currently announcing on the LAN
//   - status       Show identity, trusted devices and journal state
//   - revoke       Remove a device from the trust store
//
// # Implementation
//
// The root command loads configuration (defaults, config.yaml in the home
// directory, DRIFTSYNC_* environment, flags) and builds the offline part of
// the dependency graph before any subcommand runs. Commands that talk on the
// network assemble the full engine on top of it.
package commands

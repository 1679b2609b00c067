// Package app loads configuration and wires the dependency graph the CLI
// runs: stores, identity, transports, services and the engine.
package app

package main

import (
	"os"

	"driftsync/cmd/driftsync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main is the entry point for the jobdock CLI.
// The CLI is the operator terminal tool for talking to the engine API.
package main

import (
	"os"

	"jobdock/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main is the entry point for the conductor CLI.
package main

import (
	"os"

	"github.com/conductor-sh/conductor/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main is the entry point for the nanoclaw CLI.
package main

import (
	"os"

	"github.com/nanoclaw/nanoclaw/cmd/nanoclaw/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

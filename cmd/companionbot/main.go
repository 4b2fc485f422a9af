// Package main is the companionbot CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/companionbot/cmd/companionbot/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

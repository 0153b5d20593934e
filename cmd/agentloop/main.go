// Package main provides the entry point for the agentloop CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/agentloop/cmd/agentloop/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

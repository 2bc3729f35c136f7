// Command clawfleet runs and inspects a fleet of LLM agents: a daemon
// with scheduler and chat bridges, plus one-shot commands for triggering
// jobs and poking at fleet state.
package main

import (
	"fmt"
	"os"

	"github.com/jholhewres/clawfleet/cmd/clawfleet/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

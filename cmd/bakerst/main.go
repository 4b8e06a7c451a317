// Package main is the CLI entry point for the Baker Street brain.
//
// Start the brain:
//
//	bakerst serve
//
// Run a standalone worker pool against the bus:
//
//	bakerst worker --count 4
//
// Configuration comes from the environment; see internal/config for the
// full variable list. The important ones:
//
//   - PORT: HTTP listen port (default 3002)
//   - DATA_DIR: directory for the embedded databases (default ./data)
//   - AUTH_TOKEN: static bearer token; empty disables auth
//   - ANTHROPIC_API_KEY / ANTHROPIC_OAUTH_TOKEN: model provider credentials
//   - NATS_URL: bus address (default nats://localhost:4222)
//   - BRAIN_ROLE: "active" or "pending" (transfer handshake)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.2.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "bakerst",
		Short:         "Baker Street personal assistant brain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildWorkerCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

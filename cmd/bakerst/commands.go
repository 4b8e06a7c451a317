// commands.go holds the cobra command definitions; the handlers live in
// serve.go and worker.go.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command, the primary way to run the
// brain in production.
func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the brain service",
		Long: `Start the Baker Street brain.

The brain will:
1. Open the SQLite stores under DATA_DIR
2. Connect to the NATS bus and ensure the job stream
3. Initialize the model router from env credentials or the YAML config
4. Load enabled skills and connect their MCP servers
5. Start the scheduler, an in-process worker, and the transfer handler
6. Serve the HTTP API

Graceful shutdown is handled on SIGINT/SIGTERM and on brain handoff.`,
		Example: `  # Start with defaults
  bakerst serve

  # Start a pending brain waiting for a version transfer
  BRAIN_ROLE=pending bakerst serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildWorkerCmd creates the "worker" command: a job worker pool that runs
// against the bus without the brain's HTTP surface.
func buildWorkerCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone worker pool",
		Long: `Run job workers against the shared JetStream consumer.

Workers execute command, http, and agent jobs dispatched by any brain on
the same bus and report status over NATS. The brain's status tracker
persists the reports; workers keep no database.`,
		Example: `  bakerst worker --count 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			return runWorkerPool(cmd.Context(), count)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of workers to run")
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bakerst %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

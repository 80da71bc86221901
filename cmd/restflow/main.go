// Package main is the entry point for the restflow CLI.
//
// restflow is normally embedded as a library. The CLI drives the same
// client from a YAML file, which is handy for load checks against a
// service and for trying out connection caps.
//
// Usage:
//
//	restflow run -c config.yaml      # Submit every configured request
//	restflow validate -c config.yaml # Validate configuration
//	restflow version                 # Show version info
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, injected with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "restflow",
	Short: "Run many concurrent REST requests over a bounded connection pool",
	Long: `restflow submits concurrent HTTP tasks that share one connection pool.

The pool enforces two caps: max_connections across every endpoint and
max_connections_per_endpoint for each scheme/host/port. A task that finds
both caps reached waits for a connection to be released instead of
failing, unless acquire_timeout is set.

run
  Loads the file, then submits "requests" tasks for every target at once.
  Each task sends one request and walks the JSON array it gets back one
  element at a time, so the connection returns to the pool as soon as the
  closing bracket is read. When every task has finished the pool is closed
  and a per-target summary is printed: successes, failures, decoded
  elements and how many connections were created, reused and discarded.
  With metrics_addr set, /metrics, /api/stats and /api/sse are served for
  the duration of the run.

validate
  Parses the file, expands ${VAR} and ${VAR:-default} references and checks
  every field without opening a connection. It prints the effective caps
  and the list of targets.

Example config:
  max_connections: 500
  max_connections_per_endpoint: 100
  targets:
    - name: posts
      url: http://localhost:8080/manyposts
      requests: 500`,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit, build date and Go runtime of this restflow binary.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("restflow %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

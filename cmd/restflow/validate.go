package main

import (
	"fmt"
	"strconv"

	"github.com/jpalmerr/restflow/config"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without sending any requests.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a restflow configuration file without sending any requests.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-run checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  restflow validate -c config.yaml
  restflow validate --config /etc/restflow/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Connections:  %s total, %s per endpoint\n",
		orDefault(cfg.MaxConnections), orDefault(cfg.MaxConnectionsPerEndpoint))
	fmt.Printf("  Workers:      %s\n", orDefault(cfg.Workers))
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:      %s\n", cfg.MetricsAddr)
	}
	fmt.Printf("  Targets:      %d (%d requests total)\n", len(cfg.Targets), cfg.TotalRequests())
	for _, tg := range cfg.Targets {
		fmt.Printf("    - %s: %s %s x%d\n", tg.Name, tg.Method, tg.URL, tg.Requests)
	}

	return nil
}

func orDefault(n int) string {
	if n == 0 {
		return "default"
	}
	return strconv.Itoa(n)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jpalmerr/restflow"
	"github.com/jpalmerr/restflow/config"
	"github.com/jpalmerr/restflow/internal/server"
)

// newLogger creates a JSON logger for CLI use.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// runCmd executes every configured target.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured requests",
	Long: `Run every target in a restflow configuration file.

The run will:
  - Load configuration from the specified YAML file
  - Submit one task per request, all sharing one connection pool
  - Stream each JSON array response element by element
  - Serve /metrics and /api/stats while running, if metrics_addr is set
  - Wait for every task, close the pool and print a summary

Interrupting the run (Ctrl+C or SIGTERM) cancels in-flight requests; the
summary is still printed.

Exit codes:
  0 - Every request succeeded
  1 - The config is invalid, or at least one request failed

Example:
  restflow run -c config.yaml
  restflow run --config /etc/restflow/config.yaml --verbose`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	runCmd.Flags().BoolP("verbose", "v", false, "log at debug level")
	_ = runCmd.MarkFlagRequired("config")
}

// targetResult accumulates task outcomes for one target.
type targetResult struct {
	name     string
	ok       int
	failed   int
	elements int
	firstErr error
}

func runRun(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// from here on failures are about the run, not the invocation
	cmd.SilenceUsage = true

	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	logger.Info("config loaded",
		"targets", len(cfg.Targets),
		"requests", cfg.TotalRequests(),
	)

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		registerer prometheus.Registerer
		gatherer   prometheus.Gatherer
	)
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		registerer, gatherer = reg, reg
	}

	client, err := restflow.New(config.BuildOptions(cfg, logger, registerer)...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if cfg.MetricsAddr != "" {
		srvCtx, cancelSrv := context.WithCancel(ctx)
		defer cancelSrv()

		srv := server.NewServer(cfg.MetricsAddr, func() any { return client.Stats() }, gatherer, logger)
		if err := srv.Start(srvCtx); err != nil {
			_ = client.CloseWhenReady()
			return fmt.Errorf("failed to start stats server: %w", err)
		}
	}

	start := time.Now()
	results, err := submitAll(ctx, client, cfg.Targets)
	if closeErr := client.CloseWhenReady(); closeErr != nil {
		logger.Warn("close error", "error", closeErr)
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	printSummary(results, client.Stats(), elapsed)

	failed := 0
	for _, r := range results {
		failed += r.failed
	}
	if ctx.Err() != nil {
		return errors.New("run interrupted")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, cfg.TotalRequests())
	}
	return nil
}

// submitAll submits every target's tasks up front and then collects their
// results in order.
func submitAll(ctx context.Context, client *restflow.Client, targets []config.TargetConfig) ([]*targetResult, error) {
	futures := make([][]*restflow.Future[int], len(targets))
	for i, tg := range targets {
		fn := fetchTarget(tg)
		for range tg.Requests {
			f, err := restflow.SubmitContext(ctx, client, fn)
			if err != nil {
				return nil, fmt.Errorf("failed to submit %s: %w", tg.Name, err)
			}
			futures[i] = append(futures[i], f)
		}
	}

	results := make([]*targetResult, len(targets))
	for i, tg := range targets {
		r := &targetResult{name: tg.Name}
		for _, f := range futures[i] {
			// tasks always finish; ctx only reaches their I/O
			n, err := f.Wait(context.Background())
			r.elements += n
			if err != nil {
				r.failed++
				if r.firstErr == nil {
					r.firstErr = err
				}
				continue
			}
			r.ok++
		}
		results[i] = r
	}
	return results, nil
}

// fetchTarget returns a task that sends one request to tg and counts the
// elements of the JSON array it gets back.
func fetchTarget(tg config.TargetConfig) func(*restflow.Context) (int, error) {
	headers := tg.HeaderPairs()

	return func(tc *restflow.Context) (int, error) {
		b := tc.Request(tg.Method, tg.URL)
		for _, h := range headers {
			b = b.Header(h[0], h[1])
		}
		if d := tg.Timeout.Duration(); d > 0 {
			b = b.Timeout(d)
		}

		resp, err := b.Execute()
		if err != nil {
			return 0, err
		}
		defer resp.Close()

		if resp.StatusCode() >= 400 {
			return 0, fmt.Errorf("unexpected status %s", resp.Status())
		}

		n := 0
		for _, err := range restflow.NewIterator[json.RawMessage](resp).All() {
			if err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	}
}

func printSummary(results []*targetResult, stats restflow.Stats, elapsed time.Duration) {
	fmt.Printf("Run finished in %s\n", elapsed.Round(time.Millisecond))
	for _, r := range results {
		status := color.GreenString("ok")
		if r.failed > 0 {
			status = color.RedString("FAILED")
		}
		fmt.Printf("  %-20s %s  ok=%d failed=%d elements=%d\n", r.name, status, r.ok, r.failed, r.elements)
		if r.firstErr != nil {
			fmt.Printf("    first error: %v\n", r.firstErr)
		}
	}

	p := stats.Pool
	fmt.Printf("  Connections: created=%d reused=%d discarded=%d max_active=%d\n",
		p.Created, p.Reused, p.Discarded, p.MaxActive)
}

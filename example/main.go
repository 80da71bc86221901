package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/restflow"
)

const tasks = 500

func main() {
	// start mock server (see mock_server.go)
	go StartMockPostsServer(":9999", 100, time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	client, err := restflow.New(
		restflow.WithMaxConnections(500),
		restflow.WithMaxConnectionsPerEndpoint(100),
		restflow.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	futures := make([]*restflow.Future[int], 0, tasks)
	for range tasks {
		f, err := restflow.SubmitContext(ctx, client, countPosts)
		if err != nil {
			slog.Error("failed to submit task", "error", err)
			os.Exit(1)
		}
		futures = append(futures, f)
	}

	var posts, failed int
	for _, f := range futures {
		n, err := f.Wait(context.Background())
		if err != nil {
			failed++
			slog.Warn("task failed", "task_id", f.ID(), "error", err)
			continue
		}
		posts += n
	}

	if err := client.CloseWhenReady(); err != nil {
		slog.Warn("close error", "error", err)
	}

	stats := client.Stats()
	fmt.Println()
	fmt.Printf("  %d tasks in %s\n", tasks, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  posts decoded:       %d\n", posts)
	fmt.Printf("  failed tasks:        %d\n", failed)
	fmt.Printf("  connections created: %d (max open %d, per endpoint %d)\n",
		stats.Pool.Created, stats.Pool.MaxActive, stats.Pool.MaxActivePerEndpoint)
	fmt.Printf("  connections reused:  %d\n", stats.Pool.Reused)
	fmt.Println()
}

// countPosts fetches /manyposts and decodes it one post at a time.
func countPosts(tc *restflow.Context) (int, error) {
	resp, err := tc.Get("http://localhost:9999/manyposts").Execute()
	if err != nil {
		return 0, err
	}
	defer resp.Close()

	it := restflow.NewIterator[Post](resp)
	defer it.Close()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

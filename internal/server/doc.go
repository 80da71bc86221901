// Package server provides the stats and metrics HTTP endpoint of the
// restflow CLI.
//
// This package is internal to restflow and handles all HTTP concerns of
// observing a run:
//
//   - Metrics: Prometheus exposition at "/metrics"
//   - REST API: JSON endpoint at "/api/stats" for the current snapshot
//   - Server-Sent Events: periodic snapshots at "/api/sse"
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server

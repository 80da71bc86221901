// Package pool caches reusable transport connections for restflow.
//
// This package is internal to restflow. A [Pool] hands out [Conn] values
// keyed by endpoint [Key] under two quotas: a global cap on active
// connections and a cap per endpoint. Active counts idle and busy
// connections plus dials in flight.
//
// When a quota is exhausted, [Pool.Acquire] registers a waiter and blocks.
// Waiters never poll; the party that frees capacity hands them either a
// connection or a permit to dial one. Endpoints with waiters are served
// round-robin.
//
// The pool never reads or writes connection payload itself. Callers report
// whether a connection is safe to reuse when they [Pool.Release] it.
package pool

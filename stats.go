package restflow

import (
	"github.com/jpalmerr/restflow/internal/pool"
	"github.com/jpalmerr/restflow/internal/scheduler"
)

// PoolStats is a snapshot of connection pool bookkeeping.
//
// MaxActive and MaxActivePerEndpoint are high-water marks since the client
// was created; they never exceed the configured caps.
type PoolStats = pool.Stats

// TaskStats is a snapshot of task scheduler counters.
type TaskStats = scheduler.Stats

// Stats is returned by [Client.Stats].
type Stats struct {
	Pool     PoolStats `json:"pool"`
	Tasks    TaskStats `json:"tasks"`
	Draining bool      `json:"draining"`
}

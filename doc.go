// Package restflow is an HTTP/1.1 client runtime for programs that issue
// thousands of concurrent REST calls from cooperatively scheduled tasks.
//
// A [Client] owns a bounded pool of keep-alive connections, a scheduler
// that multiplexes tasks onto a fixed number of worker slots, and a
// streaming JSON decoder for large array responses.
//
// # Quick Start
//
//	client, err := restflow.New(
//	    restflow.WithMaxConnections(500),
//	    restflow.WithMaxConnectionsPerEndpoint(100),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for i := 0; i < 500; i++ {
//	    client.Process(func(c *restflow.Context) error {
//	        resp, err := c.Get("http://localhost:8080/manyposts").Execute()
//	        if err != nil {
//	            return err
//	        }
//	        for post, err := range restflow.NewIterator[Post](resp).All() {
//	            if err != nil {
//	                return err
//	            }
//	            fmt.Println(post.Title)
//	        }
//	        return nil
//	    })
//	}
//
//	// blocks until every task above has finished
//	client.CloseWhenReady()
//
// # Connection Quotas
//
// Two caps bound the pool: a global one across all endpoints and one per
// [Endpoint] (scheme, host and port). Connections being dialed count toward
// both. A request that finds both caps reached waits, suspending its task,
// until a connection is released; it does not fail unless
// [WithAcquireTimeout] is set. Waiting endpoints are served round-robin, so
// one busy endpoint cannot starve the others.
//
// Idle connections are reused most-recently-used first. When the global cap
// is reached and another endpoint holds an idle connection, the least
// recently used one is closed to make room.
//
// # Tasks
//
// Tasks run with [Submit] or [Client.Process] and receive a [Context].
// Every blocking point, whether waiting for quota, dialing, socket I/O,
// [Context.Sleep] or [Context.Wait], suspends the task and frees its worker
// slot for another. A task that panics resolves its [Future] to a
// [*PanicError]; other tasks are unaffected.
//
// # Response Bodies
//
// A [Response] is returned as soon as the status line and headers are read.
// Its connection stays checked out until the caller is done with the body:
// [Response.Close] after reading to io.EOF, [Response.Bytes], a successful
// [Response.Decode], or an [Iterator] reaching the end of its array. Then it
// returns to the pool. Abandoning a body, by closing it early, by stopping
// an iteration, or by returning from the task, discards the connection
// rather than draining it.
//
// # Architecture
//
// The internal packages are not part of the public API:
//
//   - internal/scheduler: worker slots, suspension and task lifecycle
//   - internal/pool: connection pool with quotas, fairness and eviction
//   - internal/wire: HTTP/1.1 request encoding and response framing
//   - internal/jsonstream: incremental JSON array decoding
//   - internal/server: stats and metrics endpoint for the CLI
package restflow

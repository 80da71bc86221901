// Package scheduler runs cooperative tasks for restflow.
//
// This package is internal to restflow. A [Scheduler] owns a fixed number of
// worker slots. Every submitted [Task] runs on its own goroutine, but it only
// executes while it holds one of those slots. At each suspension point the
// task hands its slot back, waits for the awaited operation, and queues up
// (first come, first served) to get a slot again. Between suspension points a
// task is never interrupted by the scheduler.
//
// The main components are:
//
//   - [Scheduler]: worker slots, submission, draining
//   - [Task]: one execution of a submitted [Func], resolving to its result
//   - [Suspend]: the per-task handle used to yield on an [Awaitable]
//   - [Event]: a manual-reset signal whose waiters are resumed by the setter
//
// Users of the restflow library reach this package through restflow.Context.
package scheduler

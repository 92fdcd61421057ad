// Package worker turns committed transitions into consumer work and runs it.
//
// The Materializer receives transitions from a feed and inserts one created
// task per interested consumer. The Runner claims batches of created tasks,
// runs each task's handler concurrently, and marks the successful ones
// completed. A failed or panicking handler leaves its task created, so it
// is retried on a later batch: handlers must be idempotent.
//
// Worker hosts a feed and a runner loop in one process. Inline runs
// consumers synchronously after each transition, for tests and scripts that
// have no worker process.
package worker

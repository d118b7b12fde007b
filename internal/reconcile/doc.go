// Package reconcile folds a job's event stream into a consistent in-memory
// view: job status, per-task progress, a bounded log ring, and the pending
// duplicate-prompt queue. Application is exactly-once effective despite
// at-least-once delivery: stale sequence numbers and foreign job ids are
// discarded, and snapshots re-anchor the cursor wholesale.
package reconcile

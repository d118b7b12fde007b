// Package watch owns the lifecycle of one event-stream subscription per
// job: connect, detect transport failure, back off, reconnect with a resume
// cursor, and give up after a fixed attempt bound. All store mutation runs
// on the manager's single goroutine so event application stays serialized.
package watch

// Package queue persists submitted jobs and their terminal outcomes in
// SQLite so listings survive daemon restarts. Live progress is never stored
// here; it flows through the event stream.
package queue

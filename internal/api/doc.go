// Package api defines the HTTP wire types shared by the spool daemon and
// CLI, and the client used to submit jobs, resolve duplicate prompts, and
// subscribe to per-job event streams.
package api

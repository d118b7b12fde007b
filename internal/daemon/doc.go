// Package daemon hosts the spool background service: the HTTP API accepting
// job submissions and duplicate resolutions, the per-job WebSocket event
// streams, and the single-instance lock.
package daemon

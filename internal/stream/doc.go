// Package stream defines the wire protocol for job-progress events: the
// typed event union, its JSON codec, the duplicate-resolution choice set,
// and the per-job hub that buffers sequence-numbered events for streaming
// subscribers with resume support.
package stream

// Package runner executes one download job: it fetches each source URL into
// the staging directory, moves finished files into the library, and
// publishes the job's event stream. Filename collisions park the affected
// task on a duplicate prompt until a resolution choice arrives.
package runner

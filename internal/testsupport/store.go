package testsupport

import (
	"context"
	"testing"

	"spool/internal/config"
	"spool/internal/queue"
	"spool/internal/stream"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedJob inserts a queued job record for tests.
func SeedJob(t testing.TB, store *queue.Store, jobID string, urls ...string) *queue.Job {
	t.Helper()

	job := &queue.Job{
		ID:     jobID,
		URLs:   urls,
		Status: stream.StatusQueued,
	}
	if err := store.Insert(context.Background(), job); err != nil {
		t.Fatalf("store.Insert: %v", err)
	}
	return job
}

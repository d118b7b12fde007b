package testsupport

import (
	"path/filepath"
	"testing"

	"spool/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// The API binds to an ephemeral port so parallel tests never collide.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LibraryDir = filepath.Join(base, "library")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithStreamBuffer overrides the per-job event buffer capacity.
func WithStreamBuffer(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Stream.BufferEvents = n
	}
}

// WithChunkKiB overrides the download copy chunk size.
func WithChunkKiB(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Downloads.ChunkKiB = n
	}
}

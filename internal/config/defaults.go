package config

const (
	defaultStagingDir   = "~/.local/share/spool/staging"
	defaultLibraryDir   = "~/library"
	defaultLogDir       = "~/.local/share/spool/logs"
	defaultAPIBind      = "127.0.0.1:7512"
	defaultLogFormat    = "text"
	defaultLogLevel     = "info"
	defaultChunkKiB     = 64
	defaultBufferEvents = 1024
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LibraryDir: defaultLibraryDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Downloads: Downloads{
			RequestTimeout: 0,
			ChunkKiB:       defaultChunkKiB,
		},
		Stream: Stream{
			BufferEvents: defaultBufferEvents,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

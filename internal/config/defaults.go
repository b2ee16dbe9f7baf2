package config

const (
	defaultDataDir               = "~/.local/share/mediaforge"
	defaultArtifactsDir          = "~/.local/share/mediaforge/artifacts"
	defaultSourcesDir            = "~/.local/share/mediaforge/sources"
	defaultLogDir                = "~/.local/share/mediaforge/logs"
	defaultAPIBind               = "127.0.0.1:7490"
	defaultQueueBackend          = QueueBackendSQLite
	defaultRedisURL              = "redis://localhost:6379/0"
	defaultRedisKeyPrefix        = "mediaforge"
	defaultVisibilityTimeout     = 300
	defaultMaxDeliveries         = 3
	defaultConcurrency           = 2
	defaultPollIntervalMillis    = 250
	defaultPollMaxIntervalMillis = 2000
	defaultHeartbeatInterval     = 30
	defaultErrorRetryInterval    = 5
	defaultFFmpegBinary          = "ffmpeg"
	defaultFFprobeBinary         = "ffprobe"
	defaultTimeoutBaseSeconds    = 60
	defaultTimeoutFactor         = 4.0
	defaultTimeoutMaxSeconds     = 6 * 60 * 60
	defaultStderrTailLines       = 20
	defaultSubmitRatePerSecond   = 10
	defaultSubmitBurst           = 20
	defaultStatusCacheSize       = 1024
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:      defaultDataDir,
			ArtifactsDir: defaultArtifactsDir,
			SourcesDir:   defaultSourcesDir,
			LogDir:       defaultLogDir,
			APIBind:      defaultAPIBind,
		},
		Queue: Queue{
			Backend:           defaultQueueBackend,
			RedisURL:          defaultRedisURL,
			RedisKeyPrefix:    defaultRedisKeyPrefix,
			VisibilityTimeout: defaultVisibilityTimeout,
			MaxDeliveries:     defaultMaxDeliveries,
		},
		Dispatch: Dispatch{
			Concurrency:           defaultConcurrency,
			PollIntervalMillis:    defaultPollIntervalMillis,
			PollMaxIntervalMillis: defaultPollMaxIntervalMillis,
			HeartbeatInterval:     defaultHeartbeatInterval,
			ErrorRetryInterval:    defaultErrorRetryInterval,
		},
		Transform: Transform{
			FFmpegBinary:       defaultFFmpegBinary,
			FFprobeBinary:      defaultFFprobeBinary,
			TimeoutBaseSeconds: defaultTimeoutBaseSeconds,
			TimeoutFactor:      defaultTimeoutFactor,
			TimeoutMaxSeconds:  defaultTimeoutMaxSeconds,
			StderrTailLines:    defaultStderrTailLines,
		},
		Qualities: DefaultQualities(),
		API: API{
			SubmitRatePerSecond: defaultSubmitRatePerSecond,
			SubmitBurst:         defaultSubmitBurst,
			StatusCacheSize:     defaultStatusCacheSize,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// DefaultQualities returns the built-in quality ladder.
func DefaultQualities() map[string]Quality {
	return map[string]Quality{
		"1080p": {Width: 1920, Height: 1080, BitrateKbps: 5000},
		"720p":  {Width: 1280, Height: 720, BitrateKbps: 3000},
		"480p":  {Width: 854, Height: 480, BitrateKbps: 1500},
		"360p":  {Width: 640, Height: 360, BitrateKbps: 800},
	}
}

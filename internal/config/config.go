package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Queue backend identifiers.
const (
	QueueBackendSQLite = "sqlite"
	QueueBackendRedis  = "redis"
)

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir      string `toml:"data_dir"`
	ArtifactsDir string `toml:"artifacts_dir"`
	SourcesDir   string `toml:"sources_dir"`
	LogDir       string `toml:"log_dir"`
	APIBind      string `toml:"api_bind"`
}

// Queue contains task queue backend and delivery settings.
type Queue struct {
	Backend           string `toml:"backend"`
	RedisURL          string `toml:"redis_url"`
	RedisKeyPrefix    string `toml:"redis_key_prefix"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
	MaxDeliveries     int    `toml:"max_deliveries"`
}

// Dispatch contains worker pool sizing and polling intervals.
type Dispatch struct {
	Concurrency           int `toml:"concurrency"`
	PollIntervalMillis    int `toml:"poll_interval_ms"`
	PollMaxIntervalMillis int `toml:"poll_max_interval_ms"`
	HeartbeatInterval     int `toml:"heartbeat_interval"`
	ErrorRetryInterval    int `toml:"error_retry_interval"`
}

// Transform contains external tool settings.
type Transform struct {
	FFmpegBinary       string  `toml:"ffmpeg_binary"`
	FFprobeBinary      string  `toml:"ffprobe_binary"`
	TimeoutBaseSeconds int     `toml:"timeout_base_seconds"`
	TimeoutFactor      float64 `toml:"timeout_factor"`
	TimeoutMaxSeconds  int     `toml:"timeout_max_seconds"`
	StderrTailLines    int     `toml:"stderr_tail_lines"`
}

// Quality is one row of the quality-conversion ladder.
type Quality struct {
	Width       int `toml:"width"`
	Height      int `toml:"height"`
	BitrateKbps int `toml:"bitrate_kbps"`
}

// API contains settings for the status/result surface.
type API struct {
	SubmitRatePerSecond float64 `toml:"submit_rate_per_second"`
	SubmitBurst         int     `toml:"submit_burst"`
	StatusCacheSize     int     `toml:"status_cache_size"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for mediaforge.
//
// Configuration sections by subsystem:
//   - Paths: data, artifact, source, and log directories plus the API bind address
//   - Queue: task queue backend (sqlite or redis) and delivery guarantees
//   - Dispatch: worker pool concurrency and claim polling
//   - Transform: ffmpeg/ffprobe binaries and timeout policy
//   - Qualities: quality tag to (width, height, bitrate) table
//   - API: submit rate limiting and status caching
//   - Logging: log format and level
type Config struct {
	Paths     Paths              `toml:"paths"`
	Queue     Queue              `toml:"queue"`
	Dispatch  Dispatch           `toml:"dispatch"`
	Transform Transform          `toml:"transform"`
	Qualities map[string]Quality `toml:"qualities"`
	API       API                `toml:"api"`
	Logging   Logging            `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/mediaforge/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	loadDotEnv(filepath.Dir(resolvedPath))

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv reads .env files from the working directory and the config
// directory. Variables already present in the environment win.
func loadDotEnv(configDir string) {
	candidates := []string{".env"}
	if configDir != "" && configDir != "." {
		candidates = append(candidates, filepath.Join(configDir, ".env"))
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err != nil || info.IsDir() {
			continue
		}
		_ = godotenv.Load(candidate)
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("mediaforge.toml")
	if err != nil {
		return "", false, fmt.Errorf("resolve project config path: %w", err)
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.ArtifactsDir, c.Paths.SourcesDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location shared by the job store
// and the sqlite task queue backend.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "mediaforge.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "mediaforged.lock")
}

// VisibilityTimeout returns the queue lease duration.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeout) * time.Second
}

// PollInterval returns the initial empty-queue backoff.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatch.PollIntervalMillis) * time.Millisecond
}

// PollMaxInterval returns the ceiling for empty-queue backoff.
func (c *Config) PollMaxInterval() time.Duration {
	return time.Duration(c.Dispatch.PollMaxIntervalMillis) * time.Millisecond
}

// HeartbeatInterval returns how often running units extend their lease.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Dispatch.HeartbeatInterval) * time.Second
}

// ErrorRetryInterval returns the pause after a queue or store error.
func (c *Config) ErrorRetryInterval() time.Duration {
	return time.Duration(c.Dispatch.ErrorRetryInterval) * time.Second
}

// ToolTimeout derives the hard wall-clock limit for one external tool run
// from the expected media duration.
func (c *Config) ToolTimeout(expectedSeconds float64) time.Duration {
	if math.IsNaN(expectedSeconds) || expectedSeconds < 0 {
		expectedSeconds = 0
	}
	seconds := float64(c.Transform.TimeoutBaseSeconds) + c.Transform.TimeoutFactor*expectedSeconds
	if limit := float64(c.Transform.TimeoutMaxSeconds); limit > 0 && seconds > limit {
		seconds = limit
	}
	return time.Duration(seconds * float64(time.Second))
}

// FFmpegBinary returns the ffmpeg executable used for transformations.
func (c *Config) FFmpegBinary() string {
	return c.Transform.FFmpegBinary
}

// FFprobeBinary returns the ffprobe executable used for output validation.
func (c *Config) FFprobeBinary() string {
	return c.Transform.FFprobeBinary
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

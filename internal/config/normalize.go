package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeTransform()
	c.normalizeQualities()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArtifactsDir) == "" {
		c.Paths.ArtifactsDir = defaultArtifactsDir
	}
	if c.Paths.ArtifactsDir, err = expandPath(c.Paths.ArtifactsDir); err != nil {
		return fmt.Errorf("paths.artifacts_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SourcesDir) == "" {
		c.Paths.SourcesDir = defaultSourcesDir
	}
	if c.Paths.SourcesDir, err = expandPath(c.Paths.SourcesDir); err != nil {
		return fmt.Errorf("paths.sources_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if value, ok := os.LookupEnv("MEDIAFORGE_API_BIND"); ok && strings.TrimSpace(value) != "" {
		c.Paths.APIBind = value
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeQueue() {
	if value, ok := os.LookupEnv("MEDIAFORGE_QUEUE_BACKEND"); ok && strings.TrimSpace(value) != "" {
		c.Queue.Backend = value
	}
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = defaultQueueBackend
	}
	if value, ok := os.LookupEnv("MEDIAFORGE_REDIS_URL"); ok && strings.TrimSpace(value) != "" {
		c.Queue.RedisURL = value
	} else if value, ok := os.LookupEnv("REDIS_URL"); ok && strings.TrimSpace(value) != "" {
		c.Queue.RedisURL = value
	}
	c.Queue.RedisURL = strings.TrimSpace(c.Queue.RedisURL)
	c.Queue.RedisKeyPrefix = strings.TrimSpace(c.Queue.RedisKeyPrefix)
	if c.Queue.RedisKeyPrefix == "" {
		c.Queue.RedisKeyPrefix = defaultRedisKeyPrefix
	}
}

func (c *Config) normalizeTransform() {
	c.Transform.FFmpegBinary = strings.TrimSpace(c.Transform.FFmpegBinary)
	if c.Transform.FFmpegBinary == "" {
		c.Transform.FFmpegBinary = defaultFFmpegBinary
	}
	c.Transform.FFprobeBinary = strings.TrimSpace(c.Transform.FFprobeBinary)
	if c.Transform.FFprobeBinary == "" {
		c.Transform.FFprobeBinary = defaultFFprobeBinary
	}
	if c.Transform.StderrTailLines <= 0 {
		c.Transform.StderrTailLines = defaultStderrTailLines
	}
}

func (c *Config) normalizeQualities() {
	if len(c.Qualities) == 0 {
		c.Qualities = DefaultQualities()
		return
	}
	normalized := make(map[string]Quality, len(c.Qualities))
	for tag, quality := range c.Qualities {
		normalized[strings.ToLower(strings.TrimSpace(tag))] = quality
	}
	c.Qualities = normalized
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

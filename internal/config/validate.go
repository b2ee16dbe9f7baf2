package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateTransform(); err != nil {
		return err
	}
	if err := c.validateQualities(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.ArtifactsDir) == "" {
		return errors.New("paths.artifacts_dir must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueBackendSQLite:
	case QueueBackendRedis:
		if c.Queue.RedisURL == "" {
			return errors.New("queue.redis_url must be set when queue.backend is redis")
		}
	default:
		return fmt.Errorf("queue.backend: unsupported value %q (want sqlite or redis)", c.Queue.Backend)
	}
	if err := ensurePositiveMap(map[string]int{
		"queue.visibility_timeout": c.Queue.VisibilityTimeout,
		"queue.max_deliveries":     c.Queue.MaxDeliveries,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if err := ensurePositiveMap(map[string]int{
		"dispatch.concurrency":          c.Dispatch.Concurrency,
		"dispatch.poll_interval_ms":     c.Dispatch.PollIntervalMillis,
		"dispatch.poll_max_interval_ms": c.Dispatch.PollMaxIntervalMillis,
		"dispatch.heartbeat_interval":   c.Dispatch.HeartbeatInterval,
		"dispatch.error_retry_interval": c.Dispatch.ErrorRetryInterval,
	}); err != nil {
		return err
	}
	if c.Dispatch.PollMaxIntervalMillis < c.Dispatch.PollIntervalMillis {
		return errors.New("dispatch.poll_max_interval_ms must not be less than dispatch.poll_interval_ms")
	}
	if c.Dispatch.HeartbeatInterval >= c.Queue.VisibilityTimeout {
		return errors.New("queue.visibility_timeout must be greater than dispatch.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateTransform() error {
	if c.Transform.TimeoutBaseSeconds <= 0 {
		return errors.New("transform.timeout_base_seconds must be positive")
	}
	if c.Transform.TimeoutFactor < 0 {
		return errors.New("transform.timeout_factor must not be negative")
	}
	if c.Transform.TimeoutMaxSeconds < 0 {
		return errors.New("transform.timeout_max_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateQualities() error {
	tags := make([]string, 0, len(c.Qualities))
	for tag := range c.Qualities {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if tag == "" {
			return errors.New("qualities: empty quality tag")
		}
		q := c.Qualities[tag]
		if q.Width <= 0 || q.Height <= 0 || q.BitrateKbps <= 0 {
			return fmt.Errorf("qualities.%s: width, height, and bitrate_kbps must be positive", tag)
		}
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.SubmitRatePerSecond < 0 {
		return errors.New("api.submit_rate_per_second must not be negative")
	}
	if c.API.SubmitRatePerSecond > 0 && c.API.SubmitBurst <= 0 {
		return errors.New("api.submit_burst must be positive when rate limiting is enabled")
	}
	if c.API.StatusCacheSize < 0 {
		return errors.New("api.status_cache_size must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

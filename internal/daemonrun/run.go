package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"mediaforge/internal/api"
	"mediaforge/internal/config"
	"mediaforge/internal/daemon"
	"mediaforge/internal/deps"
	"mediaforge/internal/dispatch"
	"mediaforge/internal/jobs"
	"mediaforge/internal/logging"
	"mediaforge/internal/taskqueue"
	"mediaforge/internal/transform"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the mediaforge daemon and blocks until ctx is cancelled or the
// process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loggerOpts := logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr"},
		Development: opts.Development,
	}
	if opts.LogLevel != "" {
		loggerOpts.Level = opts.LogLevel
	}
	if cfg.Paths.LogDir != "" {
		loggerOpts.JSONFile = filepath.Join(cfg.Paths.LogDir, "mediaforged.log")
	}
	logger, err := logging.New(loggerOpts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)
	pidPath := PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := jobs.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}
	queue, err := taskqueue.New(signalCtx, cfg, store.DB())
	if err != nil {
		_ = store.Close()
		logging.ErrorWithContext(logger, "open task queue", "queue_open_failed",
			logging.Error(err),
			logging.String("backend", cfg.Queue.Backend),
			logging.String(logging.FieldErrorHint, "check queue.backend and queue.redis_url"),
		)
		return err
	}

	executor := transform.NewExecutor(cfg, transform.WithLogger(logger))
	dispatcher := dispatch.NewManager(cfg, store, queue, executor, logger)
	service, err := api.NewService(cfg, store, queue, logger)
	if err != nil {
		_ = queue.Close()
		_ = store.Close()
		return fmt.Errorf("create api service: %w", err)
	}

	d, err := daemon.New(cfg, store, queue, dispatcher, service, logger)
	if err != nil {
		_ = queue.Close()
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lock file and api bind address"),
			logging.String(logging.FieldImpact, "no jobs will be processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("mediaforge daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// PIDPath is where the running daemon records its process id.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.DataDir, "mediaforged.pid")
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("queue_backend", cfg.Queue.Backend),
		logging.Int("concurrency", cfg.Dispatch.Concurrency),
	}
	statuses := deps.Check(cfg)
	for _, status := range statuses {
		name := strings.ToLower(status.Name)
		attrs = append(attrs,
			logging.Bool(name+"_available", status.Available),
			logging.String(name+"_binary", status.Command),
		)
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
	for _, missing := range deps.Missing(statuses) {
		logging.WarnWithContext(logger, "required binary unavailable", "dependency_missing",
			logging.String("dependency", missing.Name),
			logging.String("detail", missing.Detail),
			logging.String(logging.FieldImpact, "jobs will fail with tool_error until it is installed"),
			logging.String(logging.FieldErrorHint, "install ffmpeg or set transform.ffmpeg_binary/ffprobe_binary"),
		)
	}
}

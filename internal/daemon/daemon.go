package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"mediaforge/internal/api"
	"mediaforge/internal/config"
	"mediaforge/internal/deps"
	"mediaforge/internal/dispatch"
	"mediaforge/internal/jobs"
	"mediaforge/internal/logging"
	"mediaforge/internal/taskqueue"
)

// Daemon coordinates the background dispatcher and the HTTP API and enforces
// single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *jobs.Store
	queue      taskqueue.Queue
	dispatcher *dispatch.Manager
	service    *api.Service
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon. The daemon takes ownership of store and queue and
// closes them in Close.
func New(cfg *config.Config, store *jobs.Store, queue taskqueue.Queue, dispatcher *dispatch.Manager, service *api.Service, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || queue == nil || dispatcher == nil || service == nil {
		return nil, errors.New("daemon requires config, store, queue, dispatcher, and api service")
	}
	logger = logging.NewComponentLogger(logger, "daemon")
	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		queue:      queue,
		dispatcher: dispatcher,
		service:    service,
		lockPath:   cfg.LockPath(),
		lock:       flock.New(cfg.LockPath()),
	}
	d.api = newAPIServer(cfg.Paths.APIBind, service, d, logger)
	return d, nil
}

// Start acquires the daemon lock, launches the dispatcher, and begins serving
// the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another mediaforge daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.dispatcher.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		cancel()
		d.dispatcher.Stop()
		_ = d.lock.Unlock()
		return err
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("mediaforge daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.addr()),
		logging.String("queue_backend", d.cfg.Queue.Backend),
	)
	return nil
}

// Stop halts the API and the dispatcher and releases the daemon lock. Units
// in flight are left unacked and redelivered after their visibility timeout.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.dispatcher.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("mediaforge daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases the queue and store.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if err := d.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// APIAddress returns the bound HTTP address, or "" when the API is disabled
// or not yet listening.
func (d *Daemon) APIAddress() string {
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	summary := d.dispatcher.Status(ctx)
	statuses := deps.Check(d.cfg)
	depsOut := make([]api.DependencyStatus, len(statuses))
	for i, dep := range statuses {
		depsOut[i] = api.DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
		}
	}
	dbCheck := "ok"
	if err := d.store.CheckIntegrity(ctx); err != nil {
		dbCheck = err.Error()
	}
	return api.DaemonStatus{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		DatabasePath:  d.store.Path(),
		DatabaseCheck: dbCheck,
		LockFilePath: d.lockPath,
		QueueBackend: d.cfg.Queue.Backend,
		Dispatcher: api.DispatcherStatus{
			Running:   summary.Running,
			Workers:   summary.Workers,
			Handled:   summary.Handled,
			LastError: summary.LastError,
			LastUnit:  summary.LastUnit,
		},
		Queue:        api.QueueStats{Ready: summary.Queue.Ready, InFlight: summary.Queue.InFlight},
		JobCounts:    api.MergeJobStats(summary.Jobs),
		Dependencies: depsOut,
	}
}

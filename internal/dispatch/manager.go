package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaforge/internal/config"
	"mediaforge/internal/jobs"
	"mediaforge/internal/logging"
	"mediaforge/internal/taskqueue"
	"mediaforge/internal/transform"
)

// Executor runs one unit.
type Executor interface {
	Execute(ctx context.Context, req transform.Request) (transform.Result, error)
}

// Manager owns the worker pool.
type Manager struct {
	cfg    *config.Config
	store  *jobs.Store
	queue  taskqueue.Queue
	exec   Executor
	logger *slog.Logger
	prefix string

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastErr  error
	lastUnit string
	handled  int64
}

// NewManager constructs a dispatcher. Start launches the workers.
func NewManager(cfg *config.Config, store *jobs.Store, queue taskqueue.Queue, exec Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		queue:  queue,
		exec:   exec,
		logger: logging.NewComponentLogger(logger, "dispatch"),
		prefix: uuid.NewString()[:8],
	}
}

// Start launches cfg.Dispatch.Concurrency workers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("dispatcher already running")
	}
	workers := m.cfg.Dispatch.Concurrency
	if workers <= 0 {
		m.mu.Unlock()
		return fmt.Errorf("dispatch concurrency must be positive, got %d", workers)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(workers)
	m.mu.Unlock()

	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("%s-w%d", m.prefix, i)
		go m.runWorker(runCtx, id)
	}
	m.logger.Info("dispatcher started",
		logging.Int("workers", workers),
		logging.String(logging.FieldEventType, "dispatcher_started"),
	)
	return nil
}

// Stop cancels the workers and waits for them. Units in progress are left
// unacknowledged and are redelivered after their visibility timeout.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("dispatcher stopped", logging.String(logging.FieldEventType, "dispatcher_stopped"))
}

// StatusSummary is a snapshot of dispatcher state.
type StatusSummary struct {
	Running   bool
	Workers   int
	Handled   int64
	LastError string
	LastUnit  string
	Queue     taskqueue.Stats
	Jobs      map[jobs.Status]int
}

// Status reports pool state with current queue and job counts.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:  m.running,
		Workers:  m.cfg.Dispatch.Concurrency,
		Handled:  m.handled,
		LastUnit: m.lastUnit,
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()

	if stats, err := m.queue.Stats(ctx); err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	} else {
		summary.Queue = stats
	}
	if stats, err := m.store.Stats(ctx); err != nil {
		m.logger.Warn("failed to read job stats", logging.Error(err))
	} else {
		summary.Jobs = stats
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) noteHandled(key string) {
	m.mu.Lock()
	m.lastUnit = key
	m.handled++
	m.mu.Unlock()
}

func (m *Manager) visibility() time.Duration {
	return m.cfg.VisibilityTimeout()
}

// Package health monitors tool-server connections. Each watcher probes
// one connection with MCP ping; when a server stops responding the
// connection is marked degraded and the catalog is rebuilt without it,
// and a backoff loop attempts recovery (relaunch + re-handshake) until
// the server answers again, at which point the catalog is rebuilt to
// include it. One server crashing never affects the others.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cobaltforge/relay/internal/mcp"
)

// Conn is the connection surface the watcher needs. *mcp.Conn
// implements it.
type Conn interface {
	Name() string
	State() mcp.State
	Ping(ctx context.Context) error
	Start(ctx context.Context) error
	MarkDegraded()
}

// BackoffConfig controls recovery retry timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first recovery attempt
	// (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt
	// (default: 2.0).
	Multiplier float64

	// PollInterval is the steady-state probe interval while the
	// connection is healthy (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe or recovery attempt
	// (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the default schedule: 2s, 4s, 8s, ...
// capped at 60s for recovery, with 60-second steady-state polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single connection watcher.
type WatcherConfig struct {
	// Conn is the connection to watch.
	Conn Conn

	// Backoff controls probe and recovery timing.
	Backoff BackoffConfig

	// OnChange fires after every state transition (healthy→degraded
	// and degraded→healthy), in its own goroutine. This is where the
	// catalog rebuild hangs off.
	OnChange func()

	// Logger for structured logging. slog.Default() if nil.
	Logger *slog.Logger
}

// ConnStatus is the health status of one watched connection.
type ConnStatus struct {
	Server    string    `json:"server"`
	State     string    `json:"state"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single connection.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Status returns the current health status.
func (w *Watcher) Status() ConnStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ConnStatus{
		Server:    w.config.Conn.Name(),
		State:     w.config.Conn.State().String(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run alternates between steady-state polling and recovery backoff.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	name := w.config.Conn.Name()

	for {
		if w.config.Conn.State() != mcp.StateReady {
			if !w.recover(ctx) {
				return
			}
		}

		if !sleepCtx(ctx, w.config.Backoff.PollInterval) {
			return
		}

		err := w.probe(ctx, w.config.Conn.Ping)
		w.recordResult(err)
		if err == nil {
			continue
		}

		logger.Info("server became unreachable", "server", name, "error", err)
		w.config.Conn.MarkDegraded()
		w.notify()

		if !w.recover(ctx) {
			return
		}
	}
}

// recover retries Start with exponential backoff until the connection
// is Ready again. Returns false if the context was cancelled.
func (w *Watcher) recover(ctx context.Context) bool {
	logger := w.config.Logger
	name := w.config.Conn.Name()
	cfg := w.config.Backoff

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		if !sleepCtx(ctx, delay) {
			return false
		}

		err := w.probe(ctx, w.config.Conn.Start)
		w.recordResult(err)

		if err == nil {
			logger.Info("server recovered", "server", name, "after_attempts", attempt)
			w.notify()
			return true
		}

		logger.Debug("recovery attempt failed",
			"server", name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// probe runs one bounded attempt of fn.
func (w *Watcher) probe(ctx context.Context, fn func(context.Context) error) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return fn(probeCtx)
}

func (w *Watcher) notify() {
	if w.config.OnChange != nil {
		go w.config.OnChange()
	}
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the watchers for all connections.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watcher manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher for the given connection. The
// watcher runs in a background goroutine until ctx is cancelled or
// Stop is called.
//
// Panics if Conn is nil — a programming error, not a runtime
// condition. Zero-value backoff fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Conn == nil {
		panic("health: WatcherConfig.Conn must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Conn.Name()] = w
	m.mu.Unlock()

	return w
}

// Status returns the health status of every watched connection.
func (m *Manager) Status() map[string]ConnStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ConnStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

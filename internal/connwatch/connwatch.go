// Package connwatch monitors the daemon's upstream dependencies (the
// Home Assistant API, the model endpoint) with exponential backoff on
// startup and periodic polling afterwards. Transport-level retry in
// httpkit covers sub-second dial races; connwatch covers the multi-
// second to multi-minute outages of service restarts and network
// partitions, so a Home Assistant reboot never requires restarting
// insightd.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if
// healthy. Must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// Config configures a watcher.
type Config struct {
	// Name identifies the service in log lines.
	Name string

	// Probe checks service health.
	Probe ProbeFunc

	// OnReady fires when the service transitions to reachable, on
	// startup and on every recovery. Runs in its own goroutine. Optional.
	OnReady func()

	// OnDown fires when the service transitions to unreachable. Runs in
	// its own goroutine. Optional.
	OnDown func(err error)

	// InitialDelay is the delay before the first startup retry.
	// Default 2s, doubling up to MaxDelay.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth. Default 60s.
	MaxDelay time.Duration

	// MaxRetries bounds startup probe attempts before falling through
	// to background polling. Default 10.
	MaxRetries int

	// PollInterval is the background check cadence. Default 60s.
	PollInterval time.Duration

	// ProbeTimeout bounds each individual probe call. Default 10s.
	ProbeTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Watcher monitors one service in a background goroutine.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Start begins watching. The goroutine runs until ctx is cancelled or
// Stop is called. Panics when Name is empty or Probe is nil; those are
// programming errors.
func Start(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	cfg.applyDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if w.startup(ctx) {
		return // cancelled during startup
	}
	w.poll(ctx)
}

// startup probes with exponential backoff until the service answers or
// retries run out. Reports whether ctx was cancelled.
func (w *Watcher) startup(ctx context.Context) bool {
	logger := w.cfg.Logger
	delay := w.cfg.InitialDelay

	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.record(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("service connected",
				"service", w.cfg.Name, "after_attempts", attempt)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
			return false
		}

		if attempt == w.cfg.MaxRetries {
			logger.Info("startup connection failed, entering background polling",
				"service", w.cfg.Name, "attempts", attempt, "error", err)
			return false
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.cfg.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err)

		if !sleepCtx(ctx, delay) {
			return true
		}
		delay = min(delay*2, w.cfg.MaxDelay)
	}
	return false
}

// poll runs the steady-state loop, firing callbacks on transitions.
func (w *Watcher) poll(ctx context.Context) {
	logger := w.cfg.Logger
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.record(err)

			switch wasReady := w.ready.Load(); {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Info("service became unreachable",
					"service", w.cfg.Name, "error", err)
				if w.cfg.OnDown != nil {
					go w.cfg.OnDown(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("service recovered", "service", w.cfg.Name)
				if w.cfg.OnReady != nil {
					go w.cfg.OnReady()
				}
			case !wasReady && err != nil:
				logger.Debug("service still unreachable",
					"service", w.cfg.Name, "error", err)
			}
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
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

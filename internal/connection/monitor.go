// Package connection probes backend health and tracks connection quality
// and reconnection backoff.
//
// Probe schedule:
//   - one probe immediately when Run starts
//   - one probe every PollInterval regardless of state (silent disconnects)
//   - after a failure, one retry probe after BackoffDelay(attempts)
//
// The monitor gates readiness: callers must not start frame processing while
// State().Connected is false.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/expression-client/internal/types"
)

// HealthChecker performs a single health request.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config contains probe timing and backoff settings.
type Config struct {
	ProbeTimeout time.Duration // Upper bound for one probe (default: 5s)
	BaseDelay    time.Duration // Retry delay after the first failure (default: 3s)
	MaxDelay     time.Duration // Retry delay cap (default: 30s)
	PollInterval time.Duration // Periodic probe interval (default: 10s)
}

// DefaultConfig returns the default probe configuration.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout: 5 * time.Second,
		BaseDelay:    3 * time.Second,
		MaxDelay:     30 * time.Second,
		PollInterval: 10 * time.Second,
	}
}

// Stats contains probe counters.
type Stats struct {
	Probes   uint64
	Failures uint64
}

// Monitor owns the ConnectionState.
type Monitor struct {
	checker HealthChecker
	cfg     Config

	mu       sync.RWMutex
	state    types.ConnectionState
	onChange func(types.ConnectionState)

	lastLatencyMS atomic.Int64
	running       atomic.Bool

	probes   atomic.Uint64
	failures atomic.Uint64
}

// NewMonitor creates a monitor with fail-fast validation of cfg.
// Zero durations in cfg fall back to DefaultConfig values.
func NewMonitor(checker HealthChecker, cfg Config) (*Monitor, error) {
	if checker == nil {
		return nil, fmt.Errorf("connection: health checker is required")
	}

	def := DefaultConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("connection: max delay %v is below base delay %v", cfg.MaxDelay, cfg.BaseDelay)
	}

	return &Monitor{
		checker: checker,
		cfg:     cfg,
		state:   types.ConnectionState{Quality: types.QualityGood},
	}, nil
}

// OnChange registers fn to receive the state after every probe.
// Must be called before Run. fn runs on the monitor goroutine and must not block.
func (m *Monitor) OnChange(fn func(types.ConnectionState)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State returns a snapshot of the connection state.
func (m *Monitor) State() types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether the last probe succeeded.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Connected
}

// ObserveLatency records the most recent processing latency. The next
// successful probe derives Quality from it.
func (m *Monitor) ObserveLatency(d time.Duration) {
	m.lastLatencyMS.Store(d.Milliseconds())
}

// Stats returns probe counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Probes:   m.probes.Load(),
		Failures: m.failures.Load(),
	}
}

// Run probes until ctx is cancelled. All timers are stopped on return.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("connection: monitor already running")
	}
	defer m.running.Store(false)

	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	retry := time.NewTimer(time.Hour)
	stopTimer(retry)
	defer retry.Stop()

	slog.Info("connection: monitor started",
		"poll_interval", m.cfg.PollInterval,
		"probe_timeout", m.cfg.ProbeTimeout,
		"base_delay", m.cfg.BaseDelay,
		"max_delay", m.cfg.MaxDelay,
	)

	m.probeAndSchedule(ctx, retry)

	for {
		select {
		case <-ctx.Done():
			slog.Info("connection: monitor stopped", "probes", m.probes.Load())
			return nil
		case <-poll.C:
			m.probeAndSchedule(ctx, retry)
		case <-retry.C:
			slog.Debug("connection: retry probe firing")
			m.probeAndSchedule(ctx, retry)
		}
	}
}

// probeAndSchedule probes once and (re)arms the retry timer on failure.
// A new failure replaces any pending retry.
func (m *Monitor) probeAndSchedule(ctx context.Context, retry *time.Timer) {
	if m.Probe(ctx) {
		stopTimer(retry)
		return
	}
	if ctx.Err() != nil {
		return
	}

	delay := m.State().NextReconnectDelay()
	stopTimer(retry)
	retry.Reset(delay)
}

// Probe performs one bounded health check and updates the state.
//
// This function:
//  1. Calls the health checker under cfg.ProbeTimeout
//  2. On success, marks the backend connected, resets the attempts, clears
//     the error and derives quality from the last observed processing latency
//  3. On failure or timeout, marks it disconnected with quality poor,
//     computes the next delay from the attempts before this failure and
//     increments the attempts
//  4. Notifies the OnChange callback with the new state
//
// Parameters:
//   - ctx: parent context; a probe interrupted by its cancellation leaves the
//     state untouched
//
// Returns true when the backend answered healthy.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	m.probes.Add(1)
	start := time.Now()
	err := m.checker.Health(probeCtx)

	if ctx.Err() != nil {
		slog.Debug("connection: probe interrupted by shutdown")
		return false
	}

	if err == nil {
		m.markHealthy(time.Since(start))
		return true
	}

	if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("health probe timed out after %v: %w", m.cfg.ProbeTimeout, err)
	}
	m.markFailed(&types.ConnectionError{Err: err})
	return false
}

func (m *Monitor) markHealthy(probeLatency time.Duration) {
	latency := time.Duration(m.lastLatencyMS.Load()) * time.Millisecond

	now := time.Now()

	m.mu.Lock()
	wasConnected := m.state.Connected
	m.state = types.ConnectionState{
		Connected:     true,
		Quality:       QualityFor(latency),
		LastSuccessAt: &now,
	}
	state := m.state
	fn := m.onChange
	m.mu.Unlock()

	if !wasConnected {
		slog.Info("connection: backend reachable",
			"quality", state.Quality,
			"probe_latency", probeLatency,
		)
	} else {
		slog.Debug("connection: probe ok",
			"quality", state.Quality,
			"probe_latency", probeLatency,
		)
	}

	if fn != nil {
		fn(state)
	}
}

func (m *Monitor) markFailed(err error) {
	m.failures.Add(1)
	now := time.Now()

	m.mu.Lock()
	delay := BackoffDelay(m.state.ReconnectAttempts, m.cfg)
	m.state.Connected = false
	m.state.Quality = types.QualityPoor
	m.state.LastError = err.Error()
	m.state.NextReconnectDelayMS = delay.Milliseconds()
	m.state.ReconnectAttempts++
	retryAt := now.Add(delay)
	m.state.NextRetryAt = &retryAt
	state := m.state
	fn := m.onChange
	m.mu.Unlock()

	slog.Warn("connection: probe failed, retrying",
		"error", err,
		"attempt", state.ReconnectAttempts,
		"delay", delay,
	)

	if fn != nil {
		fn(state)
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

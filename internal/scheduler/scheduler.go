// Package scheduler drives the periodic frame tick and adapts its period to
// observed backend latency.
//
// Guards applied to every tick:
//   - in-flight: at most one attempt at a time, a tick that finds one pending is a no-op
//   - spacing: a capture is rejected when less than MinSpacing elapsed since the
//     previous successful capture (protects against burst ticks after a period change)
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config contains interval bounds and guard settings.
type Config struct {
	InitialInterval time.Duration // First tick period (default: 1s)
	MinInterval     time.Duration // Lower clamp (default: 500ms)
	MaxInterval     time.Duration // Upper clamp (default: 2s)
	LatencyFactor   float64       // interval = latency * factor (default: 1.5)
	MinSpacing      time.Duration // Minimum gap between captures (default: 100ms)
}

// DefaultConfig returns the default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 1000 * time.Millisecond,
		MinInterval:     500 * time.Millisecond,
		MaxInterval:     2000 * time.Millisecond,
		LatencyFactor:   1.5,
		MinSpacing:      100 * time.Millisecond,
	}
}

// Validate checks the bounds are consistent.
func (c Config) Validate() error {
	if c.MinInterval <= 0 || c.MaxInterval <= 0 {
		return fmt.Errorf("scheduler: interval bounds must be > 0")
	}
	if c.MinInterval > c.MaxInterval {
		return fmt.Errorf("scheduler: min interval %v exceeds max interval %v", c.MinInterval, c.MaxInterval)
	}
	if c.InitialInterval < c.MinInterval || c.InitialInterval > c.MaxInterval {
		return fmt.Errorf("scheduler: initial interval %v outside [%v, %v]", c.InitialInterval, c.MinInterval, c.MaxInterval)
	}
	if c.LatencyFactor <= 0 {
		return fmt.Errorf("scheduler: latency factor must be > 0")
	}
	if c.MinSpacing < 0 {
		return fmt.Errorf("scheduler: min spacing must be >= 0")
	}
	return nil
}

// State is a snapshot of the scheduler.
type State struct {
	Interval      time.Duration
	LastTickAt    time.Time
	LastCaptureAt time.Time
	InFlight      bool
}

// Decision is the outcome of a tick.
type Decision int

const (
	// Accepted means the caller must run one attempt and call Settle.
	Accepted Decision = iota
	// SkippedInFlight means an attempt is still pending.
	SkippedInFlight
	// SkippedSpacing means the previous capture is too recent.
	SkippedSpacing
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case SkippedInFlight:
		return "skipped_in_flight"
	case SkippedSpacing:
		return "skipped_spacing"
	default:
		return "unknown"
	}
}

// Stats counts tick decisions.
type Stats struct {
	Ticks           uint64
	Accepted        uint64
	SkippedInFlight uint64
	SkippedSpacing  uint64
	Adjustments     uint64
}

// Scheduler owns SchedulerState and the tick timer.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	state  State
	ticker *time.Ticker
	stats  Stats
}

// New creates a scheduler. Returns an error if cfg is invalid.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:   cfg,
		state: State{Interval: cfg.InitialInterval},
	}, nil
}

// Start begins ticking at the current interval. Safe to call again: an
// already running ticker is left untouched.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.state.Interval)
	slog.Info("scheduler: ticking", "interval", s.state.Interval)
}

// Stop halts the ticker. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	slog.Debug("scheduler: stopped")
}

// C returns the tick channel, or nil while stopped (a nil channel blocks
// forever in a select, which keeps an idle scheduler silent).
func (s *Scheduler) C() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return nil
	}
	return s.ticker.C
}

// Running reports whether the ticker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker != nil
}

// Begin evaluates a tick at now. On Accepted the scheduler is marked in
// flight until Settle.
func (s *Scheduler) Begin(now time.Time) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Ticks++
	s.state.LastTickAt = now

	if s.state.InFlight {
		s.stats.SkippedInFlight++
		return SkippedInFlight
	}
	if !ShouldCapture(s.state.LastCaptureAt, now, s.cfg.MinSpacing) {
		s.stats.SkippedSpacing++
		return SkippedSpacing
	}

	s.state.InFlight = true
	s.stats.Accepted++
	return Accepted
}

// Settle clears the in-flight flag and adapts the interval to latency.
// captured reports whether the capture step of the attempt succeeded; only
// then does startedAt become the reference for the spacing guard.
//
// Returns the interval now in effect.
func (s *Scheduler) Settle(startedAt time.Time, latency time.Duration, captured bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.InFlight = false
	if captured {
		s.state.LastCaptureAt = startedAt
	}

	next := AdjustInterval(latency, s.cfg)
	if next != s.state.Interval {
		slog.Debug("scheduler: interval adjusted",
			"from", s.state.Interval,
			"to", next,
			"latency", latency,
		)
		s.state.Interval = next
		s.stats.Adjustments++
		if s.ticker != nil {
			s.ticker.Reset(next)
		}
	}
	return s.state.Interval
}

// Abort clears the in-flight flag for an attempt that never ran. The
// interval and the spacing reference are left as they were.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.InFlight = false
}

// State returns a snapshot of the scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns tick counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// AdjustInterval returns clamp(latency * LatencyFactor, MinInterval, MaxInterval).
func AdjustInterval(latency time.Duration, cfg Config) time.Duration {
	next := time.Duration(float64(latency) * cfg.LatencyFactor)
	if next < cfg.MinInterval {
		return cfg.MinInterval
	}
	if next > cfg.MaxInterval {
		return cfg.MaxInterval
	}
	return next
}

// ShouldCapture reports whether enough time elapsed since last. A zero last
// (no capture yet) always allows capture. Exactly minSpacing is allowed.
func ShouldCapture(last, now time.Time, minSpacing time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= minSpacing
}

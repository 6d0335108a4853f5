// Package metrics computes the displayed frames-per-second value and keeps
// observational counters for completed, failed and discarded attempts.
//
// FPS semantics: the number of attempts that completed (success or backend
// error) during the last window, divided by the window length in seconds and
// rounded. Timeouts, capture errors and late settlements never count.
package metrics

import (
	"math"
	"sync"
	"time"
)

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	FPS          int       `json:"fps"`
	FrameCounter int       `json:"frame_counter"`
	WindowStart  time.Time `json:"window_start"`

	Successes     uint64 `json:"successes"`
	BackendErrors uint64 `json:"backend_errors"`
	Timeouts      uint64 `json:"timeouts"`
	CaptureErrors uint64 `json:"capture_errors"`
	LateDiscards  uint64 `json:"late_discards"`
	PayloadBytes  uint64 `json:"payload_bytes"`
}

// Collector owns the FPS window. All methods are safe for concurrent use.
type Collector struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewCollector creates a collector whose first window starts at now.
func NewCollector(now time.Time) *Collector {
	return &Collector{snap: Snapshot{WindowStart: now}}
}

// RecordSuccess counts a completed attempt that was merged.
func (c *Collector) RecordSuccess(payloadBytes int) {
	c.mu.Lock()
	c.snap.FrameCounter++
	c.snap.Successes++
	c.snap.PayloadBytes += uint64(payloadBytes)
	c.mu.Unlock()
}

// RecordBackendError counts a completed attempt the backend rejected.
func (c *Collector) RecordBackendError(payloadBytes int) {
	c.mu.Lock()
	c.snap.FrameCounter++
	c.snap.BackendErrors++
	c.snap.PayloadBytes += uint64(payloadBytes)
	c.mu.Unlock()
}

// RecordTimeout counts an abandoned attempt. Not part of FPS.
func (c *Collector) RecordTimeout() {
	c.mu.Lock()
	c.snap.Timeouts++
	c.mu.Unlock()
}

// RecordCaptureError counts an attempt that produced no frame. Not part of FPS.
func (c *Collector) RecordCaptureError() {
	c.mu.Lock()
	c.snap.CaptureErrors++
	c.mu.Unlock()
}

// RecordLateDiscard counts a settlement dropped because it belonged to a
// superseded attempt. Not part of FPS.
func (c *Collector) RecordLateDiscard() {
	c.mu.Lock()
	c.snap.LateDiscards++
	c.mu.Unlock()
}

// Tick closes the current window at now: FPS becomes
// round(counter / elapsed seconds), the counter resets and a new window
// starts. A non-positive elapsed time leaves FPS unchanged.
func (c *Collector) Tick(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := now.Sub(c.snap.WindowStart).Seconds()
	if elapsed > 0 {
		c.snap.FPS = int(math.Round(float64(c.snap.FrameCounter) / elapsed))
	}
	c.snap.FrameCounter = 0
	c.snap.WindowStart = now
	return c.snap.FPS
}

// FPS returns the value computed by the last Tick.
func (c *Collector) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.FPS
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestTick_FPS(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		successes int
		rejected  int
		elapsed   time.Duration
		want      int
	}{
		{"idle", 0, 0, time.Second, 0},
		{"two per second", 2, 0, time.Second, 2},
		{"backend errors count", 1, 1, time.Second, 2},
		{"rounds half up", 3, 0, 2 * time.Second, 2},
		{"rounds down", 1, 0, 3 * time.Second, 0},
		{"late tick", 3, 0, 1500 * time.Millisecond, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(start)
			for i := 0; i < tt.successes; i++ {
				c.RecordSuccess(100)
			}
			for i := 0; i < tt.rejected; i++ {
				c.RecordBackendError(100)
			}
			if got := c.Tick(start.Add(tt.elapsed)); got != tt.want {
				t.Errorf("Tick() = %d, want %d", got, tt.want)
			}
			snap := c.Snapshot()
			if snap.FrameCounter != 0 {
				t.Errorf("FrameCounter after Tick = %d, want 0", snap.FrameCounter)
			}
			if !snap.WindowStart.Equal(start.Add(tt.elapsed)) {
				t.Errorf("WindowStart = %v, want %v", snap.WindowStart, start.Add(tt.elapsed))
			}
		})
	}
}

func TestTick_FailuresDoNotCount(t *testing.T) {
	start := time.Now()
	c := NewCollector(start)

	c.RecordTimeout()
	c.RecordCaptureError()
	c.RecordLateDiscard()

	if got := c.Tick(start.Add(time.Second)); got != 0 {
		t.Errorf("Tick() = %d, want 0 (only completions count)", got)
	}

	snap := c.Snapshot()
	if snap.Timeouts != 1 || snap.CaptureErrors != 1 || snap.LateDiscards != 1 {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestTick_ZeroElapsedKeepsFPS(t *testing.T) {
	start := time.Now()
	c := NewCollector(start)
	c.RecordSuccess(10)
	c.Tick(start.Add(time.Second))

	c.RecordSuccess(10)
	if got := c.Tick(start.Add(time.Second)); got != 1 {
		t.Errorf("Tick() with zero elapsed = %d, want previous value 1", got)
	}
}

func TestCounters(t *testing.T) {
	c := NewCollector(time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordSuccess(1000)
			c.RecordBackendError(500)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.Successes != 10 || snap.BackendErrors != 10 {
		t.Errorf("Successes/BackendErrors = %d/%d, want 10/10", snap.Successes, snap.BackendErrors)
	}
	if snap.FrameCounter != 20 {
		t.Errorf("FrameCounter = %d, want 20", snap.FrameCounter)
	}
	if snap.PayloadBytes != 15000 {
		t.Errorf("PayloadBytes = %d, want 15000", snap.PayloadBytes)
	}
}

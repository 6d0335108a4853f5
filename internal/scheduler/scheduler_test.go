package scheduler

import (
	"testing"
	"time"
)

func TestAdjustInterval(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		latencyMS int
		wantMS    int
	}{
		{0, 500},
		{100, 500},
		{333, 500},
		{400, 600},
		{1000, 1500},
		{1333, 1999},
		{2000, 2000},
		{5000, 2000},
	}

	for _, tt := range tests {
		got := AdjustInterval(time.Duration(tt.latencyMS)*time.Millisecond, cfg)
		want := time.Duration(tt.wantMS) * time.Millisecond
		if got.Truncate(time.Millisecond) != want {
			t.Errorf("AdjustInterval(%dms) = %v, want %v", tt.latencyMS, got, want)
		}
	}
}

func TestShouldCapture(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	spacing := 100 * time.Millisecond

	tests := []struct {
		name string
		last time.Time
		now  time.Time
		want bool
	}{
		{"no previous capture", time.Time{}, base, true},
		{"same instant", base, base, false},
		{"99ms", base, base.Add(99 * time.Millisecond), false},
		{"exactly 100ms", base, base.Add(100 * time.Millisecond), true},
		{"150ms", base, base.Add(150 * time.Millisecond), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldCapture(tt.last, tt.now, spacing); got != tt.want {
				t.Errorf("ShouldCapture() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"min above max", func(c *Config) { c.MinInterval = 3 * time.Second }, true},
		{"initial below min", func(c *Config) { c.InitialInterval = 100 * time.Millisecond }, true},
		{"zero factor", func(c *Config) { c.LatencyFactor = 0 }, true},
		{"negative spacing", func(c *Config) { c.MinSpacing = -1 }, true},
		{"zero min", func(c *Config) { c.MinInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBegin_InFlightGuard(t *testing.T) {
	s, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	now := time.Now()
	if d := s.Begin(now); d != Accepted {
		t.Fatalf("first Begin() = %v, want accepted", d)
	}
	if !s.State().InFlight {
		t.Fatal("InFlight = false after accepted tick")
	}

	// A second tick while pending is a no-op, not queued.
	if d := s.Begin(now.Add(time.Second)); d != SkippedInFlight {
		t.Errorf("second Begin() = %v, want skipped_in_flight", d)
	}
	if d := s.Begin(now.Add(2 * time.Second)); d != SkippedInFlight {
		t.Errorf("third Begin() = %v, want skipped_in_flight", d)
	}

	s.Settle(now, 400*time.Millisecond, true)
	if s.State().InFlight {
		t.Fatal("InFlight = true after Settle")
	}
	if d := s.Begin(now.Add(3 * time.Second)); d != Accepted {
		t.Errorf("Begin() after Settle = %v, want accepted", d)
	}

	stats := s.Stats()
	if stats.Ticks != 4 || stats.Accepted != 2 || stats.SkippedInFlight != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestBegin_SpacingGuard(t *testing.T) {
	s, _ := New(DefaultConfig())
	start := time.Now()

	if s.Begin(start) != Accepted {
		t.Fatal("first tick rejected")
	}
	s.Settle(start, 10*time.Millisecond, true)

	if d := s.Begin(start.Add(50 * time.Millisecond)); d != SkippedSpacing {
		t.Errorf("Begin() 50ms after capture = %v, want skipped_spacing", d)
	}
	if d := s.Begin(start.Add(100 * time.Millisecond)); d != Accepted {
		t.Errorf("Begin() 100ms after capture = %v, want accepted", d)
	}
}

func TestSettle_FailedCaptureDoesNotMoveSpacingReference(t *testing.T) {
	s, _ := New(DefaultConfig())
	start := time.Now()

	s.Begin(start)
	s.Settle(start, 5*time.Millisecond, false)

	// No successful capture yet, so the spacing guard must not apply.
	if d := s.Begin(start.Add(10 * time.Millisecond)); d != Accepted {
		t.Errorf("Begin() after failed capture = %v, want accepted", d)
	}
	if !s.State().LastCaptureAt.IsZero() {
		t.Error("LastCaptureAt set by a failed capture")
	}
}

func TestSettle_AdaptsInterval(t *testing.T) {
	s, _ := New(DefaultConfig())
	if got := s.State().Interval; got != time.Second {
		t.Fatalf("initial interval = %v, want 1s", got)
	}

	tests := []struct {
		latency time.Duration
		want    time.Duration
	}{
		{1000 * time.Millisecond, 1500 * time.Millisecond},
		{100 * time.Millisecond, 500 * time.Millisecond},
		{5 * time.Second, 2 * time.Second},
	}

	now := time.Now()
	for i, tt := range tests {
		now = now.Add(time.Second)
		if s.Begin(now) != Accepted {
			t.Fatalf("step %d: tick rejected", i)
		}
		if got := s.Settle(now, tt.latency, true); got != tt.want {
			t.Errorf("step %d: Settle(%v) = %v, want %v", i, tt.latency, got, tt.want)
		}
	}
	if s.Stats().Adjustments != 3 {
		t.Errorf("Adjustments = %d, want 3", s.Stats().Adjustments)
	}
}

func TestAbort_KeepsInterval(t *testing.T) {
	s, _ := New(DefaultConfig())
	now := time.Now()

	s.Begin(now)
	s.Settle(now, time.Second, true)
	if got := s.State().Interval; got != 1500*time.Millisecond {
		t.Fatalf("interval = %v, want 1.5s", got)
	}

	later := now.Add(2 * time.Second)
	if s.Begin(later) != Accepted {
		t.Fatal("tick rejected")
	}
	s.Abort()

	st := s.State()
	if st.InFlight {
		t.Error("InFlight still set after Abort")
	}
	if st.Interval != 1500*time.Millisecond {
		t.Errorf("interval after Abort = %v, want 1.5s unchanged", st.Interval)
	}
	if !st.LastCaptureAt.Equal(now) {
		t.Errorf("LastCaptureAt moved by Abort: %v", st.LastCaptureAt)
	}
	if s.Stats().Adjustments != 1 {
		t.Errorf("Adjustments = %d, want 1", s.Stats().Adjustments)
	}
	if d := s.Begin(later.Add(time.Second)); d != Accepted {
		t.Errorf("Begin() after Abort = %v, want accepted", d)
	}
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialInterval = cfg.MinInterval
	s, _ := New(cfg)

	if s.C() != nil {
		t.Error("C() should be nil before Start")
	}

	s.Start()
	s.Start() // idempotent
	if !s.Running() {
		t.Fatal("Running() = false after Start")
	}

	select {
	case <-s.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no tick within 2s")
	}

	s.Stop()
	s.Stop() // idempotent
	if s.Running() || s.C() != nil {
		t.Error("scheduler still running after Stop")
	}
}

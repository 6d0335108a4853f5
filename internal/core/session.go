// Package core runs the processing session: a single event loop that owns
// every mutation of scheduler, aggregator and metrics state.
//
// Event sources selected by the loop:
//   - frame ticks (scheduler), only while the backend is reachable
//   - FPS ticks (every FPSInterval)
//   - connection state changes (monitor callback, latest wins)
//   - attempt settlements (pipeline goroutines)
//   - mode change requests
//   - context cancellation
//
// Each accepted tick captures the current generation. A mode switch bumps
// the generation, so a settlement belonging to the previous mode is counted
// as a late discard and never merged.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/expression-client/internal/capture"
	"github.com/e7canasta/expression-client/internal/connection"
	"github.com/e7canasta/expression-client/internal/metrics"
	"github.com/e7canasta/expression-client/internal/pipeline"
	"github.com/e7canasta/expression-client/internal/results"
	"github.com/e7canasta/expression-client/internal/scheduler"
	"github.com/e7canasta/expression-client/internal/types"
)

var (
	// ErrNotRunning is returned by SetMode when the loop is not running.
	ErrNotRunning = errors.New("core: session not running")
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("core: session already running")
)

// Processor runs one attempt. Implemented by *pipeline.Pipeline.
type Processor interface {
	Run(ctx context.Context, mode types.Mode, generation uint64) (pipeline.Outcome, error)
	Attempts() uint32
	Wait(ctx context.Context) error
}

// Publisher receives detection and connection events, e.g. an MQTT emitter.
// Calls are made from the session loop and must not block for long.
type Publisher interface {
	PublishDetection(mode types.Mode, result types.DetectionResult) error
	PublishConnection(state types.ConnectionState) error
}

// Config contains session timing.
type Config struct {
	Mode        types.Mode
	StartDelay  time.Duration // Camera warm-up before the first tick (default: 2s)
	FPSInterval time.Duration // FPS window (default: 1s)
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Mode:        types.ModeCombined,
		StartDelay:  2000 * time.Millisecond,
		FPSInterval: 1000 * time.Millisecond,
	}
}

// Deps are the components a session wires together.
type Deps struct {
	Monitor    *connection.Monitor
	Scheduler  *scheduler.Scheduler
	Pipeline   Processor
	Aggregator *results.Aggregator
	Metrics    *metrics.Collector
	Source     capture.Source
	Publisher  Publisher // optional
}

type modeRequest struct {
	mode  types.Mode
	reply chan error
}

// Session is one processing session.
type Session struct {
	cfg  Config
	deps Deps

	connCh   chan types.ConnectionState
	settleCh chan pipeline.Outcome
	modeCh   chan modeRequest

	running atomic.Bool
	done    chan struct{}

	mu       sync.RWMutex
	cancel   context.CancelFunc
	shutdown bool
	snap     Snapshot
	wg       sync.WaitGroup

	subs *fanout

	// Loop-owned state. Only touched by the Run goroutine.
	mode          types.Mode
	generation    uint64
	connection    types.ConnectionState
	processing    bool
	message       string
	captureFailed bool
	warmedUp      bool
	startTimer    *time.Timer
}

// New creates a session with fail-fast validation of deps.
func New(cfg Config, deps Deps) (*Session, error) {
	switch {
	case deps.Monitor == nil:
		return nil, fmt.Errorf("core: connection monitor is required")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("core: scheduler is required")
	case deps.Pipeline == nil:
		return nil, fmt.Errorf("core: pipeline is required")
	case deps.Aggregator == nil:
		return nil, fmt.Errorf("core: aggregator is required")
	case deps.Metrics == nil:
		return nil, fmt.Errorf("core: metrics collector is required")
	case deps.Source == nil:
		return nil, fmt.Errorf("core: capture source is required")
	}

	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("core: invalid mode %q", cfg.Mode)
	}
	if cfg.StartDelay < 0 {
		return nil, fmt.Errorf("core: start delay must be >= 0")
	}
	if cfg.FPSInterval <= 0 {
		cfg.FPSInterval = def.FPSInterval
	}

	s := &Session{
		cfg:      cfg,
		deps:     deps,
		connCh:   make(chan types.ConnectionState, 1),
		settleCh: make(chan pipeline.Outcome, 1),
		modeCh:   make(chan modeRequest),
		done:     make(chan struct{}),
		subs:     newFanout(),
		mode:     cfg.Mode,
	}
	s.connection = deps.Monitor.State()
	s.snap = s.buildSnapshot()
	return s, nil
}

// Run starts the live source and the monitor, then runs the event loop until
// ctx is cancelled or Shutdown is called. A camera failure does not end the
// session: it is surfaced in the snapshot and frames are never processed.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	slog.Info("core: session starting",
		"mode", s.mode,
		"start_delay", s.cfg.StartDelay,
	)

	if err := s.deps.Source.Start(loopCtx); err != nil {
		if loopCtx.Err() != nil {
			return nil
		}
		s.failCapture(err)
	}

	s.deps.Monitor.OnChange(s.postConnection)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.deps.Monitor.Run(loopCtx); err != nil {
			slog.Error("core: connection monitor failed", "error", err)
		}
	}()

	fpsTicker := time.NewTicker(s.cfg.FPSInterval)
	defer fpsTicker.Stop()
	defer s.stopTicking()

	s.publish()

	for {
		select {
		case <-loopCtx.Done():
			slog.Info("core: session loop stopped", "generation", s.generation)
			return nil

		case now := <-s.deps.Scheduler.C():
			s.handleTick(loopCtx, now)

		case <-s.startTimerC():
			s.startTimer = nil
			s.maybeStartTicking()

		case now := <-fpsTicker.C:
			fps := s.deps.Metrics.Tick(now)
			if fps != s.snap.FPS {
				s.publish()
			}

		case st := <-s.connCh:
			s.handleConnection(st)

		case out := <-s.settleCh:
			s.handleSettlement(out)

		case req := <-s.modeCh:
			req.reply <- s.handleMode(req.mode)
		}
	}
}

// SetMode switches the detection mode. The result is reset before any new
// merge, the message is cleared and an attempt still in flight is discarded
// when it settles.
func (s *Session) SetMode(ctx context.Context, mode types.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("core: invalid mode %q", mode)
	}
	if !s.running.Load() {
		return ErrNotRunning
	}

	req := modeRequest{mode: mode, reply: make(chan error, 1)}
	select {
	case s.modeCh <- req:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest published view.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe returns a channel receiving every published snapshot (latest
// wins for slow readers) and a func to unsubscribe. The channel is closed on
// unsubscribe or shutdown.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	return s.subs.subscribe(s.Snapshot())
}

// Shutdown stops the loop, the monitor and the live source and waits for
// pending attempts, bounded by ctx. Safe to call more than once.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("core: shutdown: %w", ctx.Err())
		}
	}

	if err := s.deps.Source.Stop(); err != nil {
		slog.Warn("core: failed to stop capture source", "error", err)
	}

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		return fmt.Errorf("core: shutdown: %w", ctx.Err())
	}

	if err := s.deps.Pipeline.Wait(ctx); err != nil {
		return fmt.Errorf("core: shutdown: %w", err)
	}

	s.subs.close()

	m := s.deps.Metrics.Snapshot()
	slog.Info("core: session stopped",
		"successes", m.Successes,
		"backend_errors", m.BackendErrors,
		"timeouts", m.Timeouts,
		"late_discards", m.LateDiscards,
	)
	return nil
}

// postConnection is the monitor callback. It never blocks: an unread state
// is replaced by the newer one.
func (s *Session) postConnection(st types.ConnectionState) {
	for {
		select {
		case s.connCh <- st:
			return
		default:
			select {
			case <-s.connCh:
			default:
			}
		}
	}
}

func (s *Session) handleConnection(st types.ConnectionState) {
	wasConnected := s.connection.Connected
	s.connection = st

	// A camera error outranks connection messages: it never clears.
	if st.Connected {
		if !wasConnected && !s.captureFailed {
			s.message = ""
		}
		s.maybeStartTicking()
	} else {
		s.stopTicking()
		if !s.captureFailed {
			s.message = ReconnectMessage(st.NextReconnectDelay())
		}
	}

	if s.deps.Publisher != nil && wasConnected != st.Connected {
		if err := s.deps.Publisher.PublishConnection(st); err != nil {
			slog.Warn("core: failed to publish connection state", "error", err)
		}
	}
	s.publish()
}

// maybeStartTicking starts the scheduler once the backend is reachable and
// capture is running. The first start waits StartDelay for the camera to
// settle.
func (s *Session) maybeStartTicking() {
	if !s.connection.Connected || s.captureFailed || s.deps.Scheduler.Running() {
		return
	}
	if !s.warmedUp {
		if s.startTimer != nil {
			return
		}
		if s.cfg.StartDelay > 0 {
			s.startTimer = time.NewTimer(s.cfg.StartDelay)
			s.warmedUp = true
			slog.Debug("core: waiting for camera warm-up", "delay", s.cfg.StartDelay)
			return
		}
		s.warmedUp = true
	}

	s.deps.Scheduler.Start()
	s.publish()
}

func (s *Session) stopTicking() {
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
		// Warm-up did not complete; run it again on the next start.
		s.warmedUp = false
	}
	s.deps.Scheduler.Stop()
}

func (s *Session) startTimerC() <-chan time.Time {
	if s.startTimer == nil {
		return nil
	}
	return s.startTimer.C
}

func (s *Session) handleTick(ctx context.Context, now time.Time) {
	if !s.connection.Connected || s.captureFailed {
		return
	}

	decision := s.deps.Scheduler.Begin(now)
	if decision != scheduler.Accepted {
		slog.Debug("core: tick skipped", "reason", decision)
		return
	}

	s.processing = true
	mode, gen := s.mode, s.generation

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out, _ := s.deps.Pipeline.Run(ctx, mode, gen)
		select {
		case s.settleCh <- out:
		case <-ctx.Done():
		}
	}()
	s.publish()
}

func (s *Session) handleSettlement(out pipeline.Outcome) {
	s.processing = false

	if errors.Is(out.Err, pipeline.ErrBusy) {
		// Never started; scheduler guard and pipeline guard disagree only
		// if something else drives the pipeline.
		s.deps.Scheduler.Abort()
		s.publish()
		return
	}

	s.deps.Scheduler.Settle(out.Attempt.StartedAt, out.Elapsed, out.Captured)

	if errors.Is(out.Err, context.Canceled) {
		return
	}

	if out.Attempt.Generation != s.generation {
		s.deps.Metrics.RecordLateDiscard()
		slog.Debug("core: discarded settlement from superseded attempt",
			"attempt_id", out.Attempt.ID,
			"attempt_generation", out.Attempt.Generation,
			"generation", s.generation,
		)
		s.publish()
		return
	}

	if out.Err == nil {
		s.applyResult(out)
		s.publish()
		return
	}

	switch types.Classify(out.Err) {
	case types.KindBackend:
		s.deps.Metrics.RecordBackendError(out.Attempt.PayloadSizeBytes)
		s.deps.Monitor.ObserveLatency(out.Elapsed)
		s.message = out.Err.Error()

	case types.KindTimeout:
		s.deps.Metrics.RecordTimeout()
		s.message = "Processing timeout"

	case types.KindCapture:
		s.deps.Metrics.RecordCaptureError()
		s.failCapture(out.Err)

	default:
		s.message = out.Err.Error()
	}

	s.publish()
}

func (s *Session) applyResult(out pipeline.Outcome) {
	result, err := s.deps.Aggregator.Merge(s.mode, out.Payload, out.Elapsed)
	if err != nil {
		slog.Error("core: merge failed", "error", err, "attempt_id", out.Attempt.ID)
		s.message = err.Error()
		return
	}

	s.deps.Metrics.RecordSuccess(out.Attempt.PayloadSizeBytes)
	s.deps.Monitor.ObserveLatency(out.Elapsed)
	s.message = ""

	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishDetection(s.mode, result); err != nil {
			slog.Warn("core: failed to publish detection", "error", err)
		}
	}
}

func (s *Session) handleMode(mode types.Mode) error {
	if mode == s.mode {
		return nil
	}

	prev := s.mode
	s.mode = mode
	s.generation++
	s.deps.Aggregator.Reset()
	s.message = ""

	slog.Info("core: mode changed",
		"from", prev,
		"to", mode,
		"generation", s.generation,
		"in_flight", s.processing,
	)
	s.publish()
	return nil
}

// failCapture marks capture unusable for the rest of the session.
func (s *Session) failCapture(err error) {
	inner := err
	var ce *types.CaptureError
	if errors.As(err, &ce) && ce.Err != nil {
		inner = ce.Err
	}

	s.captureFailed = true
	s.message = fmt.Sprintf("Camera access error: %v", inner)
	s.stopTicking()

	slog.Error("core: capture unavailable, frames will not be processed", "error", err)
}

// publish rebuilds the snapshot and fans it out.
func (s *Session) publish() {
	snap := s.buildSnapshot()

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	s.subs.publish(snap)
}

func (s *Session) buildSnapshot() Snapshot {
	result := s.deps.Aggregator.Snapshot()
	m := s.deps.Metrics.Snapshot()
	w, h := s.deps.Source.Resolution()
	stats := s.deps.Source.Stats()

	status := StatusReady
	if s.processing {
		status = StatusProcessing
	}

	return Snapshot{
		Mode:           s.mode,
		ModeTitle:      s.mode.Title(),
		Result:         result,
		ProcessingTime: types.FormatProcessingTime(result.ProcessingTime()),
		EmotionHistory: s.deps.Aggregator.History(),
		Connection:     s.connection,
		FPS:            m.FPS,
		Resolution:     fmt.Sprintf("%dx%d", w, h),
		IntervalMS:     s.deps.Scheduler.State().Interval.Milliseconds(),
		Status:         status,
		Processing:     s.processing,
		CaptureRunning: stats.Running && !s.captureFailed,
		Ticking:        s.deps.Scheduler.Running(),
		Message:        s.message,
		FailedAttempts: s.deps.Pipeline.Attempts(),
		Metrics:        m,
		UpdatedAt:      time.Now(),
	}
}

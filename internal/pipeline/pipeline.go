// Package pipeline runs one capture → encode → send attempt raced against a
// timeout.
//
// Outcomes of Run:
//   - success: decoded results.DetectionPayload
//   - backend rejected or malformed results: *types.BackendError
//   - deadline exceeded: *types.TimeoutError; the request context is
//     cancelled and a response arriving later is discarded
//   - no frame: *types.CaptureError
//
// Only one attempt runs at a time. A Run while another is pending returns
// ErrBusy without sending anything.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/expression-client/internal/backend"
	"github.com/e7canasta/expression-client/internal/capture"
	"github.com/e7canasta/expression-client/internal/results"
	"github.com/e7canasta/expression-client/internal/types"
)

// ErrBusy is returned by Run while a previous attempt is still pending.
var ErrBusy = errors.New("pipeline: attempt already in flight")

// FrameProcessor submits encoded frames. Implemented by *backend.Client.
type FrameProcessor interface {
	ProcessFrame(ctx context.Context, req backend.FrameRequest) (*backend.FrameResponse, error)
}

// Config contains attempt settings.
type Config struct {
	Timeout     time.Duration // Race deadline for capture + request (default: 5s)
	JPEGQuality int           // 1..100 (default: 70)
}

// DefaultConfig returns the default attempt configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     5000 * time.Millisecond,
		JPEGQuality: DefaultJPEGQuality,
	}
}

// Outcome describes a settled attempt.
type Outcome struct {
	Attempt types.ProcessingAttempt
	Payload results.DetectionPayload // valid when Err is nil
	Elapsed time.Duration
	// Captured reports whether a frame was obtained.
	Captured bool
	Err      error
}

// Stats contains attempt counters.
type Stats struct {
	Started      uint64
	Succeeded    uint64
	Failed       uint64
	TimedOut     uint64
	LateArrivals uint64
	Busy         uint64
	// ConsecutiveErrors resets to 0 on success.
	ConsecutiveErrors uint32
}

// Pipeline executes processing attempts.
type Pipeline struct {
	source capture.Source
	client FrameProcessor
	cfg    Config

	busy atomic.Bool
	wg   sync.WaitGroup

	started           atomic.Uint64
	succeeded         atomic.Uint64
	failed            atomic.Uint64
	timedOut          atomic.Uint64
	lateArrivals      atomic.Uint64
	busyRejects       atomic.Uint64
	consecutiveErrors atomic.Uint32
}

// New creates a pipeline with fail-fast validation.
func New(source capture.Source, client FrameProcessor, cfg Config) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("pipeline: capture source is required")
	}
	if client == nil {
		return nil, fmt.Errorf("pipeline: frame processor is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("pipeline: timeout must be > 0, got %v", cfg.Timeout)
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, fmt.Errorf("pipeline: jpeg quality must be in [1,100], got %d", cfg.JPEGQuality)
	}
	return &Pipeline{source: source, client: client, cfg: cfg}, nil
}

type response struct {
	resp *backend.FrameResponse
	err  error
}

// Run executes one attempt for mode. generation is copied into the attempt so
// the caller can recognise superseded settlements.
//
// This function:
//  1. Rejects the call with ErrBusy while another attempt is in flight
//  2. Captures the latest frame under a deadline of cfg.Timeout
//  3. Encodes it as base64 JPEG and submits it to the frame processor
//  4. Decodes the response into a payload for mode
//  5. On deadline, cancels the request and hands its eventual response to
//     discardLate, which counts it as a late arrival and drops it
//
// Parameters:
//   - ctx: cancelling it aborts the attempt with ctx.Err()
//   - mode: selects the payload decoder and is sent to the backend
//   - generation: session generation the attempt was started under
//
// Returns the settled Outcome. The returned error equals Outcome.Err and is
// a *types.CaptureError, *types.BackendError or *types.TimeoutError on failure.
func (p *Pipeline) Run(ctx context.Context, mode types.Mode, generation uint64) (Outcome, error) {
	if !p.busy.CompareAndSwap(false, true) {
		p.busyRejects.Add(1)
		return Outcome{Err: ErrBusy}, ErrBusy
	}
	defer p.busy.Store(false)

	p.started.Add(1)
	start := time.Now()
	out := Outcome{
		Attempt: types.ProcessingAttempt{
			ID:         uuid.New().String(),
			Generation: generation,
			StartedAt:  start,
			Mode:       mode,
		},
	}

	deadline, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	frame, err := p.source.Capture(deadline)
	if err != nil {
		return p.settle(ctx, out, start, p.captureFailure(ctx, deadline, err))
	}
	out.Captured = true

	encoded, err := EncodeFrame(frame.Image, p.cfg.JPEGQuality)
	if err != nil {
		return p.settle(ctx, out, start, &types.CaptureError{Err: err})
	}
	out.Attempt.PayloadSizeBytes = len(encoded)

	slog.Debug("pipeline: frame encoded",
		"attempt_id", out.Attempt.ID,
		"frame_seq", frame.Seq,
		"trace_id", frame.TraceID,
		"mode", mode,
		"payload_bytes", len(encoded),
	)

	resCh := make(chan response, 1)
	reqCtx, cancelReq := context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		resp, err := p.client.ProcessFrame(reqCtx, backend.FrameRequest{Frame: encoded, Mode: mode})
		resCh <- response{resp: resp, err: err}
	}()

	select {
	case r := <-resCh:
		cancelReq()
		if r.err != nil {
			return p.settle(ctx, out, start, asBackendError(r.err))
		}
		payload, err := results.DecodePayload(mode, r.resp.Results)
		if err != nil {
			return p.settle(ctx, out, start, &types.BackendError{Err: err})
		}
		out.Payload = payload
		return p.settle(ctx, out, start, nil)

	case <-deadline.Done():
		cancelReq()
		if ctx.Err() != nil {
			return p.settle(ctx, out, start, ctx.Err())
		}
		p.discardLate(out.Attempt.ID, resCh)
		return p.settle(ctx, out, start, &types.TimeoutError{After: p.cfg.Timeout})
	}
}

// Attempts returns the number of consecutive failed attempts.
func (p *Pipeline) Attempts() uint32 {
	return p.consecutiveErrors.Load()
}

// Stats returns attempt counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Started:           p.started.Load(),
		Succeeded:         p.succeeded.Load(),
		Failed:            p.failed.Load(),
		TimedOut:          p.timedOut.Load(),
		LateArrivals:      p.lateArrivals.Load(),
		Busy:              p.busyRejects.Load(),
		ConsecutiveErrors: p.consecutiveErrors.Load(),
	}
}

// Wait blocks until abandoned requests have returned, or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) settle(ctx context.Context, out Outcome, start time.Time, err error) (Outcome, error) {
	out.Elapsed = time.Since(start)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	out.Err = err

	switch {
	case err == nil:
		p.succeeded.Add(1)
		p.consecutiveErrors.Store(0)
		slog.Debug("pipeline: attempt succeeded",
			"attempt_id", out.Attempt.ID,
			"elapsed", out.Elapsed,
		)
	case ctx.Err() != nil:
		slog.Debug("pipeline: attempt cancelled", "attempt_id", out.Attempt.ID)
	default:
		p.failed.Add(1)
		n := p.consecutiveErrors.Add(1)
		if types.Classify(err) == types.KindTimeout {
			p.timedOut.Add(1)
		}
		slog.Warn("pipeline: attempt failed",
			"attempt_id", out.Attempt.ID,
			"kind", types.Classify(err),
			"error", err,
			"consecutive_errors", n,
			"elapsed", out.Elapsed,
		)
	}
	return out, err
}

// captureFailure distinguishes shutdown from a source that could not produce
// a frame in time.
func (p *Pipeline) captureFailure(ctx, deadline context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if deadline.Err() != nil {
		return &types.CaptureError{Err: fmt.Errorf("no frame within %v: %w", p.cfg.Timeout, err)}
	}
	return &types.CaptureError{Err: err}
}

// discardLate drains the abandoned request so its response is never applied.
func (p *Pipeline) discardLate(attemptID string, resCh <-chan response) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		r := <-resCh
		if r.err == nil {
			p.lateArrivals.Add(1)
			slog.Debug("pipeline: late response discarded", "attempt_id", attemptID)
		}
	}()
}

func asBackendError(err error) error {
	var be *types.BackendError
	if errors.As(err, &be) {
		return err
	}
	return &types.BackendError{Err: err}
}

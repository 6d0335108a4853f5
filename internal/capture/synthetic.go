package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Synthetic generates moving gradient frames. Used for dry runs without a
// camera and in tests.
type Synthetic struct {
	cfg Config

	// StartErr, when set, makes Start fail with a wrapped StartErr, the way a
	// denied or missing camera would.
	StartErr error

	mailbox *Mailbox
	seq     atomic.Uint64

	mu        sync.Mutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	stopped   atomic.Bool
}

// NewSynthetic creates a synthetic source. Returns an error if cfg is invalid.
func NewSynthetic(cfg Config) (*Synthetic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Synthetic{
		cfg:     cfg,
		mailbox: NewMailbox(),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins generating frames at the configured rate.
func (s *Synthetic) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return ErrSourceStopped
	}
	if s.running {
		return fmt.Errorf("capture: synthetic source already running")
	}
	if s.StartErr != nil {
		return fmt.Errorf("capture: synthetic source: %w", s.StartErr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.startTime = time.Now()

	slog.Info("capture: synthetic source starting",
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"fps", s.cfg.FPS,
	)

	// First frame synchronously so Capture right after Start never waits a full period.
	s.mailbox.Publish(s.createFrame())

	s.wg.Add(1)
	go s.generateFrames(runCtx)

	return nil
}

// Capture returns the most recent generated frame.
func (s *Synthetic) Capture(ctx context.Context) (*Frame, error) {
	if s.stopped.Load() {
		return nil, ErrSourceStopped
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil, ErrNotStarted
	}
	return s.mailbox.Wait(ctx, s.stopCh)
}

// Stop halts generation. Idempotent.
func (s *Synthetic) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	if wasRunning {
		published, _, _ := s.mailbox.Counters()
		slog.Info("capture: synthetic source stopped",
			"frames_produced", published,
			"duration", time.Since(s.startTime),
		)
	}
	return nil
}

// Resolution returns the configured frame size.
func (s *Synthetic) Resolution() (int, int) {
	return s.cfg.Width, s.cfg.Height
}

// Stats returns producer counters.
func (s *Synthetic) Stats() Stats {
	published, dropped, read := s.mailbox.Counters()
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Stats{
		FramesProduced: published,
		FramesDropped:  dropped,
		FramesRead:     read,
		Running:        running,
	}
}

func (s *Synthetic) generateFrames(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FrameInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mailbox.Publish(s.createFrame())
		}
	}
}

// createFrame draws a diagonal gradient shifted by the sequence number.
func (s *Synthetic) createFrame() *Frame {
	seq := s.seq.Add(1)
	w, h := s.cfg.Width, s.cfg.Height

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	shift := int(seq % 256)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + shift) % 256),
				G: uint8((y + shift) % 256),
				B: uint8((x + y) % 256),
				A: 0xff,
			})
		}
	}

	return &Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Image:     img,
		TraceID:   uuid.New().String(),
	}
}

// Package gstreamer implements capture.Source on a GStreamer camera pipeline.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/expression-client/internal/capture"
)

// playingTimeout bounds how long Start waits for the device to start playing.
const playingTimeout = 5 * time.Second

// Camera is a live camera source.
type Camera struct {
	device string
	cfg    capture.Config

	mailbox *capture.Mailbox

	mu       sync.Mutex
	elements *PipelineElements
	cancel   context.CancelFunc
	started  time.Time
	wg       sync.WaitGroup

	stopCh  chan struct{}
	stopped atomic.Bool
	running atomic.Bool

	failMu  sync.RWMutex
	failErr error

	seq            atomic.Uint64
	bytesRead      atomic.Uint64
	pipelineErrors atomic.Uint64
}

var _ capture.Source = (*Camera)(nil)

// NewCamera creates a camera source with fail-fast validation.
// device is a V4L2 path ("/dev/video0"), "auto" or "test".
func NewCamera(device string, cfg capture.Config) (*Camera, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if device == "" {
		device = DeviceAuto
	}
	return &Camera{
		device:  device,
		cfg:     cfg,
		mailbox: capture.NewMailbox(),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start builds the pipeline, sets it PLAYING and waits until the device is
// playing or reports an error.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped.Load() {
		return capture.ErrSourceStopped
	}
	if c.elements != nil {
		return fmt.Errorf("gstreamer: camera already started")
	}

	slog.Info("gstreamer: starting camera",
		"device", c.device,
		"resolution", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		"fps", c.cfg.FPS,
	)

	elements, err := CreatePipeline(PipelineConfig{
		Device: c.device,
		Width:  c.cfg.Width,
		Height: c.cfg.Height,
		FPS:    c.cfg.FPS,
	})
	if err != nil {
		return fmt.Errorf("gstreamer: %w", err)
	}

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onNewSample,
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		DestroyPipeline(elements)
		return fmt.Errorf("gstreamer: failed to start pipeline: %w", err)
	}

	if err := waitPlaying(ctx, elements.Pipeline); err != nil {
		DestroyPipeline(elements)
		return fmt.Errorf("gstreamer: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.elements = elements
	c.cancel = cancel
	c.started = time.Now()
	c.running.Store(true)

	c.wg.Add(1)
	go c.monitorBus(runCtx, elements.Pipeline)

	slog.Info("gstreamer: camera playing", "device", c.device)
	return nil
}

// Capture returns the latest frame. After a pipeline error every call
// returns that error.
func (c *Camera) Capture(ctx context.Context) (*capture.Frame, error) {
	if c.stopped.Load() {
		return nil, capture.ErrSourceStopped
	}
	if !c.running.Load() {
		return nil, capture.ErrNotStarted
	}

	c.failMu.RLock()
	failErr := c.failErr
	c.failMu.RUnlock()
	if failErr != nil {
		return nil, failErr
	}

	return c.mailbox.Wait(ctx, c.stopCh)
}

// Stop tears the pipeline down and releases the device. Idempotent.
func (c *Camera) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.running.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("gstreamer: stop timeout exceeded, bus monitor may still be running")
	}

	if err := DestroyPipeline(c.elements); err != nil {
		slog.Error("gstreamer: failed to destroy pipeline", "error", err)
	}
	c.elements = nil

	published, dropped, _ := c.mailbox.Counters()
	slog.Info("gstreamer: camera stopped",
		"frames_captured", published,
		"frames_dropped", dropped,
		"bytes_read", c.bytesRead.Load(),
		"uptime", time.Since(c.started),
	)
	return nil
}

// Resolution returns the negotiated frame size.
func (c *Camera) Resolution() (int, int) {
	return c.cfg.Width, c.cfg.Height
}

// Stats returns producer counters.
func (c *Camera) Stats() capture.Stats {
	published, dropped, read := c.mailbox.Counters()
	return capture.Stats{
		FramesProduced: published,
		FramesDropped:  dropped,
		FramesRead:     read,
		Running:        c.running.Load(),
	}
}

// onNewSample is the appsink callback invoked on GStreamer's streaming
// thread for every decoded frame.
//
// This function:
//  1. Pulls the sample and maps its buffer read-only
//  2. Checks the buffer holds a full width*height RGBA frame
//  3. Copies the pixels out so the buffer can be unmapped immediately
//  4. Wraps them in a capture.Frame with a sequence number and trace ID
//  5. Publishes the frame to the mailbox, replacing any unread one
//
// Parameters:
//   - sink: the appsink that produced the sample
//
// Returns gst.FlowOK in every case. A bad sample is logged and skipped rather
// than ending the stream.
func (c *Camera) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstreamer: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstreamer: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	w, h := c.cfg.Width, c.cfg.Height
	if len(data) < w*h*4 {
		buffer.Unmap()
		slog.Warn("gstreamer: short buffer received", "size_bytes", len(data), "want", w*h*4)
		return gst.FlowOK
	}

	pix := make([]byte, w*h*4)
	copy(pix, data)
	buffer.Unmap()

	c.bytesRead.Add(uint64(len(pix)))
	frame := &capture.Frame{
		Seq:       c.seq.Add(1),
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Image: &image.RGBA{
			Pix:    pix,
			Stride: w * 4,
			Rect:   image.Rect(0, 0, w, h),
		},
		TraceID: uuid.New().String(),
	}
	c.mailbox.Publish(frame)

	return gst.FlowOK
}

// monitorBus polls the pipeline bus. An error or end of stream marks the
// camera failed: capture is not retried for the session.
func (c *Camera) monitorBus(ctx context.Context, pipeline *gst.Pipeline) {
	defer c.wg.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			c.fail(errors.New("camera stream ended"))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr)
			c.pipelineErrors.Add(1)
			slog.Error("gstreamer: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", c.device,
				"frames_captured", c.seq.Load(),
			)
			c.fail(fmt.Errorf("camera pipeline error [%s]: %s", category, gerr.Error()))
			return

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, next := msg.ParseStateChanged()
				slog.Debug("gstreamer: pipeline state changed", "from", old, "to", next)
			}
		}
	}
}

func (c *Camera) fail(err error) {
	c.failMu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	c.failMu.Unlock()
}

// waitPlaying pops bus messages until the pipeline reports PLAYING, an
// error, or playingTimeout elapses.
func waitPlaying(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(playingTimeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("camera unavailable [%s]: %s", ClassifyError(gerr), gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			if _, next := msg.ParseStateChanged(); next == gst.StatePlaying {
				return nil
			}
		}
	}
	return fmt.Errorf("camera did not start playing within %v", playingTimeout)
}

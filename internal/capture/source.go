// Package capture provides live frame sources.
//
// A Source produces the current frame on demand. Producers (a GStreamer
// appsink callback, the synthetic generator) publish into a latest-frame
// Mailbox and Capture reads whatever is newest: older unread frames are
// overwritten, never queued.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

var (
	// ErrSourceStopped is returned by Capture after Stop.
	ErrSourceStopped = errors.New("capture: source stopped")
	// ErrNotStarted is returned by Capture before Start.
	ErrNotStarted = errors.New("capture: source not started")
)

// Frame is one decoded video frame.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Image     image.Image
	TraceID   string
}

// Source is a live video source.
//
// Stop is idempotent and safe to call concurrently with Capture; a Capture
// racing with Stop returns ErrSourceStopped.
type Source interface {
	// Start acquires the device and begins producing frames. Failures here are
	// camera access errors.
	Start(ctx context.Context) error
	// Capture returns the most recent frame, waiting for the first one if
	// none has been produced yet.
	Capture(ctx context.Context) (*Frame, error)
	// Stop releases the device.
	Stop() error
	// Resolution reports the native frame size.
	Resolution() (width, height int)
	// Stats returns producer counters.
	Stats() Stats
}

// Stats contains source counters.
type Stats struct {
	FramesProduced uint64
	FramesDropped  uint64 // overwritten before being read
	FramesRead     uint64
	Running        bool
}

// Config describes the requested capture format.
type Config struct {
	Width  int
	Height int
	FPS    float64
}

// DefaultConfig returns 640x480 at 24 fps.
func DefaultConfig() Config {
	return Config{Width: 640, Height: 480, FPS: 24}
}

// Validate checks the requested format.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("capture: invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 || c.FPS > 120 {
		return fmt.Errorf("capture: fps must be in (0, 120], got %.2f", c.FPS)
	}
	return nil
}

// FrameInterval returns the period between produced frames.
func (c Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.FPS)
}

package gstreamer

import (
	"context"
	"testing"

	"github.com/e7canasta/expression-client/internal/capture"
)

func TestBuildCaps(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		height int
		fps    float64
		want   string
	}{
		{"default", 640, 480, 24, "video/x-raw,format=RGBA,width=640,height=480,framerate=24/1"},
		{"half hz", 320, 240, 0.5, "video/x-raw,format=RGBA,width=320,height=240,framerate=1/2"},
		{"one fps", 1280, 720, 1, "video/x-raw,format=RGBA,width=1280,height=720,framerate=1/1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildCaps(tt.width, tt.height, tt.fps); got != tt.want {
				t.Errorf("buildCaps() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyText(t *testing.T) {
	tests := []struct {
		text string
		want ErrorCategory
	}{
		{"could not open device '/dev/video0' for reading and writing: permission denied", ErrCategoryPermission},
		{"internal data stream error. streaming stopped, reason not-negotiated", ErrCategoryFormat},
		{"cannot identify device '/dev/video9'", ErrCategoryDevice},
		{"device '/dev/video0' is busy", ErrCategoryDevice},
		{"something odd happened", ErrCategoryUnknown},
	}

	for _, tt := range tests {
		if got := classifyText(tt.text); got != tt.want {
			t.Errorf("classifyText(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestClassifyError_Nil(t *testing.T) {
	if got := ClassifyError(nil); got != ErrCategoryUnknown {
		t.Errorf("ClassifyError(nil) = %s, want unknown", got)
	}
}

func TestNewCamera_FailFast(t *testing.T) {
	if _, err := NewCamera("/dev/video0", capture.Config{Width: 0, Height: 480, FPS: 24}); err == nil {
		t.Error("NewCamera() with zero width expected error")
	}

	cam, err := NewCamera("", capture.DefaultConfig())
	if err != nil {
		t.Fatalf("NewCamera() error: %v", err)
	}
	if cam.device != DeviceAuto {
		t.Errorf("device = %q, want %q", cam.device, DeviceAuto)
	}
	w, h := cam.Resolution()
	if w != 640 || h != 480 {
		t.Errorf("Resolution() = %dx%d, want 640x480", w, h)
	}
}

func TestCamera_StopBeforeStart(t *testing.T) {
	cam, _ := NewCamera(DeviceTest, capture.DefaultConfig())

	if err := cam.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := cam.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	if _, err := cam.Capture(context.Background()); err != capture.ErrSourceStopped {
		t.Errorf("Capture() after Stop = %v, want ErrSourceStopped", err)
	}
}

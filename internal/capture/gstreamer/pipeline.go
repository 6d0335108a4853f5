package gstreamer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Source names accepted by PipelineConfig.Device besides a device path.
const (
	DeviceAuto = "auto" // autovideosrc
	DeviceTest = "test" // videotestsrc, for machines without a camera
)

// PipelineConfig contains configuration for camera pipeline creation.
type PipelineConfig struct {
	Device string // "/dev/videoN", "auto" or "test"
	Width  int
	Height int
	FPS    float64
}

// PipelineElements holds references needed for callbacks and cleanup.
type PipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	Source   *gst.Element
}

// CreatePipeline builds the camera pipeline:
//
//	src → videoconvert → videoscale → videorate → capsfilter(RGBA) → appsink
//
// The pipeline is configured but NOT started (state remains NULL).
func CreatePipeline(cfg PipelineConfig) (*PipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := newSourceElement(cfg.Device)
	if err != nil {
		return nil, err
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Width, cfg.Height, cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1) // Keep only latest frame
	appsink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, scaler, videorate, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link camera pipeline elements: %w", err)
	}

	slog.Debug("gstreamer: camera pipeline created",
		"device", cfg.Device,
		"caps", buildCaps(cfg.Width, cfg.Height, cfg.FPS),
	)

	return &PipelineElements{
		Pipeline: pipeline,
		AppSink:  appsink,
		Source:   src,
	}, nil
}

// DestroyPipeline sets the pipeline to NULL and releases the device.
// Safe to call with nil.
func DestroyPipeline(elements *PipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

func newSourceElement(device string) (*gst.Element, error) {
	switch {
	case device == "" || device == DeviceAuto:
		src, err := gst.NewElement("autovideosrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create autovideosrc: %w", err)
		}
		return src, nil

	case device == DeviceTest:
		src, err := gst.NewElement("videotestsrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create videotestsrc: %w", err)
		}
		src.SetProperty("is-live", true)
		return src, nil

	case strings.HasPrefix(device, "/dev/"):
		src, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", device)
		return src, nil

	default:
		return nil, fmt.Errorf("unsupported capture device %q (want /dev/videoN, %q or %q)", device, DeviceAuto, DeviceTest)
	}
}

// buildCaps builds the appsink caps. Fractional rates below 1 fps map to 1/N.
func buildCaps(width, height int, fps float64) string {
	numerator, denominator := 1, 1
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}
	return fmt.Sprintf(
		"video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/%d",
		width, height, numerator, denominator,
	)
}

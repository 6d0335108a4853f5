package gstreamer

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies camera pipeline errors for logs and stats.
type ErrorCategory int

const (
	// ErrCategoryDevice indicates a missing, busy or disconnected device.
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryPermission indicates the process may not open the device.
	ErrCategoryPermission
	// ErrCategoryFormat indicates caps negotiation failed (unsupported size or format).
	ErrCategoryFormat
	// ErrCategoryUnknown indicates unclassified errors.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryPermission:
		return "permission"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

// ClassifyError categorizes a GStreamer error from its message and debug
// string. go-gst's GError does not expose the error domain.
func ClassifyError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classifyText(strings.ToLower(gerr.Error() + " " + gerr.DebugString()))
}

func classifyText(text string) ErrorCategory {
	switch {
	case containsAny(text, "permission denied", "not permitted", "eacces", "unauthorized"):
		return ErrCategoryPermission
	case containsAny(text, "not-negotiated", "not negotiated", "caps", "format", "unsupported"):
		return ErrCategoryFormat
	case containsAny(text, "no such", "cannot identify", "could not open", "busy", "not found", "disconnected", "no device"):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(text string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

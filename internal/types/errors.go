package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures for display and telemetry.
type ErrorKind int

const (
	// KindUnknown indicates an unclassified error.
	KindUnknown ErrorKind = iota
	// KindConnection indicates a failed or timed out health probe.
	KindConnection
	// KindTimeout indicates a frame request that exceeded its deadline.
	KindTimeout
	// KindBackend indicates a completed request the backend rejected.
	KindBackend
	// KindCapture indicates the live source could not produce a frame.
	KindCapture
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindBackend:
		return "backend"
	case KindCapture:
		return "capture"
	default:
		return "unknown"
	}
}

// ErrMalformedPayload is wrapped by BackendError when the results field does
// not match the shape expected for the active mode.
var ErrMalformedPayload = errors.New("malformed detection payload")

// ConnectionError reports a failed health probe.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("backend unreachable: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a frame request abandoned after its deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("processing timeout after %v", e.After)
}

// BackendError reports a request that completed with success=false, a
// non-2xx status or an unusable results field.
type BackendError struct {
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("HTTP error! status: %d", e.Status)
}

func (e *BackendError) Unwrap() error { return e.Err }

// CaptureError reports that the live source could not be acquired or read.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Classify maps an error onto its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var (
		connErr    *ConnectionError
		timeoutErr *TimeoutError
		backendErr *BackendError
		captureErr *CaptureError
	)

	switch {
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &captureErr):
		return KindCapture
	case errors.As(err, &backendErr):
		return KindBackend
	case errors.As(err, &connErr):
		return KindConnection
	default:
		return KindUnknown
	}
}

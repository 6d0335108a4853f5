// Package types holds the data model shared by the processing core:
// detection modes, connection state, detection results and the error
// taxonomy used to turn failures into display state.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects which backend output fields are relevant.
type Mode string

const (
	ModeEmotion  Mode = "emotion"
	ModeGesture  Mode = "gesture"
	ModeSign     Mode = "sign"
	ModeCombined Mode = "combined"
)

// Modes lists every supported mode in display order.
var Modes = []Mode{ModeCombined, ModeEmotion, ModeGesture, ModeSign}

// ParseMode parses a mode name (case-insensitive, surrounding space ignored).
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q (must be emotion, gesture, sign or combined)", s)
	}
	return m, nil
}

// Valid reports whether m is one of the supported modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeEmotion, ModeGesture, ModeSign, ModeCombined:
		return true
	default:
		return false
	}
}

func (m Mode) String() string { return string(m) }

// Title returns the heading shown for the mode.
func (m Mode) Title() string {
	switch m {
	case ModeEmotion:
		return "Emotion Detection"
	case ModeGesture:
		return "Gesture Detection"
	case ModeSign:
		return "Sign Language Detection"
	default:
		return "Combined Detection"
	}
}

// Quality is the coarse connection quality derived from processing latency.
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

// Label is a single classification with its confidence in [0,1].
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// DetectionResult is the display-ready detection state.
//
// One logical instance lives for the session. Absent fields are nil.
type DetectionResult struct {
	Emotion          *string `json:"emotion"`
	Gesture          *string `json:"gesture"`
	Sign             *string `json:"sign"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMS int64   `json:"processing_time_ms"`
}

// Empty reports whether no field has been detected.
func (r DetectionResult) Empty() bool {
	return r.Emotion == nil && r.Gesture == nil && r.Sign == nil
}

// ProcessingTime returns the measured duration of the last merged attempt.
func (r DetectionResult) ProcessingTime() time.Duration {
	return time.Duration(r.ProcessingTimeMS) * time.Millisecond
}

// ConnectionState tracks backend reachability and reconnection backoff.
type ConnectionState struct {
	Connected            bool    `json:"connected"`
	Quality              Quality `json:"quality"`
	ReconnectAttempts    uint    `json:"reconnect_attempts"`
	LastError            string  `json:"last_error,omitempty"`
	NextReconnectDelayMS int64   `json:"next_reconnect_delay_ms"`

	// nil until the first successful probe
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	// nil while connected
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// NextReconnectDelay returns the delay before the pending retry probe.
func (s ConnectionState) NextReconnectDelay() time.Duration {
	return time.Duration(s.NextReconnectDelayMS) * time.Millisecond
}

// ProcessingAttempt describes one capture→send attempt. Never persisted.
type ProcessingAttempt struct {
	ID               string
	Generation       uint64
	StartedAt        time.Time
	Mode             Mode
	PayloadSizeBytes int
}

// FormatProcessingTime renders a duration the way the status panel shows it:
// whole milliseconds below one second, otherwise seconds with one decimal.
func FormatProcessingTime(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Round(time.Millisecond).Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string { return &s }

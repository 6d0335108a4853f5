package core

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/e7canasta/expression-client/internal/metrics"
	"github.com/e7canasta/expression-client/internal/results"
	"github.com/e7canasta/expression-client/internal/types"
)

// Status values shown next to the FPS counter.
const (
	StatusReady      = "Ready"
	StatusProcessing = "Processing"
)

// Snapshot is the display-ready view of a session.
type Snapshot struct {
	Mode      types.Mode `json:"mode"`
	ModeTitle string     `json:"mode_title"`

	Result         types.DetectionResult `json:"result"`
	ProcessingTime string                `json:"processing_time"`
	EmotionHistory []results.HistoryEntry `json:"emotion_history"`

	Connection types.ConnectionState `json:"connection"`

	FPS        int    `json:"fps"`
	Resolution string `json:"resolution"`
	IntervalMS int64  `json:"interval_ms"`

	Status         string `json:"status"`
	Processing     bool   `json:"processing"`
	CaptureRunning bool   `json:"capture_running"`
	Ticking        bool   `json:"ticking"`

	// Message is the user-visible error line; empty when there is none.
	Message string `json:"message,omitempty"`
	// FailedAttempts counts consecutive failed attempts.
	FailedAttempts uint32 `json:"failed_attempts"`

	Metrics   metrics.Snapshot `json:"metrics"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Ready reports whether frames can be processed: backend reachable and
// capture running.
func (s Snapshot) Ready() bool {
	return s.Connection.Connected && s.CaptureRunning
}

// ReconnectMessage renders the countdown shown while the backend is
// unreachable, rounding the delay to whole seconds.
func ReconnectMessage(delay time.Duration) string {
	return fmt.Sprintf("Cannot connect to server. Retrying in %ds...", int(math.Round(delay.Seconds())))
}

// fanout delivers snapshots to subscribers. Each subscriber channel holds at
// most one snapshot; a slow subscriber only ever sees the newest.
type fanout struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Snapshot
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]chan Snapshot)}
}

// subscribe registers a channel primed with initial.
func (f *fanout) subscribe(initial Snapshot) (<-chan Snapshot, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- initial

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

func (f *fanout) publish(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- s:
		default:
			// Latest wins: replace the unread snapshot.
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

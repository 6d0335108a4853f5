package results

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/expression-client/internal/types"
)

// DefaultHistorySize is the number of emotion observations kept.
const DefaultHistorySize = 30

// HistoryEntry is one emotion observation.
type HistoryEntry struct {
	At         time.Time `json:"at"`
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence"`
}

// Aggregator owns the DetectionResult and the emotion history.
//
// Merge and Reset are called from the session loop only; Snapshot and
// History may be called from any goroutine.
type Aggregator struct {
	historySize int

	mu      sync.RWMutex
	result  types.DetectionResult
	history []HistoryEntry
	merges  uint64
}

// NewAggregator creates an empty aggregator. historySize <= 0 uses
// DefaultHistorySize.
func NewAggregator(historySize int) *Aggregator {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Aggregator{
		historySize: historySize,
		history:     make([]HistoryEntry, 0, historySize),
	}
}

// Merge applies p to the current result and returns the new result.
//
//   - emotion: emotion and confidence replaced
//   - gesture: gesture and confidence from the best entry, cleared with
//     confidence 0 when the list is empty
//   - sign: sign and confidence replaced
//   - combined: each present field overwrites, absent fields are kept;
//     confidence becomes the highest scored confidence among present fields
//     (unchanged when none is scored)
//
// ProcessingTimeMS is always set to elapsed. A payload decoded for another
// mode is rejected and leaves the result untouched.
func (a *Aggregator) Merge(mode types.Mode, p DetectionPayload, elapsed time.Duration) (types.DetectionResult, error) {
	if p.Mode != mode {
		return a.Snapshot(), fmt.Errorf("results: payload for mode %q cannot merge in mode %q", p.Mode, mode)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.result
	next.ProcessingTimeMS = elapsed.Milliseconds()

	switch mode {
	case types.ModeEmotion:
		next.Emotion, next.Confidence = labelOf(p.Emotion)

	case types.ModeGesture:
		next.Gesture, next.Confidence = labelOf(p.Gesture)

	case types.ModeSign:
		next.Sign, next.Confidence = labelOf(p.Sign)

	case types.ModeCombined:
		best, scored := 0.0, false
		for _, f := range []struct {
			obs *Observation
			dst **string
		}{
			{p.Emotion, &next.Emotion},
			{p.Gesture, &next.Gesture},
			{p.Sign, &next.Sign},
		} {
			if f.obs == nil {
				continue
			}
			*f.dst = types.StringPtr(f.obs.Name)
			if f.obs.Scored && (!scored || f.obs.Confidence > best) {
				best, scored = f.obs.Confidence, true
			}
		}
		if scored {
			next.Confidence = best
		}

	default:
		return a.result, fmt.Errorf("results: unknown mode %q", mode)
	}

	if p.Emotion != nil {
		a.recordEmotion(p.Emotion)
	}

	a.result = next
	a.merges++

	slog.Debug("results: merged",
		"mode", mode,
		"confidence", next.Confidence,
		"processing_time_ms", next.ProcessingTimeMS,
	)
	return next, nil
}

// Reset clears the result and the emotion history.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.result = types.DetectionResult{}
	a.history = a.history[:0]
	a.mu.Unlock()
}

// Snapshot returns the current result.
func (a *Aggregator) Snapshot() types.DetectionResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.result
}

// History returns a copy of the emotion history, oldest first.
func (a *Aggregator) History() []HistoryEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]HistoryEntry, len(a.history))
	copy(out, a.history)
	return out
}

// Merges returns the number of successful merges.
func (a *Aggregator) Merges() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.merges
}

// recordEmotion appends to the history, evicting the oldest entry when full.
// Caller holds a.mu.
func (a *Aggregator) recordEmotion(obs *Observation) {
	if len(a.history) == a.historySize {
		copy(a.history, a.history[1:])
		a.history = a.history[:len(a.history)-1]
	}
	a.history = append(a.history, HistoryEntry{
		At:         time.Now(),
		Emotion:    obs.Name,
		Confidence: obs.Confidence,
	})
}

func labelOf(obs *Observation) (*string, float64) {
	if obs == nil {
		return nil, 0
	}
	return types.StringPtr(obs.Name), obs.Confidence
}

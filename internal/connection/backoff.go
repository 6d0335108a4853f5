package connection

import (
	"time"

	"github.com/e7canasta/expression-client/internal/types"
)

// Latency thresholds for connection quality. Both bounds are inclusive:
// a latency equal to a threshold falls into the worse bucket.
const (
	PoorLatencyThreshold = 2000 * time.Millisecond
	FairLatencyThreshold = 1000 * time.Millisecond
)

// BackoffDelay returns the retry delay after a failure, given the number of
// consecutive failures recorded before it.
//
// Formula: min(BaseDelay * 2^attempts, MaxDelay)
//
// With the default config (3s base, 30s cap):
//   - attempts 0: 3s
//   - attempts 1: 6s
//   - attempts 2: 12s
//   - attempts 3: 24s
//   - attempts 4+: 30s
func BackoffDelay(attempts uint, cfg Config) time.Duration {
	delay := cfg.BaseDelay
	for i := uint(0); i < attempts; i++ {
		// Doubling stops at the cap, so large attempt counts cannot overflow.
		if delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
		delay *= 2
	}
	if delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}

// QualityFor maps a processing latency onto a connection quality.
func QualityFor(latency time.Duration) types.Quality {
	switch {
	case latency >= PoorLatencyThreshold:
		return types.QualityPoor
	case latency >= FairLatencyThreshold:
		return types.QualityFair
	default:
		return types.QualityGood
	}
}

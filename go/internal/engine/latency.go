package engine

import (
	"time"
)

// LatencySample is one round-trip measurement.
type LatencySample struct {
	ID         string
	SentAt     time.Time
	ReceivedAt time.Time
	RTT        time.Duration
}

// latencyWindow is a fixed-capacity rolling window of latency samples. When
// full, the oldest sample is dropped first. Not safe for concurrent use; the
// owning ConnectionManager serializes access.
type latencyWindow struct {
	capacity int
	samples  []LatencySample
}

const defaultLatencyWindowSize = 20

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = defaultLatencyWindowSize
	}
	return &latencyWindow{capacity: capacity}
}

func (w *latencyWindow) add(sample LatencySample) {
	w.samples = append(w.samples, sample)
	if len(w.samples) > w.capacity {
		w.samples = w.samples[len(w.samples)-w.capacity:]
	}
}

// average returns the arithmetic mean round-trip time of the window, or zero
// when no samples have been recorded.
func (w *latencyWindow) average() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range w.samples {
		total += s.RTT
	}
	return total / time.Duration(len(w.samples))
}

func (w *latencyWindow) count() int {
	return len(w.samples)
}

// Package metrics provides counters, latency summaries and Prometheus
// collectors for the harness.
package metrics

import (
	"math"
	"sort"
	"sync"
)

// LatencyBucket is one histogram bucket of a LatencySummary.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencySummary is a snapshot of StreamingLatencyStats, in milliseconds.
type LatencySummary struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P90     float64         `json:"p90"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets"`
}

// StreamingLatencyStats tracks send round-trip latency with bounded memory.
// Percentiles come from a reservoir sample (Algorithm R).
type StreamingLatencyStats struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir     []float64
	reservoirSize int
	seen          int64

	buckets []int64

	// xorshift64* state, per instance
	randState uint64
}

// DefaultReservoirSize is the number of samples kept for percentiles.
const DefaultReservoirSize = 10000

var (
	latencyBounds = []float64{10, 50, 100, 500, 1000}
	latencyLabels = []string{"0-10ms", "10-50ms", "50-100ms", "100-500ms", "500ms-1s", "1s+"}
)

// NewStreamingLatencyStats creates an empty latency tracker.
func NewStreamingLatencyStats() *StreamingLatencyStats {
	return &StreamingLatencyStats{
		min:           math.MaxFloat64,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		buckets:       make([]int64, len(latencyLabels)),
		randState:     1,
	}
}

// Add records a latency sample in milliseconds.
func (s *StreamingLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += latencyMs
	s.seen++
	s.min = min(s.min, latencyMs)
	s.max = max(s.max, latencyMs)
	s.buckets[bucketIndex(latencyMs)]++

	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, latencyMs)
		return
	}
	if j := s.fastRand() % uint64(s.seen); j < uint64(s.reservoirSize) {
		s.reservoir[j] = latencyMs
	}
}

func bucketIndex(latencyMs float64) int {
	for i, bound := range latencyBounds {
		if latencyMs < bound {
			return i
		}
	}
	return len(latencyBounds)
}

func (s *StreamingLatencyStats) fastRand() uint64 {
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// Summary returns the current statistics, or nil before the first sample.
func (s *StreamingLatencyStats) Summary() *LatencySummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}

	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	buckets := make([]LatencyBucket, len(latencyLabels))
	for i, label := range latencyLabels {
		buckets[i] = LatencyBucket{Label: label, Count: int(s.buckets[i])}
	}

	return &LatencySummary{
		Count:   int(s.count),
		Min:     s.min,
		Max:     s.max,
		Avg:     s.sum / float64(s.count),
		P50:     percentile(sorted, 0.50),
		P90:     percentile(sorted, 0.90),
		P99:     percentile(sorted, 0.99),
		Buckets: buckets,
	}
}

// percentile interpolates the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Count returns the number of samples recorded.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

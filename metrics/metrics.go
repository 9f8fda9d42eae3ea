// Package metrics records per-operation latency and outcome samples and
// serves statistics aggregated over a rolling time window. Ingestion is
// append-only and sharded so high-frequency writers on the admission path
// never contend on a single lock; aggregation is computed at read time.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultShardCount  = 8
	defaultMaxAge      = 24 * time.Hour
	defaultMaxPerShard = 4096
)

type (
	// Sample is one immutable observation of an operation: what ran, when,
	// how long it took and whether it succeeded.
	Sample struct {
		// Operation is a free-form tag naming the operation, e.g. "query".
		Operation string
		// Timestamp is when the sample was recorded.
		Timestamp time.Time
		// Duration is how long the operation took.
		Duration time.Duration
		// Success reports whether the operation completed successfully.
		Success bool
	}

	// AggregateStats summarizes the samples of one operation (or of all
	// operations) inside a time window.
	AggregateStats struct {
		Count       int
		Avg         time.Duration
		P50         time.Duration
		P95         time.Duration
		P99         time.Duration
		SuccessRate float64
	}

	// Recorder accumulates samples and answers aggregate queries. The write
	// path locks a single shard picked round-robin; readers briefly lock each
	// shard in turn to snapshot it. Old samples are pruned opportunistically
	// during writes, bounded both by age and by per-shard count.
	Recorder struct {
		shards      []*shard
		next        atomic.Uint64
		maxAge      time.Duration
		maxPerShard int

		now func() time.Time
	}

	shard struct {
		mu      sync.Mutex
		samples []Sample
	}
)

// NewRecorder returns a Recorder with default sharding and retention.
func NewRecorder() *Recorder {
	shards := make([]*shard, defaultShardCount)
	for i := range shards {
		shards[i] = &shard{}
	}
	return &Recorder{
		shards:      shards,
		maxAge:      defaultMaxAge,
		maxPerShard: defaultMaxPerShard,
		now:         time.Now,
	}
}

// Record appends one sample. It never blocks on readers or on writers
// targeting other shards.
func (r *Recorder) Record(operation string, duration time.Duration, success bool) {
	s := r.shards[r.next.Add(1)%uint64(len(r.shards))]
	now := r.now()

	s.mu.Lock()
	s.samples = append(s.samples, Sample{
		Operation: operation,
		Timestamp: now,
		Duration:  duration,
		Success:   success,
	})
	if len(s.samples) > r.maxPerShard {
		s.prune(now.Add(-r.maxAge), r.maxPerShard)
	}
	s.mu.Unlock()
}

// Stats aggregates the samples recorded for operation within window of now.
// An empty operation aggregates across all operations. Stats on an empty
// window returns the zero value.
func (r *Recorder) Stats(operation string, window time.Duration) AggregateStats {
	cutoff := r.now().Add(-window)

	var (
		durations []time.Duration
		total     time.Duration
		succeeded int
	)
	for _, s := range r.shards {
		s.mu.Lock()
		for _, sample := range s.samples {
			if operation != "" && sample.Operation != operation {
				continue
			}
			if sample.Timestamp.Before(cutoff) {
				continue
			}
			durations = append(durations, sample.Duration)
			total += sample.Duration
			if sample.Success {
				succeeded++
			}
		}
		s.mu.Unlock()
	}

	n := len(durations)
	if n == 0 {
		return AggregateStats{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	return AggregateStats{
		Count:       n,
		Avg:         total / time.Duration(n),
		P50:         percentile(durations, 0.50),
		P95:         percentile(durations, 0.95),
		P99:         percentile(durations, 0.99),
		SuccessRate: float64(succeeded) / float64(n),
	}
}

// Clear drops every sample recorded for operation and returns how many were
// removed. An empty operation clears everything.
func (r *Recorder) Clear(operation string) int {
	cleared := 0
	for _, s := range r.shards {
		s.mu.Lock()
		if operation == "" {
			cleared += len(s.samples)
			s.samples = nil
			s.mu.Unlock()
			continue
		}
		kept := s.samples[:0]
		for _, sample := range s.samples {
			if sample.Operation == operation {
				cleared++
				continue
			}
			kept = append(kept, sample)
		}
		s.samples = kept
		s.mu.Unlock()
	}
	return cleared
}

// prune removes samples older than cutoff, then trims from the front if the
// shard still exceeds max. Samples within a shard are appended in time order
// so trimming the front always drops the oldest. Caller holds s.mu.
func (s *shard) prune(cutoff time.Time, max int) {
	kept := s.samples[:0]
	for _, sample := range s.samples {
		if sample.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, sample)
	}
	if overflow := len(kept) - max; overflow > 0 {
		kept = kept[overflow:]
	}
	s.samples = kept
}

// percentile returns the nearest-rank percentile of sorted durations.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(float64(len(sorted))*q+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

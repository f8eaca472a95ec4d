package resolver

import (
	"encoding/json"
	"sync"
	"time"
)

// MetricsSink receives counters the transaction manager emits as queries
// are processed. Implementations must be safe for concurrent use; the
// Resolver calls these methods from its loop goroutine only, but a sink may
// also be read from other goroutines (e.g. an admin HTTP handler).
type MetricsSink interface {
	IncQueries(qtype string)
	IncAnswers(upstreamID string)
	IncServFail(reason string)
	IncRetries()
	IncProbeInvalidation(targetID string)
	// ObserveQueryDuration records how long one upstream attempt (proto is
	// "do53" or "doh") took to resolve, tagged with its outcome (a Status
	// string, or "ok"/"nxdomain"/"too_many_requests"/"transfer_error" for
	// DoH) — the Go
	// analogue of the original's Metrics::QueryTimer.
	ObserveQueryDuration(proto, outcome string, d time.Duration)
}

// MemMetricsSink is the default in-process MetricsSink: a nested
// key-to-count map, guarded by a mutex, dumpable as JSON. Adapted from the
// teacher's StatsManager (proxy/stats_manager.go), narrowed to the counters
// this core actually emits — no caching-related counters, since answer
// caching is out of scope.
type MemMetricsSink struct {
	mu        sync.Mutex
	counts    map[string]map[string]uint64
	durations map[string]*durationStat
}

// durationStat accumulates a running count/total for ObserveQueryDuration,
// enough to report a mean without keeping a full histogram.
type durationStat struct {
	count      uint64
	totalNanos uint64
}

// NewMemMetricsSink returns an empty MemMetricsSink.
func NewMemMetricsSink() *MemMetricsSink {
	return &MemMetricsSink{
		counts:    make(map[string]map[string]uint64),
		durations: make(map[string]*durationStat),
	}
}

func (m *MemMetricsSink) inc(group, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.counts[group]
	if !ok {
		g = make(map[string]uint64)
		m.counts[group] = g
	}

	g[key]++
}

// IncQueries implements [MetricsSink].
func (m *MemMetricsSink) IncQueries(qtype string) { m.inc("queries", qtype) }

// IncAnswers implements [MetricsSink].
func (m *MemMetricsSink) IncAnswers(upstreamID string) { m.inc("answers", upstreamID) }

// IncServFail implements [MetricsSink].
func (m *MemMetricsSink) IncServFail(reason string) { m.inc("servfail", reason) }

// IncRetries implements [MetricsSink].
func (m *MemMetricsSink) IncRetries() { m.inc("local", "retries") }

// IncProbeInvalidation implements [MetricsSink].
func (m *MemMetricsSink) IncProbeInvalidation(targetID string) { m.inc("invalidations", targetID) }

// ObserveQueryDuration implements [MetricsSink].
func (m *MemMetricsSink) ObserveQueryDuration(proto, outcome string, d time.Duration) {
	key := proto + "/" + outcome

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.durations[key]
	if !ok {
		st = &durationStat{}
		m.durations[key] = st
	}

	st.count++
	st.totalNanos += uint64(d.Nanoseconds())
}

// DurationSnapshot returns the mean observed duration per proto/outcome key.
func (m *MemMetricsSink) DurationSnapshot() map[string]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]time.Duration, len(m.durations))
	for key, st := range m.durations {
		if st.count == 0 {
			continue
		}

		out[key] = time.Duration(st.totalNanos / st.count)
	}

	return out
}

// Snapshot returns a deep-enough copy of the current counts for reporting.
func (m *MemMetricsSink) Snapshot() map[string]map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]map[string]uint64, len(m.counts))
	for group, counts := range m.counts {
		inner := make(map[string]uint64, len(counts))
		for k, v := range counts {
			inner[k] = v
		}
		out[group] = inner
	}

	return out
}

// MarshalJSON implements json.Marshaler so the sink can be dumped directly
// by an admin endpoint, matching StatsManager.AsJsonPretty's role.
func (m *MemMetricsSink) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// noopMetricsSink discards everything; used when no sink is configured.
type noopMetricsSink struct{}

func (noopMetricsSink) IncQueries(string)                                  {}
func (noopMetricsSink) IncAnswers(string)                                  {}
func (noopMetricsSink) IncServFail(string)                                 {}
func (noopMetricsSink) IncRetries()                                        {}
func (noopMetricsSink) IncProbeInvalidation(string)                        {}
func (noopMetricsSink) ObserveQueryDuration(string, string, time.Duration) {}

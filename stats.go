package flagstore

import (
	"sync/atomic"
	"time"
)

// statsCollector counts cache outcomes. All methods are no-ops when the
// collector is disabled, so the uncounted path stays free of atomics.
type statsCollector struct {
	enabled bool

	hits          atomic.Int64
	misses        atomic.Int64
	loadSuccesses atomic.Int64
	loadFailures  atomic.Int64
	evictions     atomic.Int64
	loadNanos     atomic.Int64
}

func newStatsCollector(enabled bool) *statsCollector {
	return &statsCollector{enabled: enabled}
}

func (s *statsCollector) hit() {
	if s.enabled {
		s.hits.Add(1)
	}
}

func (s *statsCollector) miss() {
	if s.enabled {
		s.misses.Add(1)
	}
}

func (s *statsCollector) loadSuccess(d time.Duration) {
	if s.enabled {
		s.loadSuccesses.Add(1)
		s.loadNanos.Add(int64(d))
	}
}

func (s *statsCollector) loadFailure(d time.Duration) {
	if s.enabled {
		s.loadFailures.Add(1)
		s.loadNanos.Add(int64(d))
	}
}

func (s *statsCollector) eviction() {
	if s.enabled {
		s.evictions.Add(1)
	}
}

// snapshot is safe to call concurrently with writers. Counters are read
// individually; the snapshot is consistent per counter, not across them.
func (s *statsCollector) snapshot() CacheStats {
	return CacheStats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		LoadSuccesses: s.loadSuccesses.Load(),
		LoadFailures:  s.loadFailures.Load(),
		Evictions:     s.evictions.Load(),
		LoadDuration:  time.Duration(s.loadNanos.Load()),
	}
}

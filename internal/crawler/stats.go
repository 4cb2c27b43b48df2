package crawler

import "sync/atomic"

// Stats counts per-run crawl outcomes. All counters are owned by the engine;
// readers take snapshots.
type Stats struct {
	fetched atomic.Int64
	matched atomic.Int64
	skipped atomic.Int64
	errors  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Fetched int64
	Matched int64
	Skipped int64
	Errors  int64
}

// Snapshot returns a consistent-enough copy for logging and tests.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Fetched: s.fetched.Load(),
		Matched: s.matched.Load(),
		Skipped: s.skipped.Load(),
		Errors:  s.errors.Load(),
	}
}

package render

import (
	"sync/atomic"
	"time"
)

// Stats accumulates service-lifetime render counters
type Stats struct {
	startedAt     time.Time
	totalRendered atomic.Int64
	totalFailed   atomic.Int64
	totalRejected atomic.Int64
	totalTimedOut atomic.Int64
	totalDuration atomic.Int64 // nanoseconds, successful renders only
}

// NewStats creates a stats accumulator anchored at now
func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) RecordSuccess(d time.Duration) {
	s.totalRendered.Add(1)
	s.totalDuration.Add(int64(d))
}

func (s *Stats) RecordFailure()   { s.totalFailed.Add(1) }
func (s *Stats) RecordRejection() { s.totalRejected.Add(1) }
func (s *Stats) RecordTimeout()   { s.totalTimedOut.Add(1) }

// TotalRendered returns the lifetime count of successful renders
func (s *Stats) TotalRendered() int64 {
	return s.totalRendered.Load()
}

// StatsSnapshot is a point-in-time copy of the counters
type StatsSnapshot struct {
	TotalRendered int64   `json:"total_rendered"`
	TotalFailed   int64   `json:"total_failed"`
	TotalRejected int64   `json:"total_rejected"`
	TotalTimedOut int64   `json:"total_timed_out"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Snapshot returns a consistent-enough view for the stats endpoint
func (s *Stats) Snapshot() StatsSnapshot {
	rendered := s.totalRendered.Load()
	snap := StatsSnapshot{
		TotalRendered: rendered,
		TotalFailed:   s.totalFailed.Load(),
		TotalRejected: s.totalRejected.Load(),
		TotalTimedOut: s.totalTimedOut.Load(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if rendered > 0 {
		snap.AvgDurationMs = float64(s.totalDuration.Load()) / float64(rendered) / float64(time.Millisecond)
	}
	return snap
}

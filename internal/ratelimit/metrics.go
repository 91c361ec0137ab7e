package ratelimit

import (
	"sync/atomic"
	"time"

	"spotlink/internal/lanes"
)

// Metrics tracks statistics about throttler usage.
type Metrics struct {
	throttled       atomic.Int64
	rejected        atomic.Int64
	slowWaits       atomic.Int64
	totalWait       atomic.Int64
	maxWait         atomic.Int64
	streamThrottled atomic.Int64
	refreshes       atomic.Int64
	refreshFailures atomic.Int64
	limitUpdates    atomic.Int64
}

func (m *Metrics) record(wait time.Duration) {
	m.throttled.Add(1)
	m.totalWait.Add(int64(wait))
	for {
		cur := m.maxWait.Load()
		if int64(wait) <= cur || m.maxWait.CompareAndSwap(cur, int64(wait)) {
			return
		}
	}
}

// MetricsSnapshot is a point-in-time capture of throttler statistics.
type MetricsSnapshot struct {
	// Throttled is the number of REST calls admitted.
	Throttled int64
	// Rejected is the number of REST calls refused during a pause.
	Rejected int64
	// SlowWaits counts admissions that waited longer than the slow-wait threshold.
	SlowWaits int64
	TotalWait time.Duration
	MaxWait   time.Duration
	// StreamThrottled is the number of stream commands admitted.
	StreamThrottled int64
	Refreshes       int64
	RefreshFailures int64
	// LimitUpdates counts ApplyLimits calls, including the initial one.
	LimitUpdates      int64
	UnitCost          time.Duration
	DefaultRetryAfter time.Duration
	PausedUntil       time.Time
	Lanes             lanes.Stats
}

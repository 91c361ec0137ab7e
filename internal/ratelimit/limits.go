package ratelimit

import (
	"math"
	"time"

	"spotlink/pkg/core"
)

const (
	// DefaultUnitsPerSecond is the weight budget assumed when no usable
	// REQUEST_WEIGHT limit is published.
	DefaultUnitsPerSecond = 20
	// DefaultRetryAfter is the pause used when no Retry-After value is given
	// and no usable limit window is known.
	DefaultRetryAfter = 60 * time.Second
)

// InitialLimits are the limits in force before the first refresh.
func InitialLimits() []core.RateLimit {
	return []core.RateLimit{
		{Type: core.RateLimitRequestWeight, Interval: core.IntervalMinute, IntervalNum: 1, Limit: 1200},
		{Type: core.RateLimitOrders, Interval: core.IntervalSecond, IntervalNum: 10, Limit: 100},
		{Type: core.RateLimitOrders, Interval: core.IntervalDay, IntervalNum: 1, Limit: 200_000},
	}
}

// Calibration is the result of reducing a published limit set.
type Calibration struct {
	// UnitsPerSecond is the tightest weight budget found.
	UnitsPerSecond float64
	// UnitCost is how long one weight unit holds a lane.
	UnitCost time.Duration
	// RetryAfter is the widest usable window, the default pause after a breach.
	RetryAfter time.Duration
	// Fallback is true when no usable REQUEST_WEIGHT limit was found.
	Fallback bool
}

// Calibrate converts limits into a per-lane hold time for laneCount lanes.
// Only valid REQUEST_WEIGHT limits take part.
func Calibrate(limits []core.RateLimit, laneCount int) Calibration {
	c := Calibration{UnitsPerSecond: math.MaxFloat64}

	for _, l := range limits {
		if l.Type != core.RateLimitRequestWeight || !l.Valid() {
			continue
		}
		if ps := l.PerSecond(); ps > 0 && ps < c.UnitsPerSecond {
			c.UnitsPerSecond = ps
		}
		if w := l.Window(); w > c.RetryAfter {
			c.RetryAfter = w
		}
	}

	if c.UnitsPerSecond == math.MaxFloat64 {
		c.UnitsPerSecond = DefaultUnitsPerSecond
		c.Fallback = true
	}
	if c.RetryAfter == 0 {
		c.RetryAfter = DefaultRetryAfter
	}

	ms := int64(math.Ceil(1000/c.UnitsPerSecond)) * int64(laneCount)
	c.UnitCost = time.Duration(ms) * time.Millisecond
	return c
}

// StreamUnitCost returns the lane hold per message that keeps lanes lanes
// under perSecond messages per second.
func StreamUnitCost(lanes, perSecond int) time.Duration {
	return time.Duration(lanes*1000/perSecond) * time.Millisecond
}

package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// RateLimitType is the kind of budget a published limit applies to.
type RateLimitType string

const (
	// RateLimitRequestWeight limits the summed weight of REST calls.
	RateLimitRequestWeight RateLimitType = "REQUEST_WEIGHT"
	// RateLimitOrders limits order placement. Tracked informationally.
	RateLimitOrders RateLimitType = "ORDERS"
	// RateLimitRawRequests limits the raw number of REST calls. Tracked informationally.
	RateLimitRawRequests RateLimitType = "RAW_REQUESTS"
)

// RateLimitInterval is the unit of a limit's window.
type RateLimitInterval string

const (
	IntervalSecond RateLimitInterval = "SECOND"
	IntervalMinute RateLimitInterval = "MINUTE"
	IntervalHour   RateLimitInterval = "HOUR"
	IntervalDay    RateLimitInterval = "DAY"
)

// Duration returns the length of one interval unit, or zero if the unit is unknown.
func (i RateLimitInterval) Duration() time.Duration {
	switch RateLimitInterval(strings.ToUpper(string(i))) {
	case IntervalSecond:
		return time.Second
	case IntervalMinute:
		return time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// RateLimit is one published limit, e.g. 1200 REQUEST_WEIGHT per 1 MINUTE.
type RateLimit struct {
	Type        RateLimitType     `json:"rateLimitType"`
	Interval    RateLimitInterval `json:"interval"`
	IntervalNum int               `json:"intervalNum"`
	Limit       int               `json:"limit"`
}

// Window returns the full window length, IntervalNum units of Interval.
func (l RateLimit) Window() time.Duration {
	return time.Duration(l.IntervalNum) * l.Interval.Duration()
}

// Valid reports whether the limit can be used for pacing.
func (l RateLimit) Valid() bool {
	return l.Interval.Duration() > 0 && l.IntervalNum > 0 && l.Limit > 0
}

// PerSecond returns the budget expressed as units per second.
func (l RateLimit) PerSecond() float64 {
	return float64(l.Limit) / l.Window().Seconds()
}

func (l RateLimit) String() string {
	return fmt.Sprintf("%s %d/%d%s", l.Type, l.Limit, l.IntervalNum, l.Interval)
}

// OrderSide represents the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus represents the current state of an order as reported on the
// user-data stream.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusExpiredInMatch  OrderStatus = "EXPIRED_IN_MATCH"
)

// IsTerminal returns true if the order is in a terminal state (no further changes possible).
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusExpiredInMatch:
		return true
	}
	return false
}

// Balance is one asset's holdings.
type Balance struct {
	Asset  string      `json:"asset"`
	Free   apd.Decimal `json:"free"`
	Locked apd.Decimal `json:"locked"`
}

// DecimalContext is used for balance arithmetic.
var DecimalContext = apd.BaseContext.WithPrecision(34)

// Total returns Free + Locked.
func (b Balance) Total() apd.Decimal {
	var total apd.Decimal
	_, _ = DecimalContext.Add(&total, &b.Free, &b.Locked)
	return total
}

// Clone returns a copy that shares no memory with b.
func (b Balance) Clone() Balance {
	out := Balance{Asset: b.Asset}
	out.Free.Set(&b.Free)
	out.Locked.Set(&b.Locked)
	return out
}

// ParseDecimal parses s into d, treating an empty string as zero.
func ParseDecimal(d *apd.Decimal, s string) error {
	if s == "" {
		d.SetInt64(0)
		return nil
	}
	if _, _, err := d.SetString(s); err != nil {
		return fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return nil
}

// MustDecimal parses s and panics on malformed input. Intended for constants and tests.
func MustDecimal(s string) apd.Decimal {
	var d apd.Decimal
	if err := ParseDecimal(&d, s); err != nil {
		panic(err)
	}
	return d
}

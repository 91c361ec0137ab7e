package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_New(t *testing.T) {
	b := New()

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.True(t, b.OpenUntil().IsZero())
}

func TestBreaker_TripFor(t *testing.T) {
	b := New()
	until := b.TripFor(50 * time.Millisecond)

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
	assert.Equal(t, until.UnixNano(), b.OpenUntil().UnixNano())

	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.True(t, b.OpenUntil().IsZero())
}

func TestBreaker_TripNeverShortens(t *testing.T) {
	b := New()
	long := b.TripFor(time.Hour)
	got := b.TripFor(time.Second)

	assert.Equal(t, long.UnixNano(), got.UnixNano())
	assert.Equal(t, int32(1), b.Metrics().Trips)

	later := b.TripFor(2 * time.Hour)
	assert.True(t, later.After(long))
	assert.Equal(t, int32(2), b.Metrics().Trips)
}

func TestBreaker_FakeClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New()
	b.now = func() time.Time { return now }

	b.TripFor(time.Minute)
	assert.False(t, b.Allow())

	now = now.Add(59 * time.Second)
	assert.False(t, b.Allow())

	now = now.Add(time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_Reset(t *testing.T) {
	b := New()
	b.TripFor(time.Hour)
	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_Metrics(t *testing.T) {
	b := New()
	b.Allow()
	b.TripFor(time.Hour)
	b.Allow()
	b.Allow()

	m := b.Metrics()
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(1), m.AllowedRequests)
	assert.Equal(t, int64(2), m.RejectedRequests)
	assert.Equal(t, "OPEN", m.CurrentState)
	assert.False(t, m.OpenUntil.IsZero())
}

func TestBreaker_ConcurrentTrips(t *testing.T) {
	b := New()
	base := time.Now()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			b.TripUntil(base.Add(time.Duration(i) * time.Second))
			b.Allow()
		})
	}
	wg.Wait()

	assert.Equal(t, base.Add(49*time.Second).UnixNano(), b.OpenUntil().UnixNano())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", State(7).String())
}

package userdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotlink/internal/transport/transporttest"
	"spotlink/internal/ws"
	"spotlink/pkg/core"
)

type fakeAPI struct {
	mu           sync.Mutex
	created      int
	keepalives   []string
	closed       []string
	createErr    error
	keepAliveErr error
	// keepAliveFailures limits keepAliveErr to that many calls when positive.
	keepAliveFailures int
	closeErr          error
}

func (f *fakeAPI) CreateListenKey(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return fmt.Sprintf("key-%d", f.created), nil
}

func (f *fakeAPI) KeepAliveListenKey(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives = append(f.keepalives, key)
	if f.keepAliveErr == nil {
		return nil
	}
	if f.keepAliveFailures > 0 {
		f.keepAliveFailures--
		if f.keepAliveFailures == 0 {
			err := f.keepAliveErr
			f.keepAliveErr = nil
			return err
		}
	}
	return f.keepAliveErr
}

func (f *fakeAPI) CloseListenKey(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, key)
	return f.closeErr
}

func (f *fakeAPI) snapshot() (created int, keepalives, closed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, append([]string(nil), f.keepalives...), append([]string(nil), f.closed...)
}

func unknownKeyError() error {
	return core.NewExchangeErrorWithCode("binance", core.ErrorTypeNotFound, 400, "-1125", "This listenKey does not exist.")
}

func testConfig() Config {
	c := DefaultConfig()
	c.BaseURL = "wss://stream.test/ws"
	c.DialTimeout = time.Second
	c.PongInterval = 0
	c.ReconnectStep = 10 * time.Millisecond
	c.ReconnectMax = 30 * time.Millisecond
	c.RenewInterval = time.Hour
	c.CallTimeout = time.Second
	return c
}

func newTestStream(t *testing.T, api *fakeAPI, config Config) (*Stream, *transporttest.Dialer) {
	t.Helper()
	d := transporttest.NewDialer()
	s, err := New(api, d, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, d
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Header().Type)
	}
	return out
}

func TestNew_Invalid(t *testing.T) {
	c := testConfig()
	c.RenewInterval = 0
	_, err := New(&fakeAPI{}, transporttest.NewDialer(), c)
	assert.Error(t, err)

	_, err = New(nil, transporttest.NewDialer(), testConfig())
	assert.Error(t, err)
}

func TestStream_OpenCreatesKey(t *testing.T) {
	api := &fakeAPI{}
	s, d := newTestStream(t, api, testConfig())

	require.NoError(t, s.Open(context.Background()))
	d.NextConn(t)

	assert.Equal(t, []string{"wss://stream.test/ws/key-1"}, d.URLs())
	assert.Equal(t, "key-1", s.ListenKey())
	assert.Equal(t, ws.StateActive, s.State())
	assert.Equal(t, int64(1), s.Stats().KeysCreated)
}

func TestStream_OpenFailsWithoutKey(t *testing.T) {
	api := &fakeAPI{createErr: errors.New("503")}
	s, d := newTestStream(t, api, testConfig())

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Zero(t, d.Attempts())
	assert.Equal(t, ws.StateClosed, s.State())
}

func TestStream_DeliversEvents(t *testing.T) {
	api := &fakeAPI{}
	s, d := newTestStream(t, api, testConfig())

	var first, second eventLog
	removeFirst := s.AddHandler(first.handle)
	s.AddHandler(second.handle)

	require.NoError(t, s.Open(context.Background()))
	conn := d.NextConn(t)

	conn.InjectString(balanceUpdateJSON)
	conn.InjectString(`{"e":"externalLockUpdate","E":1}`)
	conn.InjectString(`garbage`)
	conn.InjectString(accountPositionJSON)

	want := []string{EventBalanceUpdate, EventAccountPosition}
	assert.Equal(t, want, first.types())
	assert.Equal(t, want, second.types())

	removeFirst()
	removeFirst()
	conn.InjectString(executionReportJSON)
	assert.Equal(t, want, first.types())
	assert.Equal(t, append(want, EventExecutionReport), second.types())

	stats := s.Stats()
	assert.Equal(t, int64(3), stats.Events)
	assert.Equal(t, int64(2), stats.Dropped)
}

func TestStream_PingNotDecoded(t *testing.T) {
	s, d := newTestStream(t, &fakeAPI{}, testConfig())

	var log eventLog
	s.AddHandler(log.handle)
	require.NoError(t, s.Open(context.Background()))
	conn := d.NextConn(t)

	conn.InjectString("ping")
	conn.InjectString("PING")

	stats := s.Stats()
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.Events)
	assert.Equal(t, int64(2), stats.Pings)
	assert.Empty(t, log.types())
}

func TestStream_HandlerPanicIsolated(t *testing.T) {
	s, d := newTestStream(t, &fakeAPI{}, testConfig())

	var log eventLog
	s.AddHandler(func(Event) { panic("boom") })
	s.AddHandler(log.handle)
	require.NoError(t, s.Open(context.Background()))
	conn := d.NextConn(t)

	assert.NotPanics(t, func() { conn.InjectString(balanceUpdateJSON) })
	assert.Equal(t, []string{EventBalanceUpdate}, log.types())
}

func TestStream_RenewLoop(t *testing.T) {
	api := &fakeAPI{}
	c := testConfig()
	c.RenewInterval = 20 * time.Millisecond
	s, d := newTestStream(t, api, c)

	require.NoError(t, s.Open(context.Background()))
	d.NextConn(t)

	assert.Eventually(t, func() bool {
		_, keepalives, _ := api.snapshot()
		return len(keepalives) >= 2
	}, time.Second, 5*time.Millisecond)

	_, keepalives, _ := api.snapshot()
	for _, k := range keepalives {
		assert.Equal(t, "key-1", k)
	}
	assert.Equal(t, 1, d.Attempts())
}

func TestStream_RenewFailureLogged(t *testing.T) {
	api := &fakeAPI{keepAliveErr: errors.New("timeout")}
	c := testConfig()
	c.RenewInterval = 20 * time.Millisecond
	s, d := newTestStream(t, api, c)

	require.NoError(t, s.Open(context.Background()))
	d.NextConn(t)

	assert.Eventually(t, func() bool {
		return s.Stats().RenewFailures >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.Attempts())
	assert.Equal(t, "key-1", s.ListenKey())
}

func TestStream_RenewUnknownKeyReconnects(t *testing.T) {
	api := &fakeAPI{keepAliveErr: unknownKeyError(), keepAliveFailures: 1}
	c := testConfig()
	c.RenewInterval = 20 * time.Millisecond
	s, d := newTestStream(t, api, c)

	require.NoError(t, s.Open(context.Background()))
	first := d.NextConn(t)

	second := d.NextConn(t)
	assert.True(t, first.Closed())
	assert.Equal(t, "wss://stream.test/ws/key-2", second.URL())
	assert.Eventually(t, func() bool {
		return s.State() == ws.StateActive
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "key-2", s.ListenKey())
}

func TestStream_ReconnectRenewsKey(t *testing.T) {
	api := &fakeAPI{}
	s, d := newTestStream(t, api, testConfig())

	require.NoError(t, s.Open(context.Background()))
	first := d.NextConn(t)
	first.Drop(errors.New("reset"))

	second := d.NextConn(t)
	assert.Equal(t, "wss://stream.test/ws/key-1", second.URL())

	created, keepalives, _ := api.snapshot()
	assert.Equal(t, 1, created)
	assert.Equal(t, []string{"key-1"}, keepalives)
}

func TestStream_ReconnectReplacesKeyWhenRenewFails(t *testing.T) {
	api := &fakeAPI{}
	s, d := newTestStream(t, api, testConfig())

	require.NoError(t, s.Open(context.Background()))
	first := d.NextConn(t)

	api.mu.Lock()
	api.keepAliveErr = unknownKeyError()
	api.mu.Unlock()
	first.Drop(errors.New("reset"))

	second := d.NextConn(t)
	assert.Equal(t, "wss://stream.test/ws/key-2", second.URL())
	assert.Equal(t, int64(1), s.Stats().RenewFailures)
}

func TestStream_ListenKeyExpiredEvent(t *testing.T) {
	api := &fakeAPI{}
	s, d := newTestStream(t, api, testConfig())

	var log eventLog
	s.AddHandler(log.handle)
	require.NoError(t, s.Open(context.Background()))
	first := d.NextConn(t)

	first.InjectString(`{"e":"listenKeyExpired","E":1576653824250,"listenKey":"key-1"}`)

	second := d.NextConn(t)
	assert.Equal(t, "wss://stream.test/ws/key-2", second.URL())
	assert.Equal(t, []string{EventListenKeyExpired}, log.types())
}

func TestStream_CloseReleasesKey(t *testing.T) {
	api := &fakeAPI{}
	s, d := newTestStream(t, api, testConfig())

	require.NoError(t, s.Open(context.Background()))
	conn := d.NextConn(t)

	require.NoError(t, s.Close(context.Background()))
	assert.True(t, conn.Closed())
	assert.Equal(t, ws.StateClosed, s.State())
	assert.Empty(t, s.ListenKey())

	_, _, closed := api.snapshot()
	assert.Equal(t, []string{"key-1"}, closed)

	assert.ErrorIs(t, s.WaitActive(context.Background()), core.ErrStreamClosed)
	assert.ErrorIs(t, s.Open(context.Background()), core.ErrStreamClosed)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Attempts())
}

func TestStream_CloseReleaseFailureLogged(t *testing.T) {
	api := &fakeAPI{closeErr: errors.New("boom")}
	s, d := newTestStream(t, api, testConfig())

	require.NoError(t, s.Open(context.Background()))
	d.NextConn(t)

	assert.NoError(t, s.Close(context.Background()))
	_, _, closed := api.snapshot()
	assert.Len(t, closed, 1)
}

func TestStream_WaitActive(t *testing.T) {
	s, d := newTestStream(t, &fakeAPI{}, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitActive(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- s.WaitActive(context.Background()) }()

	require.NoError(t, s.Open(context.Background()))
	d.NextConn(t)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitActive did not return")
	}
}

func TestStream_WaitActiveAcrossReconnect(t *testing.T) {
	s, d := newTestStream(t, &fakeAPI{}, testConfig())
	require.NoError(t, s.Open(context.Background()))
	first := d.NextConn(t)

	d.FailNext(2, errors.New("refused"))
	first.Drop(errors.New("reset"))
	assert.False(t, s.State() == ws.StateActive)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitActive(ctx))
	assert.Equal(t, ws.StateActive, s.State())
}

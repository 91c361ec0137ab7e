package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotlink/internal/transport/transporttest"
	"spotlink/pkg/core"
)

type sentCommand struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int64  `json:"id"`
}

func testConfig() Config {
	c := DefaultConfig()
	c.URL = "wss://stream.test/stream"
	c.RequestTimeout = time.Second
	c.DialTimeout = time.Second
	c.PongInterval = 0
	c.ReconnectStep = 10 * time.Millisecond
	c.ReconnectMax = 30 * time.Millisecond
	return c
}

func openTest(t *testing.T, config Config, opts ...Option) (*Multiplexer, *transporttest.Dialer, *transporttest.Conn) {
	t.Helper()
	d := transporttest.NewDialer()
	m, err := New(d, config, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m, d, d.NextConn(t)
}

func nextCommand(t *testing.T, conn *transporttest.Conn) sentCommand {
	t.Helper()
	var cmd sentCommand
	require.NoError(t, sonic.Unmarshal(conn.NextSent(t), &cmd))
	return cmd
}

func reply(conn *transporttest.Conn, id int64, result string) {
	conn.InjectString(fmt.Sprintf(`{"result":%s,"id":%d}`, result, id))
}

type subscribeResult struct {
	id  int64
	err error
}

func subscribeAsync(m *Multiplexer, key string, h Handler) <-chan subscribeResult {
	out := make(chan subscribeResult, 1)
	go func() {
		id, err := m.Subscribe(context.Background(), key, h)
		out <- subscribeResult{id: id, err: err}
	}()
	return out
}

// subscribeConfirmed subscribes key and confirms the remote SUBSCRIBE.
func subscribeConfirmed(t *testing.T, m *Multiplexer, conn *transporttest.Conn, key string, h Handler) int64 {
	t.Helper()
	res := subscribeAsync(m, key, h)
	cmd := nextCommand(t, conn)
	require.Equal(t, MethodSubscribe, cmd.Method)
	require.Equal(t, []any{key}, cmd.Params)
	reply(conn, cmd.ID, "null")

	r := <-res
	require.NoError(t, r.err)
	return r.id
}

type collector struct {
	mu     sync.Mutex
	frames []string
}

func (c *collector) handle(key string, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, key+" "+string(data))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		kind   frameKind
		stream string
		id     int64
		remote bool
	}{
		{name: "data", in: `{"stream":"btcusdt@trade","data":{"p":"1"}}`, kind: frameData, stream: "btcusdt@trade"},
		{name: "response", in: `{"result":null,"id":7}`, kind: frameResponse, id: 7},
		{name: "response with list", in: `{"result":["a","b"],"id":3}`, kind: frameResponse, id: 3},
		{name: "remote error", in: `{"error":{"code":2,"msg":"Invalid request"},"id":4}`, kind: frameResponse, id: 4, remote: true},
		{name: "null error", in: `{"error":null,"result":null,"id":5}`, kind: frameResponse, id: 5},
		{name: "stream without data", in: `{"stream":"btcusdt@trade"}`, kind: frameError},
		{name: "id only", in: `{"id":1}`, kind: frameError},
		{name: "unrelated object", in: `{"foo":"bar"}`, kind: frameError},
		{name: "array", in: `[1,2,3]`, kind: frameError},
		{name: "not json", in: `hello`, kind: frameError},
		{name: "empty stream name", in: `{"stream":"","data":{}}`, kind: frameError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := classify([]byte(tt.in))
			assert.Equal(t, tt.kind, f.kind, f.reason)
			if tt.kind == frameData {
				assert.Equal(t, tt.stream, f.stream)
			}
			if tt.kind == frameResponse {
				assert.Equal(t, tt.id, f.id)
				assert.Equal(t, tt.remote, f.remote != nil)
			}
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	c := testConfig()
	c.URL = ""
	_, err := New(transporttest.NewDialer(), c)
	assert.Error(t, err)

	c = testConfig()
	c.ReconnectMax = c.ReconnectStep / 2
	_, err = New(transporttest.NewDialer(), c)
	assert.Error(t, err)
}

func TestMultiplexer_SharedKeyLifecycle(t *testing.T) {
	m, _, conn := openTest(t, testConfig())
	key := PartialDepthKey("BTCUSDT", 5, time.Second)
	require.Equal(t, "btcusdt@depth5", key)

	var first, second collector
	id1 := subscribeConfirmed(t, m, conn, key, first.handle)
	assert.Equal(t, int64(1), id1)

	id2, err := m.Subscribe(context.Background(), key, second.handle)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id2)
	conn.NoSent(t, 50*time.Millisecond)

	conn.InjectString(`{"stream":"btcusdt@depth5","data":{"lastUpdateId":1}}`)
	assert.Equal(t, []string{`btcusdt@depth5 {"lastUpdateId":1}`}, first.snapshot())
	assert.Equal(t, []string{`btcusdt@depth5 {"lastUpdateId":1}`}, second.snapshot())

	require.NoError(t, m.Unsubscribe(context.Background(), id1))
	conn.NoSent(t, 50*time.Millisecond)
	assert.Equal(t, []string{key}, m.Keys())

	done := make(chan error, 1)
	go func() { done <- m.Unsubscribe(context.Background(), id2) }()

	cmd := nextCommand(t, conn)
	assert.Equal(t, MethodUnsubscribe, cmd.Method)
	assert.Equal(t, []any{key}, cmd.Params)
	assert.Empty(t, m.Keys())
	reply(conn, cmd.ID, "null")
	require.NoError(t, <-done)

	snap := m.Metrics()
	assert.Equal(t, 0, snap.Keys)
	assert.Equal(t, 0, snap.Subscriptions)
	assert.Equal(t, 0, snap.Pending)
	assert.Equal(t, int64(2), snap.Requests)
}

func TestMultiplexer_DeliversInOrder(t *testing.T) {
	m, _, conn := openTest(t, testConfig())

	var c collector
	subscribeConfirmed(t, m, conn, "btcusdt@trade", c.handle)
	for i := range 5 {
		conn.InjectString(fmt.Sprintf(`{"stream":"btcusdt@trade","data":%d}`, i))
	}
	conn.InjectString(`{"stream":"ethusdt@trade","data":9}`)

	assert.Equal(t, []string{
		"btcusdt@trade 0",
		"btcusdt@trade 1",
		"btcusdt@trade 2",
		"btcusdt@trade 3",
		"btcusdt@trade 4",
	}, c.snapshot())
	assert.Equal(t, int64(1), m.Metrics().UnroutedFrames)
}

func TestMultiplexer_PingIgnored(t *testing.T) {
	m, _, conn := openTest(t, testConfig())

	conn.InjectString("ping")
	conn.InjectString("PING")

	snap := m.Metrics()
	assert.Equal(t, int64(2), snap.Pings)
	assert.Zero(t, snap.ErrorFrames)
	conn.NoSent(t, 20*time.Millisecond)
}

func TestMultiplexer_ErrorFrameLogged(t *testing.T) {
	m, _, conn := openTest(t, testConfig())

	conn.InjectString(`{"stream":"btcusdt@trade"}`)
	conn.InjectString(`not json`)
	assert.Equal(t, int64(2), m.Metrics().ErrorFrames)
}

func TestMultiplexer_RequestTimeout(t *testing.T) {
	c := testConfig()
	c.RequestTimeout = 50 * time.Millisecond
	m, _, conn := openTest(t, c)

	_, err := m.Subscribe(context.Background(), "btcusdt@trade", func(string, json.RawMessage) {})
	require.Error(t, err)
	assert.True(t, core.IsTimeoutError(err))
	assert.ErrorIs(t, err, core.ErrRequestTimeout)

	cmd := nextCommand(t, conn)
	assert.Equal(t, MethodSubscribe, cmd.Method)

	snap := m.Metrics()
	assert.Equal(t, int64(1), snap.Timeouts)
	assert.Equal(t, 0, snap.Pending)
	assert.Empty(t, m.Keys())

	// a late response no longer has a pending request
	reply(conn, cmd.ID, "null")
	assert.Equal(t, int64(1), m.Metrics().UnmatchedResponses)
}

func TestMultiplexer_RemoteRejection(t *testing.T) {
	m, _, conn := openTest(t, testConfig())

	res := subscribeAsync(m, "bad key", func(string, json.RawMessage) {})
	cmd := nextCommand(t, conn)
	conn.InjectString(fmt.Sprintf(`{"error":{"code":2,"msg":"Invalid request"},"id":%d}`, cmd.ID))

	r := <-res
	require.Error(t, r.err)
	assert.True(t, core.IsErrorCode(r.err, core.ErrCodeStreamRejected))

	var remote *RemoteError
	require.ErrorAs(t, r.err, &remote)
	assert.Equal(t, 2, remote.Code)
	assert.Empty(t, m.Keys())
}

func TestMultiplexer_UnmatchedResponse(t *testing.T) {
	m, _, conn := openTest(t, testConfig())

	assert.NotPanics(t, func() {
		reply(conn, 99, "null")
	})
	assert.Equal(t, int64(1), m.Metrics().UnmatchedResponses)
}

func TestMultiplexer_SubscribeNotConnected(t *testing.T) {
	m, err := New(transporttest.NewDialer(), testConfig())
	require.NoError(t, err)

	_, err = m.Subscribe(context.Background(), "btcusdt@trade", func(string, json.RawMessage) {})
	assert.ErrorIs(t, err, core.ErrNotConnected)

	_, err = m.ListSubscriptions(context.Background())
	assert.ErrorIs(t, err, core.ErrNotConnected)
}

func TestMultiplexer_UnsubscribeUnknown(t *testing.T) {
	m, _, _ := openTest(t, testConfig())
	assert.ErrorIs(t, m.Unsubscribe(context.Background(), 42), ErrUnknownSubscription)
}

func TestMultiplexer_UnsubscribeRetriesRemote(t *testing.T) {
	m, _, conn := openTest(t, testConfig())
	id := subscribeConfirmed(t, m, conn, "btcusdt@trade", func(string, json.RawMessage) {})

	done := make(chan error, 1)
	go func() { done <- m.Unsubscribe(context.Background(), id) }()

	cmd := nextCommand(t, conn)
	assert.Empty(t, m.Keys())
	conn.InjectString(fmt.Sprintf(`{"error":{"code":3,"msg":"busy"},"id":%d}`, cmd.ID))

	cmd = nextCommand(t, conn)
	assert.Equal(t, MethodUnsubscribe, cmd.Method)
	reply(conn, cmd.ID, "null")

	require.NoError(t, <-done)
	assert.Equal(t, int64(1), m.Metrics().UnsubscribeFailures)
}

func TestMultiplexer_UnsubscribeGivesUp(t *testing.T) {
	c := testConfig()
	c.RequestTimeout = 50 * time.Millisecond
	c.UnsubscribeAttempts = 2
	m, _, conn := openTest(t, c)

	res := subscribeAsync(m, "btcusdt@trade", func(string, json.RawMessage) {})
	cmd := nextCommand(t, conn)
	reply(conn, cmd.ID, "null")
	r := <-res
	require.NoError(t, r.err)

	require.NoError(t, m.Unsubscribe(context.Background(), r.id))
	assert.Len(t, conn.Sent(), 3)
	assert.Equal(t, int64(2), m.Metrics().UnsubscribeFailures)
}

func TestMultiplexer_Reconnect(t *testing.T) {
	m, d, conn := openTest(t, testConfig())

	keys := []string{"btcusdt@trade", "ethusdt@trade", "bnbusdt@bookTicker"}
	for _, k := range keys {
		subscribeConfirmed(t, m, conn, k, func(string, json.RawMessage) {})
	}

	conn.Drop(errors.New("connection reset"))
	next := d.NextConn(t)

	var restored []string
	for range keys {
		cmd := nextCommand(t, next)
		require.Equal(t, MethodSubscribe, cmd.Method)
		require.Len(t, cmd.Params, 1)
		restored = append(restored, cmd.Params[0].(string))
		reply(next, cmd.ID, "null")
	}
	assert.ElementsMatch(t, keys, restored)

	assert.Eventually(t, func() bool {
		return m.Metrics().Restored == int64(len(keys))
	}, time.Second, 5*time.Millisecond)
	next.NoSent(t, 30*time.Millisecond)
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, int64(1), m.Metrics().Connection.Reconnects)
}

func TestMultiplexer_NoReconnectAfterClose(t *testing.T) {
	m, d, conn := openTest(t, testConfig())

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	assert.True(t, conn.Closed())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, d.Attempts())
	assert.Empty(t, m.Keys())

	_, err := m.Subscribe(context.Background(), "btcusdt@trade", func(string, json.RawMessage) {})
	assert.ErrorIs(t, err, core.ErrNotConnected)
}

func TestMultiplexer_ListSubscriptions(t *testing.T) {
	m, _, conn := openTest(t, testConfig())

	type listResult struct {
		keys []string
		err  error
	}
	res := make(chan listResult, 1)
	go func() {
		keys, err := m.ListSubscriptions(context.Background())
		res <- listResult{keys: keys, err: err}
	}()

	cmd := nextCommand(t, conn)
	assert.Equal(t, MethodListSubscriptions, cmd.Method)
	assert.Empty(t, cmd.Params)
	reply(conn, cmd.ID, `["btcusdt@trade","ethusdt@bookTicker"]`)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, []string{"btcusdt@trade", "ethusdt@bookTicker"}, r.keys)
}

func TestMultiplexer_Properties(t *testing.T) {
	m, _, conn := openTest(t, testConfig())

	done := make(chan error, 1)
	go func() { done <- m.SetProperty(context.Background(), "combined", true) }()
	cmd := nextCommand(t, conn)
	assert.Equal(t, MethodSetProperty, cmd.Method)
	assert.Equal(t, []any{"combined", true}, cmd.Params)
	reply(conn, cmd.ID, "null")
	require.NoError(t, <-done)

	type propResult struct {
		v   bool
		err error
	}
	res := make(chan propResult, 1)
	go func() {
		v, err := m.GetProperty(context.Background(), "combined")
		res <- propResult{v: v, err: err}
	}()
	cmd = nextCommand(t, conn)
	assert.Equal(t, MethodGetProperty, cmd.Method)
	reply(conn, cmd.ID, "true")

	r := <-res
	require.NoError(t, r.err)
	assert.True(t, r.v)
}

func TestMultiplexer_UnsubscribeAll(t *testing.T) {
	m, _, conn := openTest(t, testConfig())
	subscribeConfirmed(t, m, conn, "btcusdt@trade", func(string, json.RawMessage) {})

	done := make(chan error, 1)
	go func() { done <- m.UnsubscribeAll(context.Background()) }()

	cmd := nextCommand(t, conn)
	require.Equal(t, MethodListSubscriptions, cmd.Method)
	reply(conn, cmd.ID, `["btcusdt@trade","ethusdt@trade"]`)

	for _, want := range []string{"btcusdt@trade", "ethusdt@trade"} {
		cmd = nextCommand(t, conn)
		assert.Equal(t, MethodUnsubscribe, cmd.Method)
		assert.Equal(t, []any{want}, cmd.Params)
		reply(conn, cmd.ID, "null")
	}

	require.NoError(t, <-done)
	assert.Empty(t, m.Keys())
	assert.Zero(t, m.Metrics().Subscriptions)
}

func TestMultiplexer_HandlerPanicIsolated(t *testing.T) {
	m, _, conn := openTest(t, testConfig())

	var c collector
	subscribeConfirmed(t, m, conn, "btcusdt@trade", func(string, json.RawMessage) { panic("boom") })
	_, err := m.Subscribe(context.Background(), "btcusdt@trade", c.handle)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		conn.InjectString(`{"stream":"btcusdt@trade","data":1}`)
	})
	assert.Equal(t, []string{"btcusdt@trade 1"}, c.snapshot())
}

type countingThrottler struct {
	calls atomic.Int32
}

func (c *countingThrottler) ThrottleStream(context.Context, int) error {
	c.calls.Add(1)
	return nil
}

func TestMultiplexer_ThrottlesCommands(t *testing.T) {
	th := &countingThrottler{}
	m, _, conn := openTest(t, testConfig(), WithThrottler(th))

	id := subscribeConfirmed(t, m, conn, "btcusdt@trade", func(string, json.RawMessage) {})
	_, err := m.Subscribe(context.Background(), "btcusdt@trade", func(string, json.RawMessage) {})
	require.NoError(t, err)
	assert.Equal(t, int32(1), th.calls.Load())

	require.NoError(t, m.Unsubscribe(context.Background(), id))
	conn.NoSent(t, 20*time.Millisecond)
	assert.Equal(t, int32(1), th.calls.Load())
}

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"spotlink/internal/pool"
	"spotlink/internal/transport"
	"spotlink/internal/ws"
	"spotlink/pkg/core"
)

// ErrUnknownSubscription is returned by Unsubscribe for an id that is not
// registered.
var ErrUnknownSubscription = errors.New("unknown subscription")

// Handler receives the data payload of every frame for its key, in arrival
// order. It runs on the receive path and should return quickly.
type Handler func(key string, data json.RawMessage)

type subscription struct {
	id      int64
	handler Handler
}

type keyState struct {
	subs []subscription
}

type pendingRequest struct {
	id     int64
	method string
	signal *pool.Signal
	result json.RawMessage
	remote *RemoteError
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Multiplexer) {
		m.logger = l
	}
}

// WithThrottler paces every outbound command through t.
func WithThrottler(t Throttler) Option {
	return func(m *Multiplexer) {
		m.throttler = t
	}
}

// WithSignalOptions overrides the sizing of the pending-request handle pool.
func WithSignalOptions(opts pool.Options) Option {
	return func(m *Multiplexer) {
		m.signalOptions = opts
	}
}

type Multiplexer struct {
	config        Config
	client        *ws.Client
	throttler     Throttler
	signalOptions pool.Options
	signals       atomic.Pointer[pool.SignalPool]
	logger        zerolog.Logger
	metrics       *Metrics

	nextRequest      atomic.Int64
	nextSubscription atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest

	mu   sync.RWMutex
	keys map[string]*keyState
	subs map[int64]string

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// New builds a Multiplexer that connects through dialer.
func New(dialer transport.Dialer, config Config, opts ...Option) (*Multiplexer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Multiplexer{
		config:        config,
		signalOptions: pool.SignalOptions(),
		logger:        zerolog.Nop(),
		metrics:       &Metrics{},
		pending:       make(map[int64]*pendingRequest),
		keys:          make(map[string]*keyState),
		subs:          make(map[int64]string),
		locks:         make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.signalOptions.Validate(); err != nil {
		return nil, fmt.Errorf("invalid signal pool options: %w", err)
	}
	m.logger = m.logger.With().Str("component", "stream").Logger()

	m.client = ws.NewClient(dialer, config.wsConfig(), ws.Hooks{
		URL: func(context.Context) (string, error) {
			return config.URL, nil
		},
		OnMessage:    m.handleFrame,
		OnConnect:    m.onConnect,
		OnDisconnect: m.onDisconnect,
	})
	m.client.SetLogger(m.logger)
	return m, nil
}

// Open connects and starts the keepalive loop.
func (m *Multiplexer) Open(ctx context.Context) error {
	signals, err := pool.NewSignalPool(m.signalOptions)
	if err != nil {
		return fmt.Errorf("create signal pool: %w", err)
	}
	signals.SetLogger(m.logger)
	m.signals.Store(signals)

	if err := m.client.Open(ctx); err != nil {
		if p := m.signals.Swap(nil); p != nil {
			p.Close()
		}
		return fmt.Errorf("open stream: %w", err)
	}
	return nil
}

// Close stops reconnecting, closes the connection and drops every local
// subscription. Requests still waiting for a response time out on their own.
func (m *Multiplexer) Close() error {
	err := m.client.Close()

	m.mu.Lock()
	m.keys = make(map[string]*keyState)
	m.subs = make(map[int64]string)
	m.mu.Unlock()

	if p := m.signals.Swap(nil); p != nil {
		p.Close()
	}
	return err
}

func (m *Multiplexer) State() ConnState {
	return m.client.State()
}

// Subscribe registers handler under key and returns the subscription id.
// Only the first registration for a key waits for a remote confirmation.
func (m *Multiplexer) Subscribe(ctx context.Context, key string, handler Handler) (int64, error) {
	if key == "" || handler == nil {
		return 0, fmt.Errorf("subscribe: key and handler are required")
	}
	if !m.client.IsActive() {
		return 0, core.ErrNotConnected
	}

	unlock := m.lockKey(key)
	defer unlock()

	if id, ok := m.addHandler(key, handler, false); ok {
		return id, nil
	}

	if _, err := m.request(ctx, MethodSubscribe, key); err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", key, err)
	}

	id, _ := m.addHandler(key, handler, true)
	m.logger.Info().Str("key", key).Int64("subscription_id", id).Msg("stream subscribed")
	return id, nil
}

// addHandler registers handler when key is already tracked, or
// unconditionally when create is set.
func (m *Multiplexer) addHandler(key string, handler Handler, create bool) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks, ok := m.keys[key]
	if !ok {
		if !create {
			return 0, false
		}
		ks = &keyState{}
		m.keys[key] = ks
	}

	id := m.nextSubscription.Add(1)
	ks.subs = append(ks.subs, subscription{id: id, handler: handler})
	m.subs[id] = key
	return id, true
}

// Unsubscribe removes the registration. Removing the last registration for
// a key drops the key locally before the remote UNSUBSCRIBE is sent. Remote
// failures are logged and never returned.
func (m *Multiplexer) Unsubscribe(ctx context.Context, id int64) error {
	m.mu.RLock()
	key, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownSubscription
	}

	unlock := m.lockKey(key)
	defer unlock()

	last, ok := m.removeHandler(key, id)
	if !ok {
		return ErrUnknownSubscription
	}
	if last {
		m.unsubscribeRemote(ctx, key)
	}
	return nil
}

func (m *Multiplexer) removeHandler(key string, id int64) (last, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[id] != key {
		return false, false
	}
	delete(m.subs, id)

	ks := m.keys[key]
	if ks == nil {
		return false, true
	}
	ks.subs = slices.DeleteFunc(ks.subs, func(s subscription) bool { return s.id == id })
	if len(ks.subs) > 0 {
		return false, true
	}
	delete(m.keys, key)
	return true, true
}

func (m *Multiplexer) unsubscribeRemote(ctx context.Context, key string) {
	for attempt := 1; attempt <= m.config.UnsubscribeAttempts; attempt++ {
		if !m.client.IsActive() {
			m.logger.Warn().Str("key", key).Msg("not connected, skipping remote unsubscribe")
			return
		}

		_, err := m.request(ctx, MethodUnsubscribe, key)
		if err == nil {
			m.logger.Info().Str("key", key).Msg("stream unsubscribed")
			return
		}

		m.metrics.unsubscribeFailures.Add(1)
		m.logger.Error().Err(err).
			Str("key", key).
			Int("attempt", attempt).
			Msg("remote unsubscribe failed")
		if ctx.Err() != nil {
			return
		}
	}
}

// ListSubscriptions returns the keys the remote side has active.
func (m *Multiplexer) ListSubscriptions(ctx context.Context) ([]string, error) {
	raw, err := m.request(ctx, MethodListSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	var keys []string
	if err := sonic.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	return keys, nil
}

// SetProperty sets a connection property, e.g. "combined".
func (m *Multiplexer) SetProperty(ctx context.Context, name string, value bool) error {
	if _, err := m.request(ctx, MethodSetProperty, name, value); err != nil {
		return fmt.Errorf("set property %s: %w", name, err)
	}
	return nil
}

func (m *Multiplexer) GetProperty(ctx context.Context, name string) (bool, error) {
	raw, err := m.request(ctx, MethodGetProperty, name)
	if err != nil {
		return false, fmt.Errorf("get property %s: %w", name, err)
	}

	var v bool
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("decode property %s: %w", name, err)
	}
	return v, nil
}

// UnsubscribeAll unsubscribes every key the remote side reports and clears
// local bookkeeping. Individual remote failures are logged.
func (m *Multiplexer) UnsubscribeAll(ctx context.Context) error {
	keys, err := m.ListSubscriptions(ctx)
	if err != nil {
		return err
	}

	for _, key := range keys {
		unlock := m.lockKey(key)
		if _, err := m.request(ctx, MethodUnsubscribe, key); err != nil {
			m.metrics.unsubscribeFailures.Add(1)
			m.logger.Error().Err(err).Str("key", key).Msg("remote unsubscribe failed")
		}
		unlock()
	}

	m.mu.Lock()
	m.keys = make(map[string]*keyState)
	m.subs = make(map[int64]string)
	m.mu.Unlock()
	return nil
}

// Keys returns the locally tracked stream keys.
func (m *Multiplexer) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.keys))
	for k := range m.keys {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (m *Multiplexer) lockKey(key string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.locksMu.Unlock()
	}
}

// request sends one command and waits for its response. The pending entry
// is registered before the send and removed on every return path.
func (m *Multiplexer) request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	signals := m.signals.Load()
	if signals == nil {
		return nil, core.ErrNotConnected
	}

	if m.throttler != nil {
		if err := m.throttler.ThrottleStream(ctx, 1); err != nil {
			return nil, fmt.Errorf("throttle: %w", err)
		}
	}

	id := m.nextRequest.Add(1)
	payload, err := sonic.Marshal(command{Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	p := &pendingRequest{id: id, method: method, signal: signals.Get()}
	m.pendingMu.Lock()
	m.pending[id] = p
	m.pendingMu.Unlock()

	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
		signals.Put(p.signal)
	}()

	m.metrics.requests.Add(1)
	if err := m.client.Send(payload); err != nil {
		return nil, err
	}

	if err := p.signal.Wait(ctx, m.config.RequestTimeout); err != nil {
		if errors.Is(err, pool.ErrSignalTimeout) {
			m.metrics.timeouts.Add(1)
			return nil, core.NewTimeoutError(m.config.Exchange, method, m.config.RequestTimeout)
		}
		return nil, err
	}

	if p.remote != nil {
		return nil, core.NewExchangeError(m.config.Exchange, core.ErrorTypeBadRequest, 0, p.remote.Msg).
			WithCode(core.ErrCodeStreamRejected).
			WithCause(p.remote)
	}
	return p.result, nil
}

func (m *Multiplexer) handleFrame(data []byte) {
	if ws.IsPing(data) {
		m.metrics.pings.Add(1)
		return
	}

	f := classify(data)
	switch f.kind {
	case frameData:
		m.metrics.dataFrames.Add(1)
		m.dispatch(f.stream, f.data)
	case frameResponse:
		m.metrics.responseFrames.Add(1)
		m.resolve(f)
	default:
		m.metrics.errorFrames.Add(1)
		m.logger.Error().
			Str("reason", f.reason).
			Bytes("frame", truncate(data, 512)).
			Ints64("pending", m.pendingIDs()).
			Msg("unclassifiable stream frame")
	}
}

func (m *Multiplexer) dispatch(key string, data json.RawMessage) {
	m.mu.RLock()
	ks := m.keys[key]
	var subs []subscription
	if ks != nil {
		subs = slices.Clone(ks.subs)
	}
	m.mu.RUnlock()

	if len(subs) == 0 {
		m.metrics.unroutedFrames.Add(1)
		m.logger.Debug().Str("key", key).Msg("data frame for untracked key")
		return
	}

	for _, s := range subs {
		m.invoke(s, key, data)
	}
}

func (m *Multiplexer) invoke(s subscription, key string, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("key", key).
				Int64("subscription_id", s.id).
				Msg("subscription handler panicked")
		}
	}()
	s.handler(key, data)
}

func (m *Multiplexer) resolve(f frame) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	p, ok := m.pending[f.id]
	if !ok {
		m.metrics.unmatchedResponses.Add(1)
		m.logger.Error().
			Int64("id", f.id).
			Msg("response for unknown request")
		return
	}
	p.result = f.result
	p.remote = f.remote
	p.signal.Set()
}

func (m *Multiplexer) pendingIDs() []int64 {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	ids := make([]int64, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Multiplexer) onDisconnect(err error) {
	m.logger.Warn().Err(err).
		Int("keys", len(m.Keys())).
		Ints64("pending", m.pendingIDs()).
		Msg("market stream dropped, reconnecting")
}

// onConnect subscribes every tracked key again after a reconnect. Keys
// whose restore fails stay tracked and are retried on the next reconnect.
func (m *Multiplexer) onConnect(ctx context.Context, restored bool) {
	if !restored {
		return
	}

	keys := m.Keys()
	m.logger.Info().Int("keys", len(keys)).Msg("restoring subscriptions")

	for _, key := range keys {
		if ctx.Err() != nil || !m.client.IsActive() {
			return
		}

		unlock := m.lockKey(key)
		m.mu.RLock()
		_, tracked := m.keys[key]
		m.mu.RUnlock()

		if tracked {
			if _, err := m.request(ctx, MethodSubscribe, key); err != nil {
				m.logger.Error().Err(err).Str("key", key).Msg("restore subscription failed")
			} else {
				m.metrics.restored.Add(1)
			}
		}
		unlock()
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Metrics tracks multiplexer traffic.
type Metrics struct {
	requests            atomic.Int64
	timeouts            atomic.Int64
	dataFrames          atomic.Int64
	responseFrames      atomic.Int64
	errorFrames         atomic.Int64
	pings               atomic.Int64
	unmatchedResponses  atomic.Int64
	unroutedFrames      atomic.Int64
	unsubscribeFailures atomic.Int64
	restored            atomic.Int64
}

// MetricsSnapshot is a point-in-time capture of multiplexer statistics.
type MetricsSnapshot struct {
	Requests            int64
	Timeouts            int64
	DataFrames          int64
	ResponseFrames      int64
	ErrorFrames         int64
	Pings               int64
	UnmatchedResponses  int64
	UnroutedFrames      int64
	UnsubscribeFailures int64
	// Restored counts keys subscribed again after reconnects.
	Restored      int64
	Keys          int
	Subscriptions int
	Pending       int
	Connection    ws.Stats
}

func (m *Multiplexer) Metrics() MetricsSnapshot {
	m.mu.RLock()
	keys, subs := len(m.keys), len(m.subs)
	m.mu.RUnlock()

	m.pendingMu.Lock()
	pending := len(m.pending)
	m.pendingMu.Unlock()

	return MetricsSnapshot{
		Requests:            m.metrics.requests.Load(),
		Timeouts:            m.metrics.timeouts.Load(),
		DataFrames:          m.metrics.dataFrames.Load(),
		ResponseFrames:      m.metrics.responseFrames.Load(),
		ErrorFrames:         m.metrics.errorFrames.Load(),
		Pings:               m.metrics.pings.Load(),
		UnmatchedResponses:  m.metrics.unmatchedResponses.Load(),
		UnroutedFrames:      m.metrics.unroutedFrames.Load(),
		UnsubscribeFailures: m.metrics.unsubscribeFailures.Load(),
		Restored:            m.metrics.restored.Load(),
		Keys:                keys,
		Subscriptions:       subs,
		Pending:             pending,
		Connection:          m.client.Stats(),
	}
}

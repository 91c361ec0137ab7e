package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"spotlink/internal/transport"
	"spotlink/pkg/core"
)

// ErrAlreadyOpen is returned by Open on a client that is not Closed.
var ErrAlreadyOpen = errors.New("connection already open")

var errDroppedWhileDialing = errors.New("connection dropped before it became active")

// Config holds connection lifecycle settings.
type Config struct {
	DialTimeout time.Duration
	// ReconnectStep is the delay added per consecutive failed attempt.
	ReconnectStep time.Duration
	// ReconnectMax caps the reconnect delay.
	ReconnectMax time.Duration
	// PongInterval is how often an unsolicited pong is sent. Zero disables it.
	PongInterval time.Duration
}

// Hooks connect a Client to the protocol layered on top of it.
type Hooks struct {
	// URL returns the address for the next dial. It is called before every
	// attempt, so it may change between connections.
	URL func(ctx context.Context) (string, error)
	// OnMessage receives every inbound frame in arrival order.
	OnMessage func(data []byte)
	// OnConnect runs after the client becomes Active. restored is false for
	// the connection made by Open and true after a reconnect.
	OnConnect func(ctx context.Context, restored bool)
	// OnDisconnect runs when an Active connection drops unexpectedly.
	OnDisconnect func(err error)
}

// ReconnectDelay returns the wait before reconnect attempt n (1-based):
// n*step, capped at max.
func ReconnectDelay(attempt int, step, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * step
	if d > max || d < 0 {
		return max
	}
	return d
}

// Client keeps one logical connection alive, reconnecting with a linear
// backoff after unexpected drops.
type Client struct {
	config Config
	dialer transport.Dialer
	hooks  Hooks
	state  *State
	logger zerolog.Logger

	mu     sync.RWMutex
	conn   transport.Conn
	ctx    context.Context
	cancel context.CancelFunc

	generation atomic.Uint64
	dropped    chan struct{}

	// dialMu orders a drop seen mid-dial against the move to Active.
	dialMu    sync.Mutex
	earlyDrop uint64
	wg         sync.WaitGroup

	reconnects  atomic.Int64
	messagesIn  atomic.Int64
	messagesOut atomic.Int64
}

func NewClient(dialer transport.Dialer, config Config, hooks Hooks) *Client {
	c := &Client{
		config: config,
		dialer: dialer,
		hooks:  hooks,
		state:  &State{},
		logger: zerolog.Nop(),
	}
	c.state.Store(StateClosed)
	return c
}

// SetLogger configures the logger for the client.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func (c *Client) State() ConnState {
	return c.state.Load()
}

func (c *Client) IsActive() bool {
	return c.state.Load() == StateActive
}

// Context is cancelled when Close is called. It is nil before Open.
func (c *Client) Context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// Open dials the first connection. It fails unless the client is Closed.
func (c *Client) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(StateClosed, StateConnecting) {
		return fmt.Errorf("open while %s: %w", c.state.Load(), ErrAlreadyOpen)
	}

	lifecycle, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ctx = lifecycle
	c.cancel = cancel
	c.dropped = make(chan struct{}, 1)
	c.mu.Unlock()

	c.dialMu.Lock()
	c.earlyDrop = 0
	c.dialMu.Unlock()

	if err := c.connect(ctx); err != nil {
		cancel()
		c.state.CompareAndSwap(StateConnecting, StateClosed)
		return err
	}

	activated, droppedEarly := c.activate(StateConnecting)
	if !activated {
		_ = c.closeConn()
		return core.ErrStreamClosed
	}

	c.wg.Go(c.supervise)
	if c.config.PongInterval > 0 {
		c.wg.Go(c.pongLoop)
	}

	if droppedEarly {
		c.markDropped(errDroppedWhileDialing)
		return nil
	}

	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(lifecycle, false)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	if c.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.DialTimeout)
		defer cancel()
	}

	url, err := c.hooks.URL(ctx)
	if err != nil {
		return fmt.Errorf("resolve url: %w", err)
	}

	h := &connHandler{client: c, generation: c.generation.Add(1)}
	conn, err := c.dialer.Dial(ctx, url, h)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().Str("conn_id", conn.ID()).Msg("stream connected")
	return nil
}

type connHandler struct {
	client     *Client
	generation uint64
}

func (h *connHandler) OnMessage(data []byte) {
	if h.generation != h.client.generation.Load() {
		return
	}
	h.client.messagesIn.Add(1)
	if h.client.hooks.OnMessage != nil {
		h.client.hooks.OnMessage(data)
	}
}

// activate moves the client from the dialing state to Active. droppedEarly
// reports that the new connection closed before the move.
func (c *Client) activate(from ConnState) (activated, droppedEarly bool) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	if !c.state.CompareAndSwap(from, StateActive) {
		return false, false
	}
	droppedEarly = c.earlyDrop != 0 && c.earlyDrop == c.generation.Load()
	c.earlyDrop = 0
	return true, droppedEarly
}

func (h *connHandler) OnDisconnect(err error) {
	c := h.client
	if h.generation != c.generation.Load() {
		return
	}

	c.dialMu.Lock()
	s := c.state.Load()
	if s == StateConnecting || s == StateReconnecting {
		c.earlyDrop = h.generation
	}
	c.dialMu.Unlock()

	if s == StateActive {
		c.markDropped(err)
	}
}

// markDropped moves an Active client to Reconnecting and wakes the
// supervisor.
func (c *Client) markDropped(err error) {
	if !c.state.CompareAndSwap(StateActive, StateReconnecting) {
		return
	}

	c.logger.Warn().Err(err).Msg("stream disconnected")
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(err)
	}

	c.mu.RLock()
	dropped := c.dropped
	c.mu.RUnlock()
	select {
	case dropped <- struct{}{}:
	default:
	}
}

func (c *Client) supervise() {
	c.mu.RLock()
	ctx, dropped := c.ctx, c.dropped
	c.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dropped:
		}
		c.reconnect(ctx)
	}
}

func (c *Client) reconnect(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		wait := ReconnectDelay(attempt, c.config.ReconnectStep, c.config.ReconnectMax)
		c.logger.Info().
			Dur("wait", wait).
			Int("attempt", attempt).
			Msg("attempting reconnect")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Error().Err(err).
				Int("attempt", attempt).
				Msg("reconnect failed")
			continue
		}

		activated, droppedEarly := c.activate(StateReconnecting)
		if !activated {
			_ = c.closeConn()
			return
		}
		if droppedEarly {
			c.markDropped(errDroppedWhileDialing)
			return
		}
		c.reconnects.Add(1)
		c.logger.Info().Int("attempts", attempt).Msg("reconnected successfully")

		if c.hooks.OnConnect != nil {
			c.hooks.OnConnect(ctx, true)
		}
		return
	}
}

func (c *Client) pongLoop() {
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	ticker := time.NewTicker(c.config.PongInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.IsActive() {
			continue
		}
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			continue
		}
		if err := conn.Pong(); err != nil {
			c.logger.Debug().Err(err).Msg("send pong failed")
		}
	}
}

// Send writes one frame on the current connection.
func (c *Client) Send(data []byte) error {
	if c.state.Load() != StateActive {
		return core.ErrNotConnected
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return core.ErrNotConnected
	}

	if err := conn.Send(data); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	c.messagesOut.Add(1)
	return nil
}

// Redial drops the current connection. The client then reconnects the same
// way it does after a remote drop, asking Hooks.URL for a fresh address.
func (c *Client) Redial() error {
	if !c.IsActive() {
		return core.ErrNotConnected
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return core.ErrNotConnected
	}

	c.logger.Info().Str("conn_id", conn.ID()).Msg("redialing stream")
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// Close tears the connection down and stops reconnecting. It is a no-op on
// a client that is already closed.
func (c *Client) Close() error {
	for {
		s := c.state.Load()
		if s == StateClosed || s == StateClosing {
			return nil
		}
		if c.state.CompareAndSwap(s, StateClosing) {
			break
		}
	}

	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	err := c.closeConn()
	c.wg.Wait()
	c.state.Store(StateClosed)

	c.logger.Info().Msg("stream closed")
	return err
}

func (c *Client) closeConn() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// Stats is a point-in-time view of the client.
type Stats struct {
	State       string
	ConnID      string
	Reconnects  int64
	MessagesIn  int64
	MessagesOut int64
}

func (c *Client) Stats() Stats {
	s := Stats{
		State:       c.State().String(),
		Reconnects:  c.reconnects.Load(),
		MessagesIn:  c.messagesIn.Load(),
		MessagesOut: c.messagesOut.Load(),
	}
	c.mu.RLock()
	if c.conn != nil {
		s.ConnID = c.conn.ID()
	}
	c.mu.RUnlock()
	return s
}

// Package userdata keeps a user-data session stream open.
//
// The stream is addressed by a listen key obtained over REST. The key is
// renewed on a fixed cadence while the stream runs and replaced when the
// server no longer knows it. Every reconnect first tries to renew the
// current key and falls back to a new one.
package userdata

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"spotlink/internal/transport"
	"spotlink/internal/ws"
	"spotlink/pkg/core"
)

// DefaultURL is the raw-stream endpoint listen keys are appended to.
const DefaultURL = "wss://stream.binance.com:9443/ws"

// ListenKeyAPI manages listen keys over REST.
type ListenKeyAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// Handler receives every decoded event in arrival order.
type Handler func(Event)

type Config struct {
	Exchange      string        `validate:"required"`
	BaseURL       string        `validate:"required,url"`
	DialTimeout   time.Duration `validate:"min=0"`
	PongInterval  time.Duration `validate:"min=0"`
	ReconnectStep time.Duration `validate:"gt=0"`
	ReconnectMax  time.Duration `validate:"gtefield=ReconnectStep"`
	// RenewInterval is the listen-key keepalive cadence.
	RenewInterval time.Duration `validate:"gt=0"`
	// CallTimeout bounds each listen-key REST call made from the renew loop
	// and from Close.
	CallTimeout time.Duration `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		Exchange:      "binance",
		BaseURL:       DefaultURL,
		DialTimeout:   10 * time.Second,
		PongInterval:  3 * time.Minute,
		ReconnectStep: time.Second,
		ReconnectMax:  15 * time.Second,
		RenewInterval: 30 * time.Minute,
		CallTimeout:   10 * time.Second,
	}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

type registeredHandler struct {
	id uint64
	fn Handler
}

type Stream struct {
	config Config
	api    ListenKeyAPI
	client *ws.Client
	logger zerolog.Logger

	keyMu sync.Mutex
	key   string

	handlersMu sync.RWMutex
	handlers   []registeredHandler
	nextID     uint64

	activeMu sync.Mutex
	activeCh chan struct{}
	closedCh chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	events        atomic.Int64
	dropped       atomic.Int64
	pings         atomic.Int64
	renewals      atomic.Int64
	renewFailures atomic.Int64
	keysCreated   atomic.Int64
}

// New builds a Stream that obtains listen keys from api and connects
// through dialer.
func New(api ListenKeyAPI, dialer transport.Dialer, config Config) (*Stream, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if api == nil {
		return nil, errors.New("listen key api is required")
	}

	s := &Stream{
		config:   config,
		api:      api,
		logger:   zerolog.Nop(),
		activeCh: make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	s.client = ws.NewClient(dialer, ws.Config{
		DialTimeout:   config.DialTimeout,
		ReconnectStep: config.ReconnectStep,
		ReconnectMax:  config.ReconnectMax,
		PongInterval:  config.PongInterval,
	}, ws.Hooks{
		URL:          s.dialURL,
		OnMessage:    s.handleMessage,
		OnConnect:    s.onConnect,
		OnDisconnect: s.onDisconnect,
	})
	return s, nil
}

// SetLogger configures the logger for the stream.
func (s *Stream) SetLogger(logger zerolog.Logger) {
	s.logger = logger.With().Str("component", "userdata").Logger()
	s.client.SetLogger(s.logger)
}

func (s *Stream) State() ws.ConnState {
	return s.client.State()
}

// ListenKey returns the key of the current session, empty when none exists.
func (s *Stream) ListenKey() string {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return s.key
}

// Open creates a listen key, connects and starts the renew loop. A closed
// Stream cannot be opened again.
func (s *Stream) Open(ctx context.Context) error {
	select {
	case <-s.closedCh:
		return core.ErrStreamClosed
	default:
	}

	if err := s.client.Open(ctx); err != nil {
		return fmt.Errorf("open user data stream: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Go(func() { s.renewLoop(loopCtx) })
	return nil
}

// Close stops the loops, closes the connection and releases the listen key.
// A failed release is logged.
func (s *Stream) Close(ctx context.Context) error {
	err := s.client.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.activeMu.Lock()
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
	s.activeMu.Unlock()

	s.keyMu.Lock()
	key := s.key
	s.key = ""
	s.keyMu.Unlock()

	if key != "" {
		callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
		if cerr := s.api.CloseListenKey(callCtx, key); cerr != nil {
			s.logger.Error().Err(cerr).Msg("release listen key failed")
		}
	}
	return err
}

// AddHandler registers h and returns a func that removes it.
func (s *Stream) AddHandler(h Handler) (remove func()) {
	s.handlersMu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, registeredHandler{id: id, fn: h})
	s.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.handlersMu.Lock()
			defer s.handlersMu.Unlock()
			s.handlers = slices.DeleteFunc(s.handlers, func(r registeredHandler) bool { return r.id == id })
		})
	}
}

// WaitActive blocks until the stream is Active. It fails with
// core.ErrStreamClosed once Close has been called.
func (s *Stream) WaitActive(ctx context.Context) error {
	for {
		if s.client.IsActive() {
			return nil
		}

		s.activeMu.Lock()
		ch := s.activeCh
		s.activeMu.Unlock()

		select {
		case <-ch:
		case <-s.closedCh:
			return core.ErrStreamClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dialURL renews the current listen key, or creates a new one when there
// is none or the renewal fails, and returns the address to dial.
func (s *Stream) dialURL(ctx context.Context) (string, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	if s.key != "" {
		err := s.api.KeepAliveListenKey(ctx, s.key)
		if err == nil {
			s.renewals.Add(1)
			return s.config.BaseURL + "/" + s.key, nil
		}
		s.renewFailures.Add(1)
		s.logger.Warn().Err(err).Msg("renew before reconnect failed, creating new listen key")
		s.key = ""
	}

	key, err := s.api.CreateListenKey(ctx)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	s.key = key
	s.keysCreated.Add(1)
	s.logger.Info().Msg("listen key created")
	return s.config.BaseURL + "/" + key, nil
}

func (s *Stream) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.renew(ctx)
	}
}

func (s *Stream) renew(ctx context.Context) {
	s.keyMu.Lock()
	key := s.key
	s.keyMu.Unlock()
	if key == "" {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	err := s.api.KeepAliveListenKey(callCtx, key)
	cancel()
	if err == nil {
		s.renewals.Add(1)
		s.logger.Debug().Msg("listen key renewed")
		return
	}

	s.renewFailures.Add(1)
	if !isUnknownKey(err) {
		s.logger.Error().Err(err).Msg("renew listen key failed")
		return
	}

	s.logger.Warn().Err(err).Msg("listen key unknown to server, reconnecting with a new one")
	s.replaceKey(key)
}

// replaceKey forgets stale and redials so the next dial creates a new key.
func (s *Stream) replaceKey(stale string) {
	s.keyMu.Lock()
	if s.key == stale {
		s.key = ""
	}
	s.keyMu.Unlock()

	if err := s.client.Redial(); err != nil {
		s.logger.Debug().Err(err).Msg("redial skipped")
	}
}

func isUnknownKey(err error) bool {
	var e *core.ExchangeError
	return errors.As(err, &e) && e.Type == core.ErrorTypeNotFound
}

func (s *Stream) handleMessage(data []byte) {
	if ws.IsPing(data) {
		s.pings.Add(1)
		return
	}

	ev, err := Decode(data)
	if err != nil {
		s.dropped.Add(1)
		if errors.Is(err, ErrUnknownEvent) {
			s.logger.Debug().Err(err).Msg("dropping user data event")
		} else {
			s.logger.Error().Err(err).Bytes("frame", data).Msg("malformed user data event")
		}
		return
	}
	s.events.Add(1)

	if exp, ok := ev.(*ListenKeyExpired); ok {
		s.logger.Warn().Msg("listen key expired")
		s.keyMu.Lock()
		stale := s.key
		s.keyMu.Unlock()
		if exp.ListenKey == "" || exp.ListenKey == stale {
			go s.replaceKey(stale)
		}
	}

	s.handlersMu.RLock()
	handlers := slices.Clone(s.handlers)
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		s.invoke(h, ev)
	}
}

func (s *Stream) invoke(h registeredHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("event", ev.Header().Type).
				Msg("user data handler panicked")
		}
	}()
	h.fn(ev)
}

func (s *Stream) onConnect(context.Context, bool) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	select {
	case <-s.activeCh:
	default:
		close(s.activeCh)
	}
}

func (s *Stream) onDisconnect(err error) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	select {
	case <-s.activeCh:
		s.activeCh = make(chan struct{})
	default:
	}
}

// Stats reports stream counters.
type Stats struct {
	Events        int64
	Dropped       int64
	Pings         int64
	Renewals      int64
	RenewFailures int64
	KeysCreated   int64
	Connection    ws.Stats
}

func (s *Stream) Stats() Stats {
	return Stats{
		Events:        s.events.Load(),
		Dropped:       s.dropped.Load(),
		Pings:         s.pings.Load(),
		Renewals:      s.renewals.Load(),
		RenewFailures: s.renewFailures.Load(),
		KeysCreated:   s.keysCreated.Load(),
		Connection:    s.client.Stats(),
	}
}

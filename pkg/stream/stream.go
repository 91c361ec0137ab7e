// Package stream multiplexes many logical market-data subscriptions over one
// combined-stream connection.
//
// Subscriptions are reference counted per stream key: the first Subscribe for
// a key sends a remote SUBSCRIBE and waits for its confirmation, later ones
// only add a local handler. The remote UNSUBSCRIBE is sent when the last
// handler for a key is removed. After a dropped connection every tracked key
// is subscribed again on the new one.
package stream

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"spotlink/internal/ws"
)

// DefaultURL is the combined-stream endpoint.
const DefaultURL = "wss://stream.binance.com:9443/stream"

type ConnState = ws.ConnState

const (
	StateClosed       = ws.StateClosed
	StateConnecting   = ws.StateConnecting
	StateActive       = ws.StateActive
	StateReconnecting = ws.StateReconnecting
	StateClosing      = ws.StateClosing
)

// Throttler paces outbound stream commands.
type Throttler interface {
	ThrottleStream(ctx context.Context, weight int) error
}

type Config struct {
	Exchange string `validate:"required"`
	URL      string `validate:"required,url"`
	// RequestTimeout bounds the wait for a command response.
	RequestTimeout time.Duration `validate:"gt=0"`
	DialTimeout    time.Duration `validate:"min=0"`
	PongInterval   time.Duration `validate:"min=0"`
	ReconnectStep  time.Duration `validate:"gt=0"`
	ReconnectMax   time.Duration `validate:"gtefield=ReconnectStep"`
	// UnsubscribeAttempts is how many times a failed remote UNSUBSCRIBE is
	// sent while the connection stays active.
	UnsubscribeAttempts int `validate:"min=1"`
}

func DefaultConfig() Config {
	return Config{
		Exchange:            "binance",
		URL:                 DefaultURL,
		RequestTimeout:      10 * time.Second,
		DialTimeout:         10 * time.Second,
		PongInterval:        3 * time.Minute,
		ReconnectStep:       time.Second,
		ReconnectMax:        15 * time.Second,
		UnsubscribeAttempts: 3,
	}
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

func (c Config) wsConfig() ws.Config {
	return ws.Config{
		DialTimeout:   c.DialTimeout,
		ReconnectStep: c.ReconnectStep,
		ReconnectMax:  c.ReconnectMax,
		PongInterval:  c.PongInterval,
	}
}

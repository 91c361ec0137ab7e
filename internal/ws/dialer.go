package ws

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lxzan/gws"
	"github.com/rs/zerolog"

	"spotlink/internal/transport"
)

// Dialer opens gws client connections.
type Dialer struct {
	// HandshakeTimeout bounds the HTTP upgrade. Zero uses the ctx deadline
	// or the gws default.
	HandshakeTimeout time.Duration
	logger           zerolog.Logger
}

func NewDialer() *Dialer {
	return &Dialer{logger: zerolog.Nop()}
}

func (d *Dialer) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

type contextDialer struct {
	ctx context.Context
	net.Dialer
}

func (d *contextDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(d.ctx, network, addr)
}

// Dial connects to url and starts the read loop. Events for the connection
// are delivered to h from the read loop goroutine.
func (d *Dialer) Dial(ctx context.Context, url string, h transport.Handler) (transport.Conn, error) {
	timeout := d.HandshakeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout == 0 || remaining < timeout {
			timeout = remaining
		}
	}

	c := &conn{
		id:      uuid.NewString(),
		handler: h,
		logger:  d.logger,
	}

	socket, _, err := gws.NewClient(c, &gws.ClientOption{
		Addr:             url,
		HandshakeTimeout: timeout,
		NewDialer: func() (gws.Dialer, error) {
			return &contextDialer{ctx: ctx}, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	c.socket = socket
	c.logger = d.logger.With().Str("conn_id", c.id).Logger()

	go socket.ReadLoop()

	c.logger.Debug().Str("url", url).Msg("websocket connected")
	return c, nil
}

type conn struct {
	id      string
	socket  *gws.Conn
	handler transport.Handler
	logger  zerolog.Logger
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) Send(data []byte) error {
	return c.socket.WriteMessage(gws.OpcodeText, data)
}

func (c *conn) Pong() error {
	return c.socket.WritePong(nil)
}

func (c *conn) Close() error {
	return c.socket.NetConn().Close()
}

func (c *conn) OnOpen(socket *gws.Conn) {}

func (c *conn) OnClose(socket *gws.Conn, err error) {
	c.logger.Debug().Err(err).Msg("websocket closed")
	c.handler.OnDisconnect(err)
}

func (c *conn) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (c *conn) OnPong(socket *gws.Conn, payload []byte) {}

func (c *conn) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	data := message.Bytes()
	if len(data) == 0 {
		return
	}
	c.handler.OnMessage(append([]byte(nil), data...))
}

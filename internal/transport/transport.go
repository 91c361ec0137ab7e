// Package transport defines the minimal socket surface the stream clients
// are written against, so the gws-backed implementation can be swapped for
// an in-memory one in tests.
package transport

import "context"

// Handler receives events for one connection. Calls for a connection are
// made from a single goroutine, in arrival order.
type Handler interface {
	OnMessage(data []byte)
	// OnDisconnect is called once when the connection ends, for any reason.
	OnDisconnect(err error)
}

// Conn is one established connection.
type Conn interface {
	ID() string
	// Send writes one text frame.
	Send(data []byte) error
	// Pong writes an unsolicited pong control frame.
	Pong() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, h Handler) (Conn, error)
}

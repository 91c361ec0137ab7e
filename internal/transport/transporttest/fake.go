// Package transporttest provides an in-memory transport.Dialer for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"spotlink/internal/transport"
)

// ErrClosed is returned by Send and Pong on a closed fake connection.
var ErrClosed = errors.New("fake connection closed")

// Dialer hands out fake connections and records every dial.
type Dialer struct {
	mu       sync.Mutex
	conns    []*Conn
	urls     []string
	failN    int
	failErr  error
	dropN    int
	dialed   chan *Conn
	attempts int
}

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 64)}
}

// DropOnDial makes the next n successful dials end their connection before
// Dial returns, the way a server that closes right after the handshake does.
func (d *Dialer) DropOnDial(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropN = n
}

// FailNext makes the next n dials fail with err.
func (d *Dialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failN = n
	d.failErr = err
}

func (d *Dialer) Dial(ctx context.Context, url string, h transport.Handler) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.attempts++
	d.urls = append(d.urls, url)
	if d.failN > 0 {
		d.failN--
		err := d.failErr
		d.mu.Unlock()
		return nil, err
	}
	c := &Conn{
		id:      fmt.Sprintf("fake-%d", len(d.conns)+1),
		url:     url,
		handler: h,
		sentCh:  make(chan []byte, 256),
	}
	d.conns = append(d.conns, c)
	drop := d.dropN > 0
	if drop {
		d.dropN--
	}
	d.mu.Unlock()

	if drop {
		c.Drop(errors.New("closed during handshake"))
	}

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Attempts returns the number of Dial calls, failed ones included.
func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// URLs returns the URL of every Dial call in order.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent successful connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// NextConn waits for the next successful dial.
func (d *Dialer) NextConn(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection dialed")
		return nil
	}
}

// Conn is a fake connection. Inject and Drop act as the remote side.
type Conn struct {
	id      string
	url     string
	handler transport.Handler

	mu     sync.Mutex
	sent   [][]byte
	pongs  int
	closed bool
	sentCh chan []byte
}

func (c *Conn) ID() string  { return c.id }
func (c *Conn) URL() string { return c.url }

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	frame := append([]byte(nil), data...)
	c.sent = append(c.sent, frame)
	select {
	case c.sentCh <- frame:
	default:
	}
	return nil
}

func (c *Conn) Pong() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.pongs++
	return nil
}

// Close marks the connection closed and reports the disconnect the way a
// real read loop would, from another goroutine.
func (c *Conn) Close() error {
	if !c.markClosed() {
		return nil
	}
	go c.handler.OnDisconnect(nil)
	return nil
}

// Drop simulates the remote side ending the connection.
func (c *Conn) Drop(err error) {
	if !c.markClosed() {
		return
	}
	c.handler.OnDisconnect(err)
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Inject delivers data as if it had been read from the socket.
func (c *Conn) Inject(data []byte) {
	c.handler.OnMessage(data)
}

func (c *Conn) InjectString(s string) {
	c.Inject([]byte(s))
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *Conn) Pongs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pongs
}

// NextSent waits for the next frame written to the connection.
func (c *Conn) NextSent(t testing.TB) []byte {
	t.Helper()
	select {
	case f := <-c.sentCh:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame sent on %s", c.id)
		return nil
	}
}

// NoSent asserts nothing is written within d.
func (c *Conn) NoSent(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.sentCh:
		t.Fatalf("unexpected frame on %s: %s", c.id, f)
	case <-time.After(d):
	}
}

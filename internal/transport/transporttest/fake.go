// Package transporttest provides an in-memory Dialer and Conn for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aitestlab/monitor/internal/transport"
)

// Conn is an in-memory transport.Conn. Push delivers server frames; Sent
// returns frames written by the client.
type Conn struct {
	in     chan transport.Message
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []transport.Message
}

// NewConn creates an open connection.
func NewConn() *Conn {
	return &Conn{
		in:     make(chan transport.Message, 64),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() (transport.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return transport.Message{}, net.ErrClosed
	}
}

func (c *Conn) WriteMessage(msg transport.Message) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push queues a server event with data marshaled as JSON.
func (c *Conn) Push(event string, data interface{}) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case string:
		raw = json.RawMessage(v)
	case json.RawMessage:
		raw = v
	default:
		raw, _ = json.Marshal(v)
	}
	c.in <- transport.Message{Event: event, Data: raw}
}

// Sent returns a copy of the frames written so far.
func (c *Conn) Sent() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentEvents returns the frames written for event.
func (c *Conn) SentEvents(event string) []transport.Message {
	var out []transport.Message
	for _, m := range c.Sent() {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Dialer hands out Conns. Fail makes the next n dials return an error.
type Dialer struct {
	mu      sync.Mutex
	fail    int
	urls    []string
	headers []http.Header
	conns   chan *Conn
}

// NewDialer creates a dialer that succeeds by default.
func NewDialer() *Dialer {
	return &Dialer{conns: make(chan *Conn, 16)}
}

// ErrDialRefused is returned by failing dials.
var ErrDialRefused = errors.New("connection refused")

// Fail makes the next n dials fail.
func (d *Dialer) Fail(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header.Clone())
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return nil, ErrDialRefused
	}
	d.mu.Unlock()

	c := NewConn()
	select {
	case d.conns <- c:
	default:
	}
	return c, nil
}

// Dials returns how many dials were attempted.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// LastDial returns the URL and header of the most recent dial.
func (d *Dialer) LastDial() (string, http.Header) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return "", nil
	}
	return d.urls[len(d.urls)-1], d.headers[len(d.headers)-1]
}

// NextConn waits for the next successful dial.
func (d *Dialer) NextConn(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

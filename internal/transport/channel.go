package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Lifecycle events fanned out to channel subscribers.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Handler receives the data of one event.
type Handler func(data json.RawMessage)

type listener struct {
	id uint64
	fn Handler
}

// ErrorPayload is the data of a connect_error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Channel is one named logical connection to the backend. It dials in the
// background and reconnects a bounded number of times with a fixed delay.
// All handlers of a channel run on its reader goroutine, in arrival order.
type Channel struct {
	name     string
	url      string
	header   http.Header
	dialer   Dialer
	attempts int
	delay    time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    uint64
	conn      Conn
	connected bool
	lastErr   error

	send   chan Message
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newChannel(name, url string, header http.Header, opts Options, logger *zap.Logger) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		name:      name,
		url:       url,
		header:    header,
		dialer:    opts.Dialer,
		attempts:  opts.ReconnectAttempts,
		delay:     opts.ReconnectDelay,
		logger:    logger.With(zap.String("channel", name)),
		listeners: make(map[string][]listener),
		send:      make(chan Message, opts.SendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastError returns the most recent connection error, if any.
func (c *Channel) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// On subscribes fn to event and returns an idempotent unsubscribe func.
func (c *Channel) On(event string, fn Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[event] = append(c.listeners[event], listener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.off(event, id) })
	}
}

func (c *Channel) off(event string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls := c.listeners[event]
	for i, l := range ls {
		if l.id == id {
			c.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(c.listeners[event]) == 0 {
		delete(c.listeners, event)
	}
}

// Emit queues payload for delivery. It returns false when the channel is
// closed or the outbound buffer is full.
func (c *Channel) Emit(event string, payload interface{}) bool {
	if c.ctx.Err() != nil {
		c.logger.Warn("emit on closed channel", zap.String("event", event))
		return false
	}
	data, err := encodePayload(payload)
	if err != nil {
		c.logger.Error("encode payload", zap.String("event", event), zap.Error(err))
		return false
	}
	select {
	case c.send <- Message{Event: event, Data: data}:
		return true
	default:
		c.logger.Warn("outbound buffer full, dropping event", zap.String("event", event))
		return false
	}
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.RLock()
	ls := make([]listener, len(c.listeners[event]))
	copy(ls, c.listeners[event])
	c.mu.RUnlock()

	for _, l := range ls {
		c.invoke(event, l.fn, data)
	}
}

func (c *Channel) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn(data)
}

func (c *Channel) start() {
	go c.run()
}

func (c *Channel) run() {
	defer close(c.done)
	failures := 0
	for {
		conn, err := c.dialer.Dial(c.ctx, c.url, c.header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			c.setError(err)
			c.logger.Warn("connection error", zap.Int("failures", failures), zap.Error(err))
			c.dispatch(EventConnectError, mustJSON(ErrorPayload{Message: err.Error()}))
			if failures > c.attempts {
				c.logger.Error("reconnection attempts exhausted", zap.Int("attempts", c.attempts))
				return
			}
			if !c.wait() {
				return
			}
			continue
		}
		if !c.setConn(conn) {
			_ = conn.Close()
			return
		}
		failures = 0
		c.logger.Info("channel connected")
		c.dispatch(EventConnect, nil)

		reason := c.serve(conn)
		c.clearConn()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info("channel disconnected", zap.String("reason", reason))
		c.dispatch(EventDisconnect, mustJSON(reason))
		if c.attempts == 0 || !c.wait() {
			return
		}
	}
}

// serve pumps one connection until it fails and returns the disconnect reason.
func (c *Channel) serve(conn Conn) string {
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			case msg := <-c.send:
				if err := conn.WriteMessage(msg); err != nil {
					c.logger.Warn("write failed", zap.String("event", msg.Event), zap.Error(err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	var reason string
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			reason = "transport close"
			if !errors.Is(err, context.Canceled) {
				reason = err.Error()
			}
			break
		}
		c.dispatch(msg.Event, msg.Data)
	}
	close(stop)
	_ = conn.Close()
	<-writerDone
	return reason
}

func (c *Channel) wait() bool {
	t := time.NewTimer(c.delay)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Channel) setConn(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	c.conn = conn
	c.connected = true
	c.lastErr = nil
	return true
}

func (c *Channel) clearConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.connected = false
}

func (c *Channel) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.connected = false
}

// close disconnects and waits for the channel goroutines to stop.
func (c *Channel) close() {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.listeners = make(map[string][]listener)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-c.done
	c.clearConn()
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

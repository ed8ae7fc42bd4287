package transport

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Binding ties one consumer's lifetime to a registry channel. Subscriptions
// made through it are released together by Close; the channel stays open for
// other consumers.
type Binding struct {
	reg    *Registry
	name   string
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	err       error
	disposers []func()
	closed    bool
}

// Bind obtains (or creates) the named channel and tracks its connection state.
func Bind(reg *Registry, name string, logger *zap.Logger) *Binding {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Binding{reg: reg, name: name, logger: logger.With(zap.String("channel", name))}
	ch, created := reg.lookup(name)
	if ch == nil {
		return b
	}

	// Lifecycle listeners go in before a new channel starts dialing.
	b.track(ch.On(EventConnect, func(json.RawMessage) {
		b.mu.Lock()
		b.connected = true
		b.err = nil
		b.mu.Unlock()
	}))
	b.track(ch.On(EventDisconnect, func(json.RawMessage) {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
	}))
	b.track(ch.On(EventConnectError, func(data json.RawMessage) {
		var p ErrorPayload
		_ = json.Unmarshal(data, &p)
		if p.Message == "" {
			p.Message = "connection error"
		}
		b.mu.Lock()
		b.connected = false
		b.err = errors.New(p.Message)
		b.mu.Unlock()
	}))

	if created {
		ch.start()
	} else {
		// Past lifecycle events will not fire again; start from the
		// channel's current state.
		connected, err := ch.Connected(), ch.LastError()
		b.mu.Lock()
		b.connected = connected
		if !connected {
			b.err = err
		}
		b.mu.Unlock()
	}
	return b
}

func (b *Binding) track(dispose func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposers = append(b.disposers, dispose)
}

// Name returns the bound channel name.
func (b *Binding) Name() string { return b.name }

// Connected reports the last observed connection state.
func (b *Binding) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Err returns the last connection error, cleared on connect.
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// On subscribes fn to event; the subscription is released on Close.
func (b *Binding) On(event string, fn Handler) func() {
	dispose := b.reg.On(b.name, event, fn)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		dispose()
		return func() {}
	}
	b.disposers = append(b.disposers, dispose)
	return dispose
}

// Emit sends payload on the bound channel.
func (b *Binding) Emit(event string, payload interface{}) bool {
	return b.reg.Emit(b.name, event, payload)
}

// Close releases every subscription made through the binding. Safe to call twice.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	disposers := b.disposers
	b.disposers = nil
	b.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	b.logger.Debug("binding released", zap.Int("subscriptions", len(disposers)))
}

// Package transport owns the process-wide registry of backend channels and
// the scoped bindings consumers use to subscribe to them.
package transport

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel names used by the backend.
const (
	NamespaceGenerateTest = "generate-test"
	NamespaceOnlineTest   = "online-test"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	defaultSendBuffer        = 256
)

// ErrChannelUnavailable is returned when a channel cannot be created.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Options configures a Registry.
type Options struct {
	// BaseURL of the socket server. Empty means there is nothing to connect to.
	BaseURL string
	// Token returns the bearer token attached at connect time ("" for none).
	Token             func() string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Dialer            Dialer
	SendBuffer        int
}

// Registry holds one Channel per name for the lifetime of the process.
type Registry struct {
	opts     Options
	logger   *zap.Logger
	mu       sync.Mutex
	channels map[string]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Registry{
		opts:     opts,
		logger:   logger,
		channels: make(map[string]*Channel),
	}
}

// GetChannel returns the cached channel for name, creating and connecting it on
// first use. It returns nil when the registry has no server to connect to.
func (r *Registry) GetChannel(name string) *Channel {
	ch, created := r.lookup(name)
	if created {
		ch.start()
	}
	return ch
}

// On subscribes fn to event on the named channel, creating the channel if
// needed. The returned func is idempotent.
func (r *Registry) On(name, event string, fn Handler) func() {
	ch, created := r.lookup(name)
	if ch == nil {
		r.logger.Warn("cannot listen, channel not initialized",
			zap.String("channel", name), zap.String("event", event))
		return func() {}
	}
	dispose := ch.On(event, fn)
	if created {
		ch.start()
	}
	return dispose
}

func (r *Registry) lookup(name string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch, false
	}
	if r.opts.BaseURL == "" {
		r.logger.Debug("no socket server configured, channel not created", zap.String("channel", name))
		return nil, false
	}
	u, err := channelURL(r.opts.BaseURL, name)
	if err != nil {
		r.logger.Error("invalid channel url", zap.String("channel", name), zap.Error(err))
		return nil, false
	}

	header := http.Header{}
	token := ""
	if r.opts.Token != nil {
		token = r.opts.Token()
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	r.logger.Info("creating channel", zap.String("channel", name), zap.Bool("has_token", token != ""))

	ch := newChannel(name, u, header, r.opts, r.logger)
	r.channels[name] = ch
	return ch, true
}

// Emit sends payload on an existing channel. It returns false when the
// channel does not exist.
func (r *Registry) Emit(name, event string, payload interface{}) bool {
	r.mu.Lock()
	ch := r.channels[name]
	r.mu.Unlock()
	if ch == nil {
		r.logger.Warn("cannot emit, channel not initialized",
			zap.String("channel", name), zap.String("event", event))
		return false
	}
	return ch.Emit(event, payload)
}

// CloseChannel disconnects the named channel and forgets it and its listeners.
func (r *Registry) CloseChannel(name string) {
	r.mu.Lock()
	ch := r.channels[name]
	delete(r.channels, name)
	r.mu.Unlock()
	if ch != nil {
		ch.close()
		r.logger.Info("channel closed", zap.String("channel", name))
	}
}

// CloseAll disconnects every channel.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		r.CloseChannel(name)
	}
}

func channelURL(base, name string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + name
	return u.String(), nil
}

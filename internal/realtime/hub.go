package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// SnapshotFunc returns the current payload of a test for a newly connected
// dashboard, or ok=false when nothing is being monitored.
type SnapshotFunc func(testID string) (event string, payload interface{}, ok bool)

// Hub maintains test_id -> set of dashboard connections and broadcasts messages.
// Local broadcast plus Redis publish lets every instance reach its own dashboards.
type Hub struct {
	// testID -> map[clientID]*Client
	tests    map[string]map[string]*Client
	subs     map[string]func() // cancel Redis subscription per test
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	snapshot SnapshotFunc
}

// RedisPublisher publishes test events for other instances.
type RedisPublisher interface {
	PublishTestEvent(testID string, event string, payload []byte) error
}

// RedisSubscriber subscribes to test channels and invokes handler for events
// published by other instances.
type RedisSubscriber interface {
	SubscribeTest(testID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a dashboard hub. Either Redis side may be nil.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		tests:    make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// SetSnapshotFunc sets the source of the initial state sent on connect.
func (h *Hub) SetSnapshotFunc(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Register adds a dashboard to a test room and sends it the current state.
// The first dashboard of a test starts the Redis subscription.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.tests[c.TestID] == nil {
		h.tests[c.TestID] = make(map[string]*Client)
		if h.redisSub != nil {
			testID := c.TestID
			cancel, err := h.redisSub.SubscribeTest(testID, func(event string, payload []byte) {
				h.BroadcastToTest(testID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("test_id", testID), zap.Error(err))
			} else {
				h.subs[testID] = cancel
			}
		}
	}
	h.tests[c.TestID][c.ID] = c
	snapshot := h.snapshot
	h.mu.Unlock()

	if snapshot != nil {
		if event, payload, ok := snapshot(c.TestID); ok {
			h.SendToClient(c.TestID, c.ID, event, payload)
		}
	}
	h.logger.Debug("dashboard joined test", zap.String("client_id", c.ID), zap.String("test_id", c.TestID))
}

// Unregister removes a dashboard. The last one out cancels the Redis subscription.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.tests[c.TestID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.tests, c.TestID)
			if cancel, ok := h.subs[c.TestID]; ok {
				cancel()
				delete(h.subs, c.TestID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("dashboard left test", zap.String("client_id", c.ID), zap.String("test_id", c.TestID))
}

func encode(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}

// BroadcastToTest sends a message to all local dashboards of a test.
func (h *Hub) BroadcastToTest(testID string, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.tests[testID] {
		c.deliver(msg)
	}
}

// BroadcastToTestAndPublish sends to local dashboards and publishes to Redis
// for other instances.
func (h *Hub) BroadcastToTestAndPublish(testID string, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.BroadcastToTest(testID, event, json.RawMessage(data))
	if h.redis != nil {
		if err := h.redis.PublishTestEvent(testID, event, data); err != nil {
			h.logger.Warn("redis publish failed", zap.String("test_id", testID), zap.Error(err))
		}
	}
}

// DashboardCount returns the number of local dashboards watching a test.
func (h *Hub) DashboardCount(testID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tests[testID])
}

// SendToClient sends a message to a single dashboard.
func (h *Hub) SendToClient(testID string, clientID string, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	c, ok := h.tests[testID][clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	c.deliver(WSMessage{Event: event, Data: data})
}

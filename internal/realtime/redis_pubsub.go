package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "monitor:"
	eventTTL      = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	At     int64           `json:"at"`
}

// RedisPubSub bridges hub broadcasts through Redis pub/sub. Messages carry
// the publishing instance id; an instance ignores its own messages because it
// has already delivered them locally.
type RedisPubSub struct {
	client *redis.Client
	origin string
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for test events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, origin: uuid.NewString(), logger: logger}
}

func channelName(testID string) string {
	return channelPrefix + testID
}

// PublishTestEvent publishes an event to the test's Redis channel.
func (r *RedisPubSub) PublishTestEvent(testID string, event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Origin: r.origin, Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channelName(testID), body).Err()
}

// SubscribeTest subscribes to a test's Redis channel and calls handler for each
// message from another instance. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeTest(testID string, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelName(testID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				origin, event, data, ok := r.decode(msg.Payload)
				if !ok || origin == r.origin {
					continue
				}
				handler(event, data)
			}
		}
	}()
	return cancelCtx, nil
}

func (r *RedisPubSub) decode(raw string) (origin, event string, data []byte, ok bool) {
	var p redisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		r.logger.Debug("ignoring malformed pubsub message", zap.Error(err))
		return "", "", nil, false
	}
	return p.Origin, p.Event, p.Data, true
}

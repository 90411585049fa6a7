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
	roomChannelPrefix = "focuscall:room:"
	presenceChannel   = "focuscall:presence"
	publishTimeout    = 5 * time.Second
)

// envelope is the message published to Redis for cross-instance fan-out.
// Instance lets subscribers drop their own publications.
type envelope struct {
	Instance string          `json:"instance"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	At       int64           `json:"at"`
}

// RedisPubSub implements RoomPublisher, RoomSubscriber and PresencePublisher
// over Redis pub/sub.
type RedisPubSub struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRedisPubSub creates a pub/sub bridge with a fresh instance identity.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{
		client:     client,
		instanceID: uuid.New().String(),
		logger:     logger,
	}
}

// PublishRoomEvent publishes an event to the room's channel.
func (r *RedisPubSub) PublishRoomEvent(roomID, event string, payload []byte) error {
	return r.publish(roomChannelPrefix+roomID, event, payload)
}

// PublishPresence publishes a presence event on the shared presence channel.
func (r *RedisPubSub) PublishPresence(event string, payload []byte) error {
	return r.publish(presenceChannel, event, payload)
}

// SubscribeRoom subscribes to a room's channel and calls handler for events
// from other instances. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeRoom(roomID string, handler func(event string, payload []byte)) (cancel func(), err error) {
	return r.subscribe(roomChannelPrefix+roomID, handler)
}

// SubscribePresence subscribes to the presence channel.
func (r *RedisPubSub) SubscribePresence(handler func(event string, payload []byte)) (cancel func(), err error) {
	return r.subscribe(presenceChannel, handler)
}

func (r *RedisPubSub) publish(channel, event string, payload []byte) error {
	body, err := json.Marshal(envelope{
		Instance: r.instanceID,
		Event:    event,
		Data:     payload,
		At:       time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

func (r *RedisPubSub) subscribe(channel string, handler func(event string, payload []byte)) (func(), error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
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
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Debug("malformed pubsub payload", zap.String("channel", channel))
					continue
				}
				if env.Instance == r.instanceID {
					continue
				}
				handler(env.Event, env.Data)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}

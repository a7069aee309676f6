package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPublishTimeout = 5 * time.Second

// bridgeEnvelope is the cross-instance wire format. The origin id lets
// each instance skip its own frames when they come back around.
type bridgeEnvelope struct {
	Origin string          `json:"origin"`
	Topic  string          `json:"topic"`
	Frame  json.RawMessage `json:"frame"`
}

// Bridge mirrors locally published frames over a redis channel so that
// clients connected to other instances receive them too.
type Bridge struct {
	hub     *Hub
	rdb     *redis.Client
	channel string
	origin  string
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewBridge connects the hub to a redis pub/sub channel and starts the
// subscriber loop.
func NewBridge(hub *Hub, rdb *redis.Client, channel string, logger *zap.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		hub:     hub,
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		cancel:  cancel,
	}
	hub.SetMirror(b.mirror)
	go b.subscribe(ctx)
	return b
}

// Stop shuts the subscriber loop down.
func (b *Bridge) Stop() { b.cancel() }

// mirror publishes a local frame to the redis channel. Failures are
// logged; local delivery already happened.
func (b *Bridge) mirror(topic string, data []byte) {
	env := bridgeEnvelope{Origin: b.origin, Topic: topic, Frame: data}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("failed to encode bridge envelope", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("failed to mirror frame to redis", zap.String("topic", topic), zap.Error(err))
	}
}

// subscribe consumes remote frames and re-injects them into the local
// hub, skipping frames this instance originated.
func (b *Bridge) subscribe(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed bridge envelope", zap.Error(err))
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.hub.injectRemote(env.Topic, env.Frame)
		}
	}
}

package broadcast

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const channelPrefix = "slidecollab:room:"

// busMessage is the frame published on the Redis channel for a room.
type busMessage struct {
	Exclude string `json:"exclude,omitempty"`
	Data    []byte `json:"data"`
}

// Redis is the multi-instance Broadcaster. Every instance publishes
// committed events to a per-room channel and re-delivers what it receives
// to its own local connections.
type Redis struct {
	client *redis.Client
	reg    *Registry
	logger *zap.Logger
}

func NewRedis(client *redis.Client, reg *Registry, logger *zap.Logger) *Redis {
	return &Redis{client: client, reg: reg, logger: logger}
}

func (b *Redis) Publish(ctx context.Context, roomID string, data []byte, excludeUserID string) {
	frame, err := json.Marshal(busMessage{Exclude: excludeUserID, Data: data})
	if err != nil {
		b.logger.Error("marshal bus message", zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, channelPrefix+roomID, frame).Err(); err != nil {
		// Delivery is best-effort; local connections still get the
		// event through the subscriber loop only if publish worked,
		// so fall back to direct local delivery.
		b.logger.Warn("bus publish failed, delivering locally",
			zap.String("room_id", roomID), zap.Error(err))
		b.reg.Deliver(roomID, data, excludeUserID)
	}
}

// Run subscribes to every room channel and delivers inbound frames to local
// connections. Blocks until ctx is cancelled.
func (b *Redis) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			roomID := strings.TrimPrefix(msg.Channel, channelPrefix)
			var frame busMessage
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				b.logger.Warn("drop malformed bus frame",
					zap.String("room_id", roomID), zap.Error(err))
				continue
			}
			b.reg.Deliver(roomID, frame.Data, frame.Exclude)
		}
	}
}

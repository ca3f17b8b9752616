package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"go-groupwatch/internal/domain"
)

const receiveRetryDelay = 500 * time.Millisecond

type RedisEventBus struct {
	client      *redis.Client
	logger      *slog.Logger
	leadChannel string
	stopChannel string
}

func NewRedisEventBus(client *redis.Client, logger *slog.Logger) *RedisEventBus {
	return &RedisEventBus{
		client:      client,
		logger:      logger.With("module", "event_bus"),
		leadChannel: "groupwatch:events:lead_captured",
		stopChannel: "groupwatch:events:stop_requested",
	}
}

// PublishLeadCaptured broadcasts the event to the network
func (b *RedisEventBus) PublishLeadCaptured(ctx context.Context, event domain.LeadCapturedEvent) error {
	return b.publish(ctx, b.leadChannel, event)
}

// PublishStopRequested asks the process hosting the run to stop it
func (b *RedisEventBus) PublishStopRequested(ctx context.Context, event domain.WorkflowStopRequestedEvent) error {
	return b.publish(ctx, b.stopChannel, event)
}

func (b *RedisEventBus) publish(ctx context.Context, channel string, event any) error {
	// Serialize the struct to JSON
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

// SubscribeLeadCaptured opens a continuous stream for the coordinator
func (b *RedisEventBus) SubscribeLeadCaptured(ctx context.Context) (<-chan domain.LeadCapturedEvent, error) {
	return subscribe[domain.LeadCapturedEvent](ctx, b.client, b.logger, b.leadChannel)
}

func (b *RedisEventBus) SubscribeStopRequested(ctx context.Context) (<-chan domain.WorkflowStopRequestedEvent, error) {
	return subscribe[domain.WorkflowStopRequestedEvent](ctx, b.client, b.logger, b.stopChannel)
}

// subscribe waits for the subscription to be confirmed, then forwards decoded
// messages until ctx is done.
func subscribe[T any](ctx context.Context, client *redis.Client, logger *slog.Logger, channel string) (<-chan T, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	// Create a Go channel to send messages to the consumer
	msgChan := make(chan T)

	// Start a background goroutine to listen to Redis and forward to our Go channel
	go func() {
		defer close(msgChan)
		defer pubsub.Close()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WarnContext(ctx, "receive failed", "channel", channel, "error", err)
				select {
				case <-time.After(receiveRetryDelay):
				case <-ctx.Done():
					return
				}
				continue
			}
			var event T
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.WarnContext(ctx, "dropping malformed event", "channel", channel, "error", err)
				continue
			}
			select {
			case msgChan <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return msgChan, nil
}

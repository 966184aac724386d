package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRelayChannel = "checkplease:changes"

var (
	errMissingRedisClient = errors.New("ledger: redis client is required")
	errMissingLocalFeed   = errors.New("ledger: local feed is required")
)

// RedisRelayConfig describes a RedisRelay.
type RedisRelayConfig struct {
	Client  *redis.Client
	Local   *Feed
	Channel string
	Logger  *zap.Logger
}

// RedisRelay publishes committed change events to a Redis channel and replays every
// message received on that channel into the local feed, so that API replicas sharing
// one database deliver the same events to their own subscribers.
type RedisRelay struct {
	client  *redis.Client
	local   *Feed
	channel string
	logger  *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisRelay constructs a relay. Start must be called before events flow.
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Local == nil {
		return nil, errMissingLocalFeed
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultRelayChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  cfg.Client,
		local:   cfg.Local,
		channel: channel,
		logger:  logger,
	}, nil
}

// Start subscribes to the relay channel, waits for the subscription to be confirmed and
// forwards messages into the local feed until ctx is done.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	r.mu.Lock()
	r.pubsub = pubsub
	r.mu.Unlock()

	go r.forward(ctx, pubsub)
	return nil
}

// Publish sends events to Redis. When Redis rejects an event it is delivered locally so
// viewers attached to this replica still converge.
func (r *RedisRelay) Publish(ctx context.Context, events ...ChangeEvent) {
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			r.logger.Error("change event encode failed", zap.String("table", string(event.Table)), zap.Error(err))
			continue
		}
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			r.logger.Warn("redis publish failed, delivering locally",
				zap.String("table", string(event.Table)),
				zap.String("record_id", event.RecordID),
				zap.Error(err))
			r.local.Publish(ctx, event)
		}
	}
}

// Close stops the Redis subscription.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	r.pubsub = nil
	return err
}

func (r *RedisRelay) forward(ctx context.Context, pubsub *redis.PubSub) {
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = r.Close()
			return
		case message, ok := <-messages:
			if !ok {
				r.logger.Warn("redis relay channel closed", zap.String("channel", r.channel))
				return
			}
			var event ChangeEvent
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				r.logger.Warn("change event decode failed", zap.String("channel", r.channel), zap.Error(err))
				continue
			}
			r.local.Publish(ctx, event)
		}
	}
}

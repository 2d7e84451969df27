package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig configures the optional Redis publisher.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Channel  string `mapstructure:"channel"`
}

const defaultRedisChannel = "ussd:notifications"

// publisher is the part of *redis.Client used by RedisPublisher.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes every notification as JSON on a Redis channel so
// other processes can follow executions.
type RedisPublisher struct {
	client  publisher
	channel string
	log     *zap.Logger
}

// NewRedisClient opens a client and checks the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisPublisher publishes on channel, or on the default channel when empty.
func NewRedisPublisher(client publisher, channel string, log *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = defaultRedisChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPublisher{client: client, channel: channel, log: log}
}

// Notify implements Notifier. Publish errors are logged.
func (p *RedisPublisher) Notify(ctx context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		p.log.Error("failed to encode notification", zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Warn("failed to publish notification",
			zap.String("channel", p.channel),
			zap.String("record_id", n.RecordID),
			zap.Error(err))
	}
}

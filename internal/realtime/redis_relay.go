package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	relayTargetAll     = "all"
	relayTargetSubject = "subject"
)

var errMissingRedisClient = errors.New("redis client is required")

type relayEnvelope struct {
	Target  string  `json:"target"`
	Subject int64   `json:"subject,omitempty"`
	Message Message `json:"message"`
}

type RedisRelayConfig struct {
	Channel string
	Hub     *Hub
	Logger  *zap.Logger
}

// RedisRelay fans broadcasts out through Redis pub/sub so every process delivers
// to its own connections. Registrations stay with the local Hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Hub
	logger  *zap.Logger
	ready   chan struct{}
}

// NewRedisRelay connects to redisURL and verifies the connection.
func NewRedisRelay(ctx context.Context, redisURL string, cfg RedisRelayConfig) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRelayWithClient(client, cfg)
}

// NewRedisRelayWithClient builds a relay around an existing client.
func NewRedisRelayWithClient(client *redis.Client, cfg RedisRelayConfig) (*RedisRelay, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(HubConfig{Logger: cfg.Logger})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "dealflow:broadcast"
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   hub,
		logger:  logger,
		ready:   make(chan struct{}),
	}, nil
}

func (r *RedisRelay) Attach(subscriber *Subscriber) { r.local.Attach(subscriber) }

func (r *RedisRelay) Detach(subscriber *Subscriber) { r.local.Detach(subscriber) }

func (r *RedisRelay) Register(subject int64, subscriber *Subscriber) {
	r.local.Register(subject, subscriber)
}

func (r *RedisRelay) Unregister(subscriber *Subscriber) { r.local.Unregister(subscriber) }

// BroadcastToSubject publishes a subject-addressed envelope.
func (r *RedisRelay) BroadcastToSubject(ctx context.Context, subject int64, message Message) {
	r.publish(ctx, relayEnvelope{Target: relayTargetSubject, Subject: subject, Message: message})
}

// BroadcastAll publishes a global envelope.
func (r *RedisRelay) BroadcastAll(ctx context.Context, message Message) {
	r.publish(ctx, relayEnvelope{Target: relayTargetAll, Message: message})
}

// Ready is closed once the relay subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the relay channel and delivers received envelopes locally until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)

	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-incoming:
			if !ok {
				return nil
			}
			r.relay(ctx, payload.Payload)
		}
	}
}

// Close releases the Redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func (r *RedisRelay) publish(ctx context.Context, envelope relayEnvelope) {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		r.logger.Warn("realtime relay encode failed", zap.String("type", envelope.Message.Type), zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, r.channel, encoded).Err(); err != nil {
		r.logger.Warn("realtime relay publish failed",
			zap.String("channel", r.channel),
			zap.String("type", envelope.Message.Type),
			zap.Error(err))
		r.deliverLocal(ctx, envelope)
	}
}

func (r *RedisRelay) relay(ctx context.Context, payload string) {
	var envelope relayEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		r.logger.Debug("realtime relay envelope ignored", zap.Error(err))
		return
	}
	r.deliverLocal(ctx, envelope)
}

func (r *RedisRelay) deliverLocal(ctx context.Context, envelope relayEnvelope) {
	switch envelope.Target {
	case relayTargetAll:
		r.local.BroadcastAll(ctx, envelope.Message)
	case relayTargetSubject:
		r.local.BroadcastToSubject(ctx, envelope.Subject, envelope.Message)
	}
}

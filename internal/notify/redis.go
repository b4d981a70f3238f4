package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "claimdesk:"

// RedisBus publishes events as JSON over Redis Pub/Sub.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisBus(redisURL string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBusWithClient(client, logger), nil
}

func NewRedisBusWithClient(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, prefix: defaultChannelPrefix, logger: logger}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no event
// published after it returns is missed while the connection holds.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = b.channel(topic)
	}
	pubsub := b.client.Subscribe(ctx, channels...)
	for range channels {
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("redis subscribe: %w", err)
		}
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, memoryBuffer),
		done:   make(chan struct{}),
		logger: b.logger,
	}
	go sub.loop()
	return sub, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

// loop ends on the first receive error. go-redis would reconnect on the next
// receive, but anything published in between is gone, so the subscriber has
// to reconcile.
func (s *redisSubscription) loop() {
	for {
		msg, err := s.pubsub.ReceiveMessage(context.Background())
		if err != nil {
			s.finish(err)
			return
		}
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.logger.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
			continue
		}
		select {
		case s.events <- event:
		default:
			s.finish(ErrSubscriptionLost)
			return
		}
	}
}

func (s *redisSubscription) finish(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !errors.Is(cause, redis.ErrClosed) {
		s.err = fmt.Errorf("%w: %w", ErrSubscriptionLost, cause)
	}
	_ = s.pubsub.Close()
	close(s.done)
}

func (s *redisSubscription) Events() <-chan Event  { return s.events }
func (s *redisSubscription) Done() <-chan struct{} { return s.done }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.pubsub.Close()
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/lmst/attendance-admin-client/internal/notification"
	"github.com/lmst/attendance-admin-client/internal/observability"
)

const DriverRedis = "redis"

type RedisOptions struct {
	// Prefix is prepended to every channel, as the broadcasting backend
	// does with its database prefix.
	Prefix string
	Logger *slog.Logger
}

// RedisSubscriber reads broadcast events straight from redis pub/sub. It
// suits trusted deployments that share the broadcaster's redis.
type RedisSubscriber struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewRedisSubscriber(client redis.UniversalClient, opts RedisOptions) *RedisSubscriber {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisSubscriber{client: client, prefix: opts.Prefix, logger: opts.Logger}
}

// redisEvent is the message body the broadcaster publishes.
type redisEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *RedisSubscriber) ChannelName(channel string) string {
	if !strings.HasPrefix(channel, privatePrefix) {
		channel = privatePrefix + channel
	}
	return s.prefix + channel
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, channel string, handler func(event string, payload json.RawMessage)) (notification.Subscription, error) {
	name := s.ChannelName(channel)
	ps := s.client.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	observability.RecordRealtimeEvent(ctx, DriverRedis, "subscribed")

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			var event redisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil || event.Event == "" {
				s.logger.Warn("ignoring malformed broadcast message", "channel", msg.Channel, "error", err)
				continue
			}
			observability.RecordRealtimeEvent(context.Background(), DriverRedis, event.Event)
			handler(event.Event, event.Data)
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

// Done is closed once the message loop exits. go-redis reconnects on its
// own, so that only happens after Close.
func (s *redisSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}

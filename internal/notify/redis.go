package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/config"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
)

// NewRedisClient connects to cfg.Addr and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	slog.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

func channel(prefix, jobID string) string {
	return prefix + jobID
}

// RedisPublisher publishes every event on the job's channel.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

var _ core.Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher returns a publisher using channels prefix+jobID.
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Publish implements core.Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev core.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channel(p.prefix, ev.JobID), payload).Err(); err != nil {
		return fmt.Errorf("publish event for job %s: %w", ev.JobID, err)
	}
	return nil
}

// RedisSource receives events published by RedisPublisher in other
// processes.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
}

var _ core.ProgressSource = (*RedisSource)(nil)

// NewRedisSource returns a source reading channels prefix+jobID.
func NewRedisSource(client redis.UniversalClient, prefix string) *RedisSource {
	return &RedisSource{client: client, prefix: prefix}
}

// Subscribe implements core.ProgressSource. The subscription is confirmed
// before it returns, so no event published afterwards is missed.
func (s *RedisSource) Subscribe(ctx context.Context, jobID string) (<-chan core.Event, error) {
	name := channel(s.prefix, jobID)
	sub := s.client.Subscribe(ctx, name)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	out := make(chan core.Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev core.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("discarding malformed progress message", "channel", name, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

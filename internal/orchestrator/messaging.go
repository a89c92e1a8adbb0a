package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventBus publishes build events to per-owner Redis Streams.
type EventBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

const eventStreamPrefix = "nuka-kb:builds:"

// defaultEventMaxLen caps each owner stream (approximate trimming).
const defaultEventMaxLen = 1000

// NewEventBus connects to redisURL and verifies the connection.
func NewEventBus(ctx context.Context, redisURL string, logger *zap.Logger) (*EventBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &EventBus{rdb: rdb, maxLen: defaultEventMaxLen, logger: logger}, nil
}

// Client returns the underlying connection, shared with the ledger backend.
func (b *EventBus) Client() *redis.Client {
	return b.rdb
}

// Ping checks that Redis is reachable.
func (b *EventBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish implements EventPublisher.
func (b *EventBus) Publish(ctx context.Context, ev *BuildEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := eventStreamPrefix + ev.Owner
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published build event",
		zap.String("owner", ev.Owner),
		zap.String("type", string(ev.BuildType)),
		zap.Int("failed_chunks", ev.FailedChunks))
	return nil
}

// Subscribe streams build events for owner published after the call.
// Cancel the context to stop; the channel is closed on return.
func (b *EventBus) Subscribe(ctx context.Context, owner string) <-chan *BuildEvent {
	ch := make(chan *BuildEvent, 16)
	stream := eventStreamPrefix + owner

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Debug("event read failed", zap.String("stream", stream), zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev BuildEvent
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- &ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *EventBus) Close() error {
	return b.rdb.Close()
}

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus is the production Bus, backed by Redis Streams. Each
// streamKey is a Redis stream; XADD gives the durable, monotonically
// increasing record ID that Append returns, and consumer groups
// (XREADGROUP/XACK) give each class of consumer (persistence,
// marketdata) its own offset on the same stream, per spec.md §4.4.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

const fieldData = "data"

func (b *RedisBus) Append(ctx context.Context, streamKey string, data []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{fieldData: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("eventbus: xadd %s: %w", streamKey, err)
	}
	return id, nil
}

// ensureGroup creates the consumer group starting from the beginning
// of the stream if it does not already exist, tolerating the
// BUSYGROUP error Redis returns when another consumer beat us to it.
func (b *RedisBus) ensureGroup(ctx context.Context, streamKey, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("eventbus: create group %s/%s: %w", streamKey, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (b *RedisBus) ConsumeGroup(ctx context.Context, streamKey, group, consumer string, handle func(id string, data []byte) error) error {
	if err := b.ensureGroup(ctx, streamKey, group); err != nil {
		return err
	}

	// "0" reads this consumer's unacknowledged entries, ">" reads new ones.
	cursor := "0"
	for {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{streamKey, cursor},
			Count:    32,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("eventbus: xreadgroup %s: %w", streamKey, err)
		}

		delivered, failed := 0, false
		for _, stream := range res {
			for _, msg := range stream.Messages {
				delivered++
				raw, _ := msg.Values[fieldData].(string)
				if err := handle(msg.ID, []byte(raw)); err != nil {
					failed = true
					continue // left unacknowledged, redelivered from the pending list
				}
				b.client.XAck(ctx, streamKey, group, msg.ID)
			}
		}
		if failed {
			cursor = "0"
			time.Sleep(50 * time.Millisecond)
		} else if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

func (b *RedisBus) PutReply(ctx context.Context, requestID string, data []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, replyKey(requestID), data, ttl).Err(); err != nil {
		return fmt.Errorf("eventbus: put reply %s: %w", requestID, err)
	}
	return nil
}

func (b *RedisBus) GetReply(ctx context.Context, requestID string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, replyKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("eventbus: get reply %s: %w", requestID, err)
	}
	return val, true, nil
}

func replyKey(requestID string) string {
	return "reply:" + requestID
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Package eventbus is the durable, ordered request/response and event
// transport between the gateway and an engine shard (spec.md §4.4).
//
// spec.md §9 calls out the source's "fire-and-forget Redis stream
// coupling" and asks for it to be modeled explicitly as a durable bus
// with sequence numbers and consumer offsets — that is exactly what
// RedisBus does, backed by Redis Streams consumer groups. Bus is the
// seam that lets InMemoryBus (channels, grounded on the teacher's
// clientMessages pipe in internal/net/server.go) stand in for tests
// without a live Redis instance, since both honor the same ordering
// and durability contract.
package eventbus

import (
	"context"
	"time"
)

// Bus carries one durable, strictly-ordered stream (the request
// channel or the event channel for one shard) plus a short-lived
// request_id-keyed reply slot. A single Bus value is reused for both
// channels by giving each a distinct stream key; consumer groups let
// the event channel fan out to independent consumers (persistence,
// market data) each tracking its own offset, per spec.md §4.4.
type Bus interface {
	// Append durably appends data to streamKey and returns the
	// server-assigned, monotonically increasing record ID.
	Append(ctx context.Context, streamKey string, data []byte) (id string, err error)

	// ConsumeGroup blocks, delivering records on streamKey to handle in
	// append order, resuming from group's last acknowledged offset (or
	// the start of the stream if group is new). handle returning nil
	// acknowledges the record; a non-nil error leaves it unacknowledged
	// for redelivery, giving at-least-once delivery. Returns when ctx
	// is cancelled.
	ConsumeGroup(ctx context.Context, streamKey, group, consumer string, handle func(id string, data []byte) error) error

	// PutReply stores a response keyed by requestID for ttl, so a
	// gateway that timed out on a request can still retrieve the
	// engine's eventual answer (spec.md §4.4).
	PutReply(ctx context.Context, requestID string, data []byte, ttl time.Duration) error

	// GetReply retrieves a previously stored reply, if still within its
	// TTL.
	GetReply(ctx context.Context, requestID string) (data []byte, found bool, err error)

	Close() error
}

// StreamKey names the durable stream for a shard's request or event
// channel. Keeping the naming in one place avoids the two channels
// ever colliding.
func StreamKey(kind, shardID string) string {
	return kind + ":" + shardID
}

const (
	KindRequests = "requests"
	KindEvents   = "events"
)

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryBus backs unit tests without a live Redis instance. It is
// grounded on the teacher's channel-based clientMessages pipe in
// internal/net/server.go: a mutex-guarded append-only log per stream
// plus a broadcast channel consumers wait on for new data, rather than
// the teacher's single unbuffered client-to-server channel.
type InMemoryBus struct {
	mu      sync.Mutex
	streams map[string]*memStream
	replies map[string]replyEntry
}

type memStream struct {
	records []Record
	groups  map[string]uint64 // group -> next unread index
	wake    chan struct{}      // closed and replaced on every Append
}

type Record struct {
	ID   string
	Data []byte
}

type replyEntry struct {
	data    []byte
	expires time.Time
}

func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		streams: make(map[string]*memStream),
		replies: make(map[string]replyEntry),
	}
}

func (b *InMemoryBus) stream(key string) *memStream {
	s, ok := b.streams[key]
	if !ok {
		s = &memStream{groups: make(map[string]uint64), wake: make(chan struct{})}
		b.streams[key] = s
	}
	return s
}

func (b *InMemoryBus) Append(ctx context.Context, streamKey string, data []byte) (string, error) {
	b.mu.Lock()
	s := b.stream(streamKey)
	id := fmt.Sprintf("%d-0", len(s.records)+1)
	s.records = append(s.records, Record{ID: id, Data: data})
	close(s.wake)
	s.wake = make(chan struct{})
	b.mu.Unlock()
	return id, nil
}

func (b *InMemoryBus) ConsumeGroup(ctx context.Context, streamKey, group, consumer string, handle func(id string, data []byte) error) error {
	for {
		b.mu.Lock()
		s := b.stream(streamKey)
		offset := s.groups[group]
		if offset >= uint64(len(s.records)) {
			wake := s.wake
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			}
			continue
		}
		rec := s.records[offset]
		b.mu.Unlock()

		if err := handle(rec.ID, rec.Data); err != nil {
			// Leave the offset where it is: the next pass redelivers the
			// same record, giving at-least-once delivery.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		b.mu.Lock()
		s.groups[group] = offset + 1
		b.mu.Unlock()
	}
}

func (b *InMemoryBus) PutReply(ctx context.Context, requestID string, data []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[requestID] = replyEntry{data: data, expires: time.Now().Add(ttl)}
	return nil
}

func (b *InMemoryBus) GetReply(ctx context.Context, requestID string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.replies[requestID]
	if !ok || time.Now().After(entry.expires) {
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (b *InMemoryBus) Close() error { return nil }

package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	id1, err := bus.Append(ctx, "events:shard-0", []byte("a"))
	require.NoError(t, err)
	id2, err := bus.Append(ctx, "events:shard-0", []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestConsumeGroupDeliversInOrder(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	key := "events:shard-0"

	for i := 0; i < 5; i++ {
		_, err := bus.Append(ctx, key, []byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	var got []string
	go func() {
		bus.ConsumeGroup(cctx, key, "persistence", "c1", func(id string, data []byte) error {
			got = append(got, string(data))
			if len(got) == 5 {
				cancel()
			}
			return nil
		})
	}()

	<-cctx.Done()
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, got)
}

func TestIndependentConsumerGroupsTrackOwnOffsets(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	key := "events:shard-0"

	_, err := bus.Append(ctx, key, []byte("x"))
	require.NoError(t, err)

	var persistenceSaw, marketdataSaw []string
	pctx, pcancel := context.WithCancel(ctx)
	mctx, mcancel := context.WithCancel(ctx)

	go bus.ConsumeGroup(pctx, key, "persistence", "p1", func(id string, data []byte) error {
		persistenceSaw = append(persistenceSaw, string(data))
		pcancel()
		return nil
	})
	go bus.ConsumeGroup(mctx, key, "marketdata", "m1", func(id string, data []byte) error {
		marketdataSaw = append(marketdataSaw, string(data))
		mcancel()
		return nil
	})

	<-pctx.Done()
	<-mctx.Done()
	assert.Equal(t, []string{"x"}, persistenceSaw)
	assert.Equal(t, []string{"x"}, marketdataSaw)
}

func TestHandleErrorRedeliversSameRecord(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	key := "events:shard-0"

	_, err := bus.Append(ctx, key, []byte("only"))
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	attempts := 0
	go bus.ConsumeGroup(cctx, key, "g", "c1", func(id string, data []byte) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient")
		}
		cancel()
		return nil
	})

	<-cctx.Done()
	assert.Equal(t, 3, attempts)
}

func TestPutReplyThenGetReply(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	require.NoError(t, bus.PutReply(ctx, "req-1", []byte(`{"status":"ok"}`), time.Minute))

	data, found, err := bus.GetReply(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"status":"ok"}`, string(data))
}

func TestGetReplyExpiresAfterTTL(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	require.NoError(t, bus.PutReply(ctx, "req-2", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, found, err := bus.GetReply(ctx, "req-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetReplyUnknownRequestNotFound(t *testing.T) {
	bus := NewInMemoryBus()
	_, found, err := bus.GetReply(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, found)
}

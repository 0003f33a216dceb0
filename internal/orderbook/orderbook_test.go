package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resting is a small helper to keep test bodies close to the teacher's
// placeTestOrders helper in internal/tests/orderbook_test.go.
func resting(id string, qty int64, seq uint64) *RestingOrder {
	return &RestingOrder{OrderID: id, UserID: "u", Remaining: qty, ArrivalSeq: seq}
}

func TestInsertAndPeekBest_PriceTimePriority(t *testing.T) {
	book := New()

	book.Insert(true, 99, resting("b1", 100, 1))
	book.Insert(true, 99, resting("b2", 90, 2))
	book.Insert(true, 98, resting("b3", 50, 3))

	head, price, ok := book.PeekBest(true)
	require.True(t, ok)
	assert.Equal(t, int64(99), price)
	assert.Equal(t, "b1", head.OrderID, "earlier arrival at the best price wins")

	bidPrice, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, int64(99), bidPrice)
}

func TestAsksSortedLowestFirst(t *testing.T) {
	book := New()
	book.Insert(false, 101, resting("a1", 20, 1))
	book.Insert(false, 100, resting("a2", 100, 2))

	price, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, int64(100), price)
}

func TestDecrementHeadAndPopFilled(t *testing.T) {
	book := New()
	book.Insert(false, 100, resting("a1", 100, 1))
	book.Insert(false, 100, resting("a2", 90, 2))

	book.DecrementHead(false, 100)
	book.PopFilled(false)

	head, price, ok := book.PeekBest(false)
	require.True(t, ok)
	assert.Equal(t, int64(100), price)
	assert.Equal(t, "a2", head.OrderID)
	assert.Equal(t, int64(90), head.Remaining)
}

func TestRemoveTombstonesAndIsSkippedByPeek(t *testing.T) {
	book := New()
	book.Insert(true, 99, resting("b1", 100, 1))
	book.Insert(true, 99, resting("b2", 90, 2))

	removed, ok := book.Remove("b1")
	require.True(t, ok)
	assert.Equal(t, int64(100), removed.Remaining)

	head, _, ok := book.PeekBest(true)
	require.True(t, ok)
	assert.Equal(t, "b2", head.OrderID)

	_, ok = book.Remove("b1")
	assert.False(t, ok, "removing twice is a no-op, not found")
}

func TestRemoveLastOrderAtLevelDropsTheLevel(t *testing.T) {
	book := New()
	book.Insert(true, 99, resting("b1", 100, 1))
	book.Remove("b1")

	_, ok := book.BestBid()
	assert.False(t, ok)
}

func TestDepthAggregatesQuantityPerLevelBestFirst(t *testing.T) {
	book := New()
	book.Insert(true, 99, resting("b1", 100, 1))
	book.Insert(true, 99, resting("b2", 50, 2))
	book.Insert(true, 98, resting("b3", 10, 3))

	bids, asks := book.Depth(10)
	assert.Empty(t, asks)
	require.Len(t, bids, 2)
	assert.Equal(t, Level{Price: 99, Quantity: 150, Count: 2}, bids[0])
	assert.Equal(t, Level{Price: 98, Quantity: 10, Count: 1}, bids[1])
}

func TestCrossedDetectsInvalidState(t *testing.T) {
	book := New()
	assert.False(t, book.Crossed(), "empty book is never crossed")

	book.Insert(true, 100, resting("b1", 10, 1))
	book.Insert(false, 100, resting("a1", 10, 2))
	assert.True(t, book.Crossed(), "equal best bid/ask is crossed")
}

func TestDepthRespectsLimit(t *testing.T) {
	book := New()
	for i := int64(0); i < 5; i++ {
		book.Insert(false, 100+i, resting(string(rune('a'+i)), 1, uint64(i)))
	}
	_, asks := book.Depth(3)
	assert.Len(t, asks, 3)
	assert.Equal(t, int64(100), asks[0].Price)
}

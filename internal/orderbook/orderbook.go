// Package orderbook implements the per-market limit order book: two
// priority structures (bids, asks) keyed by integer tick price, each
// level a FIFO queue of resting orders.
//
// Grounded on the teacher's internal/engine/orderbook.go, which uses
// github.com/tidwall/btree.BTreeG[*PriceLevel] for the two sides and a
// slice-backed FIFO queue per level. Generalized here from a single
// float-priced book to integer ticks, multi-market instantiation (one
// *OrderBook per market, owned by the engine), and a secondary index
// giving O(1) Remove via tombstoning — the teacher's book has no
// removal path at all.
package orderbook

import (
	"github.com/tidwall/btree"
)

// RestingOrder is a queue entry: the book's view of a resting limit
// order. It intentionally carries only what matching needs, not the
// full common.Order — the engine is the place that owns the richer
// record.
type RestingOrder struct {
	OrderID     string
	UserID      string
	Remaining   int64
	ArrivalSeq  uint64
	tombstoned  bool
}

// PriceLevel is one price's FIFO queue, sorted by arrival order so the
// head is always the oldest live order at that price.
type PriceLevel struct {
	Price  int64
	Orders []*RestingOrder
}

// headLive returns the index of the first non-tombstoned order, or -1.
func (pl *PriceLevel) headLive() int {
	for i, o := range pl.Orders {
		if !o.tombstoned {
			return i
		}
	}
	return -1
}

type priceLevels = btree.BTreeG[*PriceLevel]

type location struct {
	isBid bool
	price int64
	order *RestingOrder
}

// OrderBook is one market's resting-order state. Zero value is not
// usable; construct with New.
type OrderBook struct {
	bids *priceLevels // sorted highest price first
	asks *priceLevels // sorted lowest price first

	index map[string]*location // order_id -> location, O(1) remove

	bidQty uint64 // resting base-quantity, bid side (bookkeeping only)
	askQty uint64
}

func New() *OrderBook {
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price > b.Price
	})
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price < b.Price
	})
	return &OrderBook{
		bids:  bids,
		asks:  asks,
		index: make(map[string]*location),
	}
}

func (b *OrderBook) levels(isBid bool) *priceLevels {
	if isBid {
		return b.bids
	}
	return b.asks
}

// Insert adds a resting order at the given price on the given side.
// The caller must ensure remaining > 0 — the book never holds a
// zero-quantity entry (invariant: every resting order's remaining is
// positive).
func (b *OrderBook) Insert(isBid bool, price int64, order *RestingOrder) {
	levels := b.levels(isBid)
	level, ok := levels.GetMut(&PriceLevel{Price: price})
	if !ok {
		level = &PriceLevel{Price: price}
		levels.Set(level)
	}
	level.Orders = append(level.Orders, order)
	b.index[order.OrderID] = &location{isBid: isBid, price: price, order: order}
	if isBid {
		b.bidQty += uint64(order.Remaining)
	} else {
		b.askQty += uint64(order.Remaining)
	}
}

// PeekBest returns the head (oldest live) order of the best price
// level on the given side, skipping and compacting away any
// tombstoned entries it encounters, and the price of that level.
func (b *OrderBook) PeekBest(isBid bool) (*RestingOrder, int64, bool) {
	levels := b.levels(isBid)
	for {
		level, ok := levels.MinMut()
		if !ok {
			return nil, 0, false
		}
		i := level.headLive()
		if i < 0 {
			// Level is fully tombstoned; drop it.
			levels.Delete(level)
			continue
		}
		if i > 0 {
			level.Orders = level.Orders[i:]
		}
		return level.Orders[0], level.Price, true
	}
}

// DecrementHead subtracts qty from the remaining quantity of the head
// order on the given side. The caller is expected to have just peeked
// the same head; this does not re-validate price.
func (b *OrderBook) DecrementHead(isBid bool, qty int64) {
	levels := b.levels(isBid)
	level, ok := levels.MinMut()
	if !ok {
		return
	}
	i := level.headLive()
	if i < 0 {
		return
	}
	level.Orders[i].Remaining -= qty
	if isBid {
		b.bidQty -= uint64(qty)
	} else {
		b.askQty -= uint64(qty)
	}
}

// PopFilled removes the head order on the given side if its remaining
// quantity has reached zero, and drops the price level entirely if it
// is now empty.
func (b *OrderBook) PopFilled(isBid bool) {
	levels := b.levels(isBid)
	level, ok := levels.MinMut()
	if !ok {
		return
	}
	i := level.headLive()
	if i < 0 || level.Orders[i].Remaining > 0 {
		return
	}
	delete(b.index, level.Orders[i].OrderID)
	level.Orders = level.Orders[i+1:]
	if level.headLive() < 0 {
		levels.Delete(level)
	}
}

// Remove cancels a resting order in O(1) via the secondary index. It
// tombstones the entry in place rather than compacting the slice
// immediately — PeekBest and PopFilled skip tombstones lazily.
func (b *OrderBook) Remove(orderID string) (*RestingOrder, bool) {
	loc, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	delete(b.index, orderID)
	loc.order.tombstoned = true
	if loc.isBid {
		b.bidQty -= uint64(loc.order.Remaining)
	} else {
		b.askQty -= uint64(loc.order.Remaining)
	}
	// Best-effort eager compaction of the level so PeekBest does not
	// accumulate an unbounded tombstone run on a hot price.
	levels := b.levels(loc.isBid)
	if level, ok := levels.GetMut(&PriceLevel{Price: loc.price}); ok {
		i := level.headLive()
		if i < 0 {
			levels.Delete(level)
		} else if i > 0 {
			level.Orders = level.Orders[i:]
		}
	}
	return loc.order, true
}

// BestBid returns the highest resting bid price, if any.
func (b *OrderBook) BestBid() (int64, bool) {
	_, price, ok := b.PeekBest(true)
	return price, ok
}

// BestAsk returns the lowest resting ask price, if any.
func (b *OrderBook) BestAsk() (int64, bool) {
	_, price, ok := b.PeekBest(false)
	return price, ok
}

// Level is an aggregated (price, total quantity) pair for depth
// reporting; it does not leak per-order detail.
type Level struct {
	Price    int64
	Quantity int64
	Count    int
}

// Depth returns up to n aggregated levels per side, best price first.
// Used by the CLI's --dump-book; the market-data aggregator's depth
// feed rebuilds levels from events with its own level tree and returns
// the same Level shape.
func (b *OrderBook) Depth(n int) (bids, asks []Level) {
	return b.depthSide(true, n), b.depthSide(false, n)
}

func (b *OrderBook) depthSide(isBid bool, n int) []Level {
	var out []Level
	b.levels(isBid).Scan(func(pl *PriceLevel) bool {
		if len(out) >= n {
			return false
		}
		var qty int64
		count := 0
		for _, o := range pl.Orders {
			if !o.tombstoned {
				qty += o.Remaining
				count++
			}
		}
		if count > 0 {
			out = append(out, Level{Price: pl.Price, Quantity: qty, Count: count})
		}
		return true
	})
	return out
}

// Crossed reports whether the book is in an invalid crossed state
// (best bid >= best ask). Used by property tests; matching never
// leaves the book crossed on return.
func (b *OrderBook) Crossed() bool {
	bid, bidOK := b.BestBid()
	ask, askOK := b.BestAsk()
	if !bidOK || !askOK {
		return false
	}
	return bid >= ask
}

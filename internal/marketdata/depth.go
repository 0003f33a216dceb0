// Package marketdata is the aggregator of spec.md §4.5: it tails the
// engine's event stream and maintains, per market, a depth snapshot,
// a rolling 24h ticker, and a recent-trades ring, fanning all three
// out to subscribers.
//
// Grounded on rishavpaul-system-design/order-matching-engine/internal/marketdata/publisher.go's
// channel fan-out-with-drop pattern, generalized from fixed L1/L2/trade
// channels to the spec's feed set keyed by (market_id, feed).
package marketdata

import (
	"coreexchange/internal/orderbook"
)

// depthBook reconstructs each market's aggregated depth purely from
// the event stream. It indexes by order_id, exactly like the real
// orderbook's secondary index — a plain per-event-kind add/subtract
// on (TradeExecuted, price) as spec.md §4.5 describes in prose
// undercounts a taker's own resting residual whenever price
// improvement moves the trade price away from the taker's limit price
// (spec.md §8 scenario 2): the trade's price level belongs to the
// maker, not the taker, so subtracting there leaves the taker's
// initial OrderAccepted contribution stranded. Tracking each order's
// own remaining quantity at its own resting price and only adjusting
// on that order's own OrderAccepted/OrderFilled/OrderCancelled events
// is the precise form and is what this type does.
type depthBook struct {
	bids *levelTree
	asks *levelTree

	index map[string]restingRef
}

type restingRef struct {
	isBid     bool
	price     int64
	remaining int64
}

func newDepthBook() *depthBook {
	return &depthBook{
		bids:  newLevelTree(true),
		asks:  newLevelTree(false),
		index: make(map[string]restingRef),
	}
}

func (d *depthBook) onAccepted(orderID string, isBid bool, price, remaining int64) {
	if remaining <= 0 {
		return
	}
	d.levels(isBid).addOrder(price, remaining)
	d.index[orderID] = restingRef{isBid: isBid, price: price, remaining: remaining}
}

func (d *depthBook) onRemainingChanged(orderID string, newRemaining int64) {
	ref, ok := d.index[orderID]
	if !ok {
		return
	}
	if newRemaining <= 0 {
		d.levels(ref.isBid).removeOrder(ref.price, ref.remaining)
		delete(d.index, orderID)
		return
	}
	if delta := newRemaining - ref.remaining; delta != 0 {
		d.levels(ref.isBid).adjustQty(ref.price, delta)
	}
	ref.remaining = newRemaining
	d.index[orderID] = ref
}

func (d *depthBook) onRemoved(orderID string) {
	ref, ok := d.index[orderID]
	if !ok {
		return
	}
	d.levels(ref.isBid).removeOrder(ref.price, ref.remaining)
	delete(d.index, orderID)
}

func (d *depthBook) levels(isBid bool) *levelTree {
	if isBid {
		return d.bids
	}
	return d.asks
}

// Snapshot returns up to n aggregated levels per side, best price
// first — the same Level shape orderbook.OrderBook.Depth returns, so
// clients see one consistent depth schema whether it came from the
// engine's CLI dump or the aggregator's feed.
func (d *depthBook) Snapshot(n int) (bids, asks []orderbook.Level) {
	return d.bids.snapshot(n), d.asks.snapshot(n)
}

package marketdata

import (
	"github.com/tidwall/btree"

	"coreexchange/internal/orderbook"
)

// levelTree is a price -> aggregated quantity map ordered best-first,
// the same btree.BTreeG shape internal/orderbook uses for price
// levels, reused here because the aggregator needs ordered best-N
// scans and never needs orderbook's FIFO queue or tombstoning.
type levelTree struct {
	tree *btree.BTreeG[*levelEntry]
}

type levelEntry struct {
	Price int64
	Qty   int64
	Count int
}

func newLevelTree(isBid bool) *levelTree {
	var less func(a, b *levelEntry) bool
	if isBid {
		less = func(a, b *levelEntry) bool { return a.Price > b.Price }
	} else {
		less = func(a, b *levelEntry) bool { return a.Price < b.Price }
	}
	return &levelTree{tree: btree.NewBTreeG(less)}
}

// addOrder records a new resting order joining price, incrementing
// both the aggregated quantity and the order count at that level.
func (t *levelTree) addOrder(price, qty int64) {
	entry, ok := t.tree.GetMut(&levelEntry{Price: price})
	if !ok {
		entry = &levelEntry{Price: price}
		t.tree.Set(entry)
	}
	entry.Qty += qty
	entry.Count++
}

// removeOrder records a resting order leaving price entirely (filled
// or cancelled), decrementing the order count.
func (t *levelTree) removeOrder(price, qty int64) {
	entry, ok := t.tree.GetMut(&levelEntry{Price: price})
	if !ok {
		return
	}
	entry.Qty -= qty
	entry.Count--
	if entry.Count <= 0 {
		t.tree.Delete(entry)
	}
}

// adjustQty changes the aggregated quantity at price without the
// order count changing — a partial fill against a still-resting
// order.
func (t *levelTree) adjustQty(price, delta int64) {
	entry, ok := t.tree.GetMut(&levelEntry{Price: price})
	if !ok {
		return
	}
	entry.Qty += delta
}

func (t *levelTree) snapshot(n int) []orderbook.Level {
	var out []orderbook.Level
	t.tree.Scan(func(e *levelEntry) bool {
		if len(out) >= n {
			return false
		}
		if e.Qty > 0 {
			out = append(out, orderbook.Level{Price: e.Price, Quantity: e.Qty, Count: e.Count})
		}
		return true
	})
	return out
}

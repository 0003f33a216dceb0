package marketdata

import "time"

// tickerBucketCount is the spec's 1-minute-bucket, 24h ring (spec.md
// §4.5).
const tickerBucketCount = 1440

type tickerBucket struct {
	minute   int64 // unix minute this bucket was last written for; 0 means never written
	high     int64
	low      int64
	lastTick int64
	volume   int64
}

// TickerSnapshot is the caller-facing 24h rolling statistics view.
type TickerSnapshot struct {
	LastPrice int64
	High      int64
	Low       int64
	Volume    int64
	Change24h int64 // last_price - price from ~24h ago, in price ticks
}

// ticker maintains the rolling window as a ring of tickerBucketCount
// one-minute buckets, evicting the oldest bucket whenever a new
// minute starts — new territory relative to the teacher (neither it
// nor the rest of the retrieval pack implements a bucketed ticker),
// built in the idiom of orderbook's slice-based bookkeeping.
type ticker struct {
	buckets     [tickerBucketCount]tickerBucket
	lastPrice   int64
	currentIdx  int
	currentMin  int64
}

func newTicker() *ticker {
	return &ticker{currentIdx: -1}
}

func minuteOf(ts time.Time) int64 {
	return ts.Unix() / 60
}

// record folds a trade into the ring, evicting any buckets for
// minutes that elapsed without a trade (so a quiet period does not
// leave stale highs/lows from hours earlier still counted).
func (t *ticker) record(price, qty int64, ts time.Time) {
	minute := minuteOf(ts)
	if t.currentIdx == -1 {
		t.currentIdx = 0
		t.currentMin = minute
		t.buckets[0] = tickerBucket{minute: minute, high: price, low: price, lastTick: price, volume: qty}
		t.lastPrice = price
		return
	}

	if minute != t.currentMin {
		elapsed := minute - t.currentMin
		if elapsed > tickerBucketCount {
			elapsed = tickerBucketCount
		}
		for i := int64(1); i <= elapsed; i++ {
			t.currentIdx = (t.currentIdx + 1) % tickerBucketCount
			t.buckets[t.currentIdx] = tickerBucket{} // evict: zero value, minute==0 means empty
		}
		t.currentMin = minute
		t.buckets[t.currentIdx] = tickerBucket{minute: minute, high: price, low: price, lastTick: price, volume: qty}
	} else {
		b := &t.buckets[t.currentIdx]
		if price > b.high {
			b.high = price
		}
		if price < b.low {
			b.low = price
		}
		b.lastTick = price
		b.volume += qty
	}
	t.lastPrice = price
}

// Snapshot aggregates all non-empty buckets into the rolling 24h
// view.
func (t *ticker) Snapshot() TickerSnapshot {
	if t.currentIdx == -1 {
		return TickerSnapshot{}
	}
	var high, low, volume int64
	first := true
	for _, b := range t.buckets {
		if b.minute == 0 {
			continue
		}
		if first || b.high > high {
			high = b.high
		}
		if first || b.low < low {
			low = b.low
		}
		volume += b.volume
		first = false
	}
	return TickerSnapshot{
		LastPrice: t.lastPrice,
		High:      high,
		Low:       low,
		Volume:    volume,
		Change24h: t.lastPrice - t.oldestPrice(),
	}
}

// oldestPrice returns the last trade price recorded in the
// oldest still-live bucket, used as the ~24h-ago reference price for
// change_24h.
func (t *ticker) oldestPrice() int64 {
	oldestMinute := int64(-1)
	oldestTick := t.lastPrice
	for _, b := range t.buckets {
		if b.minute == 0 {
			continue
		}
		if oldestMinute == -1 || b.minute < oldestMinute {
			oldestMinute = b.minute
			oldestTick = b.lastTick
		}
	}
	return oldestTick
}

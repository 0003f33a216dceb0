package marketdata

import (
	"sync"

	"coreexchange/internal/common"
	"coreexchange/internal/engine"
	"coreexchange/internal/orderbook"
)

// Feed identifies one of the three subscription channels of
// spec.md §4.5/§6.3.
type Feed string

const (
	FeedDepth  Feed = "depth"
	FeedTicker Feed = "ticker"
	FeedTrades Feed = "trades"
)

// Frame is the wire shape of every message the aggregator sends a
// subscriber (spec.md §6.3): `{type, channel, payload}`.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

func channelName(feed Feed, marketID common.MarketID) string {
	return string(feed) + ":" + string(marketID)
}

// laggingDropThreshold is how many consecutive frames a subscriber
// can fail to keep up with before the aggregator sheds it, per the
// backpressure policy in spec.md §5.
const laggingDropThreshold = 32

// Subscriber is a single client's feed subscription. Lagging is
// closed once the aggregator sheds the subscriber; the caller (the
// WebSocket gateway) should select on it, send the §6.3 "lagging"
// info frame, and close the connection.
type Subscriber struct {
	Frames  <-chan Frame
	Lagging <-chan struct{}

	ch          chan Frame
	lagging     chan struct{}
	drops       int
	unsubscribe func()
}

func (s *Subscriber) Unsubscribe() {
	s.unsubscribe()
}

type marketState struct {
	depth  *depthBook
	tick   *ticker
	trades *tradeRing

	subs map[Feed][]*Subscriber
	seq  uint64
}

func newMarketState() *marketState {
	return &marketState{
		depth:  newDepthBook(),
		tick:   newTicker(),
		trades: newTradeRing(),
		subs:   make(map[Feed][]*Subscriber),
	}
}

// Aggregator is the spec.md §4.5 component: one per shard or fleet of
// shards, tailing their event streams and serving subscriptions.
type Aggregator struct {
	mu         sync.Mutex
	depthLevels int
	markets    map[common.MarketID]*marketState
}

// DefaultDepthLevels matches spec.md §4.5's default top-N.
const DefaultDepthLevels = 50

func New(depthLevels int) *Aggregator {
	if depthLevels <= 0 {
		depthLevels = DefaultDepthLevels
	}
	return &Aggregator{depthLevels: depthLevels, markets: make(map[common.MarketID]*marketState)}
}

func (a *Aggregator) market(id common.MarketID) *marketState {
	ms, ok := a.markets[id]
	if !ok {
		ms = newMarketState()
		a.markets[id] = ms
	}
	return ms
}

// Handle folds one engine event into the aggregator's per-market
// state and fans out any resulting deltas. It is the single entry
// point an event-bus consumer loop calls per record.
func (a *Aggregator) Handle(e common.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch e.Kind {
	case common.OrderAccepted:
		p, ok := e.Payload.(engine.OrderAcceptedPayload)
		if !ok || p.Order.Kind != common.Limit {
			return
		}
		ms := a.market(p.Order.MarketID)
		ms.depth.onAccepted(p.Order.ID, p.Order.Side == common.Buy, p.Order.Price, p.Order.Remaining())
		a.publishDepthDelta(p.Order.MarketID, ms)

	case common.OrderFilled:
		p, ok := e.Payload.(engine.OrderFilledPayload)
		if !ok {
			return
		}
		ms := a.market(p.Order.MarketID)
		ms.depth.onRemainingChanged(p.Order.ID, p.Order.Remaining())
		a.publishDepthDelta(p.Order.MarketID, ms)

	case common.OrderCancelled:
		p, ok := e.Payload.(engine.OrderCancelledPayload)
		if !ok {
			return
		}
		ms := a.market(p.Order.MarketID)
		ms.depth.onRemoved(p.Order.ID)
		a.publishDepthDelta(p.Order.MarketID, ms)

	case common.TradeExecuted:
		p, ok := e.Payload.(engine.TradeExecutedPayload)
		if !ok {
			return
		}
		ms := a.market(p.Trade.MarketID)
		ms.tick.record(p.Trade.Price, p.Trade.Quantity, p.Trade.Timestamp)
		rt := RecentTrade{TradeID: p.Trade.ID, Price: p.Trade.Price, Quantity: p.Trade.Quantity, TimeUnix: p.Trade.Timestamp.Unix()}
		ms.trades.push(rt)
		a.publish(p.Trade.MarketID, FeedTicker, ms.tick.Snapshot())
		a.publish(p.Trade.MarketID, FeedTrades, rt)
	}
}

func (a *Aggregator) publishDepthDelta(marketID common.MarketID, ms *marketState) {
	ms.seq++
	bids, asks := ms.depth.Snapshot(a.depthLevels)
	a.publish(marketID, FeedDepth, DepthSnapshot{MarketID: marketID, Seq: ms.seq, Bids: bids, Asks: asks})
}

// publish fans payload out to every subscriber of (marketID, feed),
// dropping it for any subscriber whose buffer is full (grounded on
// rishavpaul's publisher.go select/default pattern) and shedding a
// subscriber once it has missed laggingDropThreshold frames in a row.
func (a *Aggregator) publish(marketID common.MarketID, feed Feed, payload any) {
	ms, ok := a.markets[marketID]
	if !ok {
		return
	}
	frame := Frame{Type: "event", Channel: channelName(feed, marketID), Payload: payload}
	live := ms.subs[feed][:0]
	for _, sub := range ms.subs[feed] {
		select {
		case sub.ch <- frame:
			sub.drops = 0
			live = append(live, sub)
		default:
			sub.drops++
			if sub.drops >= laggingDropThreshold {
				close(sub.lagging)
				continue // shed: not carried forward into live
			}
			live = append(live, sub)
		}
	}
	ms.subs[feed] = live
}

// Subscribe registers a subscriber for one feed of one market and
// returns it along with the feed's initial snapshot, matching the
// "reply with an initial snapshot, then stream deltas" protocol of
// spec.md §4.5.
func (a *Aggregator) Subscribe(marketID common.MarketID, feed Feed) (*Subscriber, Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ms := a.market(marketID)
	ch := make(chan Frame, 64)
	lagging := make(chan struct{})
	sub := &Subscriber{Frames: ch, Lagging: lagging, ch: ch, lagging: lagging}
	sub.unsubscribe = func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		subs := ms.subs[feed]
		for i, s := range subs {
			if s == sub {
				ms.subs[feed] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	ms.subs[feed] = append(ms.subs[feed], sub)

	var initial Frame
	switch feed {
	case FeedDepth:
		bids, asks := ms.depth.Snapshot(a.depthLevels)
		initial = Frame{Type: "event", Channel: channelName(feed, marketID), Payload: DepthSnapshot{MarketID: marketID, Seq: ms.seq, Bids: bids, Asks: asks}}
	case FeedTicker:
		initial = Frame{Type: "event", Channel: channelName(feed, marketID), Payload: ms.tick.Snapshot()}
	case FeedTrades:
		initial = Frame{Type: "event", Channel: channelName(feed, marketID), Payload: ms.trades.Snapshot()}
	}
	return sub, initial
}

// DepthSnapshot is the depth feed's payload shape, tagged with a
// monotonically increasing Seq so subscribers can detect a gap
// between a snapshot and the deltas that follow it (spec.md §4.5).
type DepthSnapshot struct {
	MarketID common.MarketID   `json:"market_id"`
	Seq      uint64            `json:"seq"`
	Bids     []orderbook.Level `json:"bids"`
	Asks     []orderbook.Level `json:"asks"`
}

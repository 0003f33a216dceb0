// Package engine is the matching engine: the single-threaded-per-shard
// owner of a set of markets' orderbooks, the ledger partition backing
// them, and the dedup cache guarding request replay.
//
// Grounded on the teacher's internal/engine/engine.go (Engine.Books
// keyed by market, Engine.Trade as the mutation entrypoint) and
// OrderBook.handleLimit/handleMarket, generalized from a single
// float-priced book to price-time priority over integer ticks across
// many markets, with pre-lock/settle calls into internal/ledger and
// real event emission in place of the teacher's stubbed execution
// report.
package engine

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"coreexchange/internal/common"
	"coreexchange/internal/ledger"
	"coreexchange/internal/orderbook"
	"coreexchange/internal/registry"
)

// EventPublisher receives every event a shard emits, in emission
// order. Production wiring marshals the event and appends it to the
// shard's event stream (internal/eventbus); tests use a
// slice-collecting publisher.
type EventPublisher interface {
	Publish(common.Event)
}

type collectingPublisher struct {
	mu     sync.Mutex
	Events []common.Event
}

func (p *collectingPublisher) Publish(e common.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, e)
}

// dedupEntry is the cached outcome of a previously processed request,
// along with the wall-clock time it was first seen, enforcing the
// spec's "10 minutes or 100k requests" bound: golang-lru/v2 gives the
// count bound directly; the time.Time field layers the wall-clock
// bound on top since the library itself only evicts by count.
type dedupEntry struct {
	response *OrderResponse
	seenAt   time.Time
}

// DefaultDedupCapacity and DefaultDedupWindow are the spec's stated
// defaults (spec.md §4.3).
const (
	DefaultDedupCapacity = 100_000
	DefaultDedupWindow   = 10 * time.Minute
)

type marketState struct {
	book   *orderbook.OrderBook
	market common.MarketInfo
	halted bool
}

// Shard owns a disjoint set of markets and the ledger partition behind
// them (spec.md §5). It is not safe for concurrent use — callers must
// serialize calls to Place/Cancel/Deposit/Withdraw through a single
// goroutine, exactly as the single-threaded request loop described in
// §5 requires.
type Shard struct {
	ID       uint32
	registry *registry.Registry
	ledger   *ledger.Ledger
	markets  map[common.MarketID]*marketState
	orders   map[string]*common.Order // order_id -> order, across all owned markets

	dedup      *lru.Cache[string, dedupEntry]
	dedupWindow time.Duration

	arrivalSeq uint64
	eventSeq   uint64

	publisher EventPublisher
	log       zerolog.Logger
}

// New constructs a shard bound to reg's markets/tokens, publishing
// every event to pub. dedupCapacity<=0 and dedupWindow<=0 fall back to
// the spec's defaults.
func New(id uint32, reg *registry.Registry, pub EventPublisher, dedupCapacity int, dedupWindow time.Duration, log zerolog.Logger) (*Shard, error) {
	if dedupCapacity <= 0 {
		dedupCapacity = DefaultDedupCapacity
	}
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	cache, err := lru.New[string, dedupEntry](dedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("engine: dedup cache: %w", err)
	}
	s := &Shard{
		ID:          id,
		registry:    reg,
		markets:     make(map[common.MarketID]*marketState),
		orders:      make(map[string]*common.Order),
		dedup:       cache,
		dedupWindow: dedupWindow,
		publisher:   pub,
		log:         log.With().Uint32("shard", id).Logger(),
	}
	s.ledger = ledger.New(&ledgerSink{shard: s})
	for _, m := range reg.Markets() {
		s.markets[m.ID] = &marketState{book: orderbook.New(), market: m}
	}
	return s, nil
}

// Ledger exposes the shard's ledger for read-only tooling (CLI
// balance dump, property tests) — the one sanctioned reader outside
// the single-threaded request loop, per SPEC_FULL.md §4.1.
func (s *Shard) Ledger() *ledger.Ledger { return s.ledger }

func (s *Shard) nextArrivalSeq() uint64 {
	s.arrivalSeq++
	return s.arrivalSeq
}

func (s *Shard) emit(kind common.EventKind, payload any) {
	s.eventSeq++
	s.publisher.Publish(common.Event{
		Seq:     s.eventSeq,
		Ts:      time.Now(),
		Shard:   s.ID,
		Kind:    kind,
		Payload: payload,
	})
}

// ledgerSink adapts ledger.Sink to the shard's event stream, so every
// successful balance mutation surfaces as a BalanceChanged event
// without each call site having to remember to emit one.
type ledgerSink struct {
	shard *Shard
}

// BalanceChangedPayload mirrors ledger.Change; it is the JSON-facing
// shape so internal/ledger need not know about the event envelope.
type BalanceChangedPayload struct {
	UserID string              `json:"user_id"`
	Token  common.TokenID      `json:"token_id"`
	Reason ledger.ChangeReason `json:"reason"`
	Before ledger.Balance      `json:"before"`
	After  ledger.Balance      `json:"after"`
}

func (s *ledgerSink) EmitBalanceChanged(c ledger.Change) {
	s.shard.emit(common.BalanceChanged, BalanceChangedPayload{
		UserID: c.UserID,
		Token:  c.Token,
		Reason: c.Reason,
		Before: c.Before,
		After:  c.After,
	})
}

// haltMarket marks marketID as halted and emits MarketHalted. Per
// spec.md §4.3/§7 this is fatal: no further requests for the market
// are processed until an operator intervenes (there is no automatic
// recovery path in the core).
func (s *Shard) haltMarket(marketID common.MarketID, cause error) {
	ms, ok := s.markets[marketID]
	if !ok {
		return
	}
	ms.halted = true
	s.log.Error().Str("market_id", string(marketID)).Err(cause).Msg("halting market: invariant violation mid-fill")
	s.emit(common.MarketHalted, MarketHaltedPayload{MarketID: marketID, Reason: cause.Error()})
}

type MarketHaltedPayload struct {
	MarketID common.MarketID `json:"market_id"`
	Reason   string          `json:"reason"`
}

// dedupKey identifies a request for replay detection; scoped by user
// so two different users can coincidentally choose the same
// request_id without colliding.
func dedupKey(userID, requestID string) string {
	return userID + ":" + requestID
}

// checkDedup returns a previously cached response if requestID was
// seen for userID within the dedup window, and whether this is a hit.
func (s *Shard) checkDedup(userID, requestID string) (*OrderResponse, bool) {
	entry, ok := s.dedup.Get(dedupKey(userID, requestID))
	if !ok {
		return nil, false
	}
	if time.Since(entry.seenAt) > s.dedupWindow {
		return nil, false
	}
	return entry.response, true
}

func (s *Shard) rememberDedup(userID, requestID string, resp *OrderResponse) {
	s.dedup.Add(dedupKey(userID, requestID), dedupEntry{response: resp, seenAt: time.Now()})
}

// ResetDedup clears the dedup cache, the operator action behind the
// CLI's --reset-dedup (spec.md §6.5). A request replayed after this
// call is treated as new rather than deduplicated.
func (s *Shard) ResetDedup() {
	s.dedup.Purge()
}

// DepthSnapshot returns the aggregated top-n levels of marketID's
// resting orders, the same Level shape internal/marketdata's feed
// serves, for the CLI's --dump-book (spec.md §6.5, SPEC_FULL §9).
func (s *Shard) DepthSnapshot(marketID common.MarketID, n int) (bids, asks []orderbook.Level, err error) {
	ms, ok := s.markets[marketID]
	if !ok {
		return nil, nil, common.ErrUnknownMarket
	}
	bids, asks = ms.book.Depth(n)
	return bids, asks, nil
}

package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coreexchange/internal/common"
	"coreexchange/internal/registry"
)

const (
	btc  = common.TokenID("BTC")
	usdc = common.TokenID("USDC")
	btcUsdc = common.MarketID("BTC-USDC")
)

// newTestShard builds a single-market BTC/USDC shard matching the
// units spec.md §8's end-to-end scenarios use: base_decimals=8,
// tick_size=1 (so price ticks are already atomic-quote-per-atomic-base
// and quoteAmount needs no division, per DESIGN.md's resolution of the
// numeric-semantics open question), min_order_size=1000.
func newTestShard(t *testing.T) *Shard {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.AddToken(common.Token{ID: btc, Symbol: "BTC", Decimals: 8, Active: true}))
	require.NoError(t, reg.AddToken(common.Token{ID: usdc, Symbol: "USDC", Decimals: 6, Active: true}))
	require.NoError(t, reg.AddMarket(common.MarketInfo{
		ID: btcUsdc, Symbol: "BTC-USDC", BaseToken: btc, QuoteToken: usdc,
		MinOrderSize: 1000, TickSize: 1, Active: true,
	}))
	pub := &collectingPublisher{}
	sh, err := New(0, reg, pub, 0, 0, zerolog.Nop())
	require.NoError(t, err)
	return sh
}

func published(s *Shard) []common.Event {
	return s.publisher.(*collectingPublisher).Events
}

func place(s *Shard, requestID, user string, side common.Side, kind common.OrderKind, price, qty int64) *OrderResponse {
	return s.PlaceOrder(PlaceOrderRequest{
		RequestID: requestID, UserID: user, MarketID: btcUsdc,
		Side: side, Kind: kind, Price: price, Quantity: qty,
	})
}

func TestScenario1_CrossingLimitsFillsBothCompletely(t *testing.T) {
	s := newTestShard(t)
	require.NoError(t, s.Ledger().Credit("A", btc, 100_000_000))
	require.NoError(t, s.Ledger().Credit("B", usdc, 60_000_000_000))

	sellResp := place(s, "r1", "A", common.Sell, common.Limit, 50000, 1_000_000)
	require.True(t, sellResp.Success)
	assert.Equal(t, common.Pending, sellResp.Status)

	buyResp := place(s, "r2", "B", common.Buy, common.Limit, 50000, 1_000_000)
	require.True(t, buyResp.Success)
	assert.Equal(t, common.Filled, buyResp.Status)
	require.Len(t, buyResp.Trades, 1)
	assert.Equal(t, int64(50000), buyResp.Trades[0].Price)
	assert.Equal(t, int64(1_000_000), buyResp.Trades[0].Quantity)

	assert.Equal(t, int64(0), s.Ledger().Balance("A", btc).Locked)
	assert.Equal(t, int64(50_000_000_000), s.Ledger().Balance("A", usdc).Available)
	assert.Equal(t, int64(0), s.Ledger().Balance("B", usdc).Locked)
	assert.Equal(t, int64(1_000_000), s.Ledger().Balance("B", btc).Available)

	_, ok := s.markets[btcUsdc].book.BestBid()
	assert.False(t, ok, "nothing should remain resting")
}

func TestScenario2_PriceImprovementAccruesToTaker(t *testing.T) {
	s := newTestShard(t)
	require.NoError(t, s.Ledger().Credit("A", btc, 500_000))
	require.NoError(t, s.Ledger().Credit("B", usdc, 25_000_000_000))

	place(s, "r1", "A", common.Sell, common.Limit, 49000, 500_000)
	buyResp := place(s, "r2", "B", common.Buy, common.Limit, 50000, 500_000)

	require.Len(t, buyResp.Trades, 1)
	assert.Equal(t, int64(49000), buyResp.Trades[0].Price, "trade executes at the maker's price")
	assert.Equal(t, common.Filled, buyResp.Status)

	// B locked at its own limit price (50000) but paid the maker's
	// better price (49000); the (50000-49000)*500000 difference must
	// be back in available, not stranded in locked.
	bal := s.Ledger().Balance("B", usdc)
	assert.Equal(t, int64(0), bal.Locked)
	assert.Equal(t, int64(25_000_000_000-24_500_000_000), bal.Available)
}

func TestScenario3_PartialFillRestsResidual(t *testing.T) {
	s := newTestShard(t)
	require.NoError(t, s.Ledger().Credit("A", btc, 300_000))
	require.NoError(t, s.Ledger().Credit("B", usdc, 50_000_000_000))

	place(s, "r1", "A", common.Sell, common.Limit, 50000, 300_000)
	buyResp := place(s, "r2", "B", common.Buy, common.Limit, 50000, 1_000_000)

	require.Len(t, buyResp.Trades, 1)
	assert.Equal(t, int64(300_000), buyResp.Trades[0].Quantity)
	assert.Equal(t, common.PartiallyFilled, buyResp.Status)
	assert.Equal(t, int64(700_000), buyResp.RemainingQuantity)

	bestBid, ok := s.markets[btcUsdc].book.BestBid()
	require.True(t, ok)
	assert.Equal(t, int64(50000), bestBid)
}

func TestScenario4_CancelReturnsLockedFunds(t *testing.T) {
	s := newTestShard(t)
	require.NoError(t, s.Ledger().Credit("A", btc, 300_000))
	require.NoError(t, s.Ledger().Credit("B", usdc, 50_000_000_000))

	place(s, "r1", "A", common.Sell, common.Limit, 50000, 300_000)
	buyResp := place(s, "r2", "B", common.Buy, common.Limit, 50000, 1_000_000)
	require.Equal(t, common.PartiallyFilled, buyResp.Status)

	cancelResp := s.CancelOrder(CancelOrderRequest{RequestID: "r3", UserID: "B", MarketID: btcUsdc, OrderID: buyResp.OrderID})
	require.True(t, cancelResp.Success)
	assert.Equal(t, common.Cancelled, cancelResp.Status)

	bal := s.Ledger().Balance("B", usdc)
	assert.Equal(t, int64(0), bal.Locked)
	assert.Equal(t, int64(50_000_000_000-15_000_000_000), bal.Available, "700000*50000 settled back to available")

	_, ok := s.markets[btcUsdc].book.BestBid()
	assert.False(t, ok)
}

func TestScenario5_MarketBuyAgainstEmptyBookCancelsWithFullUnlock(t *testing.T) {
	s := newTestShard(t)
	require.NoError(t, s.Ledger().Credit("C", usdc, 10_000_000_000))

	resp := place(s, "r1", "C", common.Buy, common.Market, 0, 100_000)
	assert.True(t, resp.Success)
	assert.Equal(t, common.Cancelled, resp.Status)
	assert.Empty(t, resp.Trades)

	bal := s.Ledger().Balance("C", usdc)
	assert.Equal(t, int64(0), bal.Locked)
	assert.Equal(t, int64(10_000_000_000), bal.Available, "entire locked quote returned")
}

func TestScenario6_DedupReplayProducesIdenticalResponseAndOneEventSet(t *testing.T) {
	s := newTestShard(t)
	require.NoError(t, s.Ledger().Credit("A", btc, 100_000_000))
	require.NoError(t, s.Ledger().Credit("B", usdc, 60_000_000_000))

	place(s, "r1", "A", common.Sell, common.Limit, 50000, 1_000_000)

	first := place(s, "r2", "B", common.Buy, common.Limit, 50000, 1_000_000)
	eventsAfterFirst := len(published(s))

	second := place(s, "r2", "B", common.Buy, common.Limit, 50000, 1_000_000)
	assert.Equal(t, first, second)
	assert.Equal(t, eventsAfterFirst, len(published(s)), "replay must not emit a second set of events")
}

func TestBelowMinOrderSizeRejected(t *testing.T) {
	s := newTestShard(t)
	require.NoError(t, s.Ledger().Credit("A", usdc, 1_000_000_000))

	resp := place(s, "r1", "A", common.Buy, common.Limit, 50000, 999)
	assert.False(t, resp.Success)
	assert.Equal(t, "below_min_order_size", resp.StatusCode)
}

func TestTickMisalignedRejected(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.AddToken(common.Token{ID: btc, Symbol: "BTC", Decimals: 8, Active: true}))
	require.NoError(t, reg.AddToken(common.Token{ID: usdc, Symbol: "USDC", Decimals: 6, Active: true}))
	require.NoError(t, reg.AddMarket(common.MarketInfo{
		ID: btcUsdc, Symbol: "BTC-USDC", BaseToken: btc, QuoteToken: usdc,
		MinOrderSize: 1000, TickSize: 5, Active: true,
	}))
	shard, err := New(0, reg, &collectingPublisher{}, 0, 0, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, shard.Ledger().Credit("A", usdc, 1_000_000_000))

	resp := place(shard, "r1", "A", common.Buy, common.Limit, 50001, 1000)
	assert.False(t, resp.Success)
	assert.Equal(t, "tick_misaligned", resp.StatusCode)
}

func TestCancelOfFilledOrderReturnsOrderTerminal(t *testing.T) {
	s := newTestShard(t)
	require.NoError(t, s.Ledger().Credit("A", btc, 100_000_000))
	require.NoError(t, s.Ledger().Credit("B", usdc, 60_000_000_000))

	place(s, "r1", "A", common.Sell, common.Limit, 50000, 1_000_000)
	buyResp := place(s, "r2", "B", common.Buy, common.Limit, 50000, 1_000_000)
	require.Equal(t, common.Filled, buyResp.Status)

	cancelResp := s.CancelOrder(CancelOrderRequest{RequestID: "r3", UserID: "B", MarketID: btcUsdc, OrderID: buyResp.OrderID})
	assert.False(t, cancelResp.Success)
	assert.Equal(t, "order_terminal", cancelResp.StatusCode)

	second := s.CancelOrder(CancelOrderRequest{RequestID: "r4", UserID: "B", MarketID: btcUsdc, OrderID: buyResp.OrderID})
	assert.Equal(t, "order_terminal", second.StatusCode)
}

func TestMidFillLedgerInvariantViolationHaltsMarket(t *testing.T) {
	s := newTestShard(t)
	require.NoError(t, s.Ledger().Credit("A", btc, 500_000))
	require.NoError(t, s.Ledger().Credit("B", usdc, 50_000_000_000))

	sellResp := place(s, "r1", "A", common.Sell, common.Limit, 50000, 500_000)
	require.True(t, sellResp.Success)
	require.Equal(t, int64(500_000), s.Ledger().Balance("A", btc).Locked)

	// Drain A's locked BTC out from under the resting order, simulating
	// the double-spend/race an invariant violation is meant to catch:
	// the book still thinks this quantity is available to settle, but
	// the ledger no longer has it locked.
	require.NoError(t, s.Ledger().Unlock("A", btc, 500_000))

	buyResp := place(s, "r2", "B", common.Buy, common.Limit, 50000, 500_000)
	assert.Empty(t, buyResp.Trades, "settlement failed mid-fill, no trade can be reported")

	assert.True(t, s.markets[btcUsdc].halted, "market must halt rather than let the inconsistency escape")

	var halted *MarketHaltedPayload
	for _, e := range published(s) {
		if p, ok := e.Payload.(MarketHaltedPayload); ok {
			halted = &p
		}
	}
	require.NotNil(t, halted, "MarketHalted must be published")
	assert.Equal(t, btcUsdc, halted.MarketID)

	after := place(s, "r3", "B", common.Buy, common.Limit, 50000, 500_000)
	assert.False(t, after.Success)
	assert.Equal(t, "market_halted", after.StatusCode)
}

func TestDepositAndWithdrawFlowThroughDedup(t *testing.T) {
	s := newTestShard(t)

	resp := s.Deposit(DepositRequest{RequestID: "d1", UserID: "A", TokenID: usdc, Amount: 1000})
	require.True(t, resp.Success)
	assert.Equal(t, int64(1000), s.Ledger().Balance("A", usdc).Available)

	replay := s.Deposit(DepositRequest{RequestID: "d1", UserID: "A", TokenID: usdc, Amount: 1000})
	assert.Equal(t, resp, replay)
	assert.Equal(t, int64(1000), s.Ledger().Balance("A", usdc).Available, "replay must not double-credit")

	wResp := s.Withdraw(WithdrawRequest{RequestID: "w1", UserID: "A", TokenID: usdc, Amount: 400})
	require.True(t, wResp.Success)
	assert.Equal(t, int64(600), s.Ledger().Balance("A", usdc).Available)
}

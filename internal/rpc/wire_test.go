package rpc

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"coreexchange/internal/common"
	"coreexchange/internal/engine"
	"coreexchange/internal/registry"
)

const (
	btc     = common.TokenID("BTC")
	usdc    = common.TokenID("USDC")
	btcUsdc = common.MarketID("BTC-USDC")
)

func newTestShard(t *testing.T) *engine.Shard {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.AddToken(common.Token{ID: btc, Symbol: "BTC", Decimals: 8, Active: true}))
	require.NoError(t, reg.AddToken(common.Token{ID: usdc, Symbol: "USDC", Decimals: 6, Active: true}))
	require.NoError(t, reg.AddMarket(common.MarketInfo{
		ID: btcUsdc, Symbol: "BTC-USDC", BaseToken: btc, QuoteToken: usdc,
		MinOrderSize: 1000, TickSize: 1, Active: true,
	}))
	sh, err := engine.New(0, reg, noopPublisher{}, 0, 0, zerolog.Nop())
	require.NoError(t, err)
	return sh
}

type noopPublisher struct{}

func (noopPublisher) Publish(common.Event) {}

func TestDispatchPlaceOrderThenCancel(t *testing.T) {
	sh := newTestShard(t)
	require.NoError(t, sh.Ledger().Credit("A", btc, 100_000_000))

	resp, err := Dispatch(sh, Request{
		Type: TypePlaceOrder, RequestID: "r1", UserID: "A", MarketID: btcUsdc,
		Side: common.Sell, Kind: common.Limit, Price: 100, Quantity: 5000,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.OrderID)

	wire := FromOrderResponse(resp)
	require.Equal(t, "r1", wire.RequestID)
	require.True(t, wire.Success)

	cancelResp, err := Dispatch(sh, Request{
		Type: TypeCancelOrder, RequestID: "r2", UserID: "A", MarketID: btcUsdc, OrderID: resp.OrderID,
	})
	require.NoError(t, err)
	require.Equal(t, common.Cancelled, cancelResp.Status)
}

func TestDispatchDepositWithdraw(t *testing.T) {
	sh := newTestShard(t)

	resp, err := Dispatch(sh, Request{Type: TypeDeposit, RequestID: "d1", UserID: "A", TokenID: usdc, Amount: 1000})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = Dispatch(sh, Request{Type: TypeWithdraw, RequestID: "w1", UserID: "A", TokenID: usdc, Amount: 400})
	require.NoError(t, err)
	require.True(t, resp.Success)

	bal := sh.Ledger().Balance("A", usdc)
	require.Equal(t, int64(600), bal.Available)
}

func TestDispatchUnknownTypeErrors(t *testing.T) {
	sh := newTestShard(t)
	_, err := Dispatch(sh, Request{Type: "bogus"})
	require.Error(t, err)
}

package engine

import (
	"time"

	"coreexchange/internal/common"
)

// PlaceOrderRequest is the decoded form of the gateway's PlaceOrder RPC
// (spec.md §6.1). Price is ignored for Market orders.
type PlaceOrderRequest struct {
	RequestID string
	UserID    string
	MarketID  common.MarketID
	Side      common.Side
	Kind      common.OrderKind
	Price     int64
	Quantity  int64
}

// CancelOrderRequest is the decoded form of the gateway's CancelOrder RPC.
type CancelOrderRequest struct {
	RequestID string
	UserID    string
	MarketID  common.MarketID
	OrderID   string
}

// DepositRequest and WithdrawRequest are the admin/simulator ledger-only
// RPCs (§9 supplemented features): they still flow through the dedup
// cache and emit BalanceChanged, since they share the request bus.
type DepositRequest struct {
	RequestID string
	UserID    string
	TokenID   common.TokenID
	Amount    int64
}

type WithdrawRequest struct {
	RequestID string
	UserID    string
	TokenID   common.TokenID
	Amount    int64
}

// TradeView is the caller-facing trade summary embedded in an
// OrderResponse — deliberately thinner than common.Trade.
type TradeView struct {
	TradeID   string
	Price     int64
	Quantity  int64
	Timestamp time.Time
}

// OrderResponse is the envelope returned for every request kind
// (spec.md §6.1). StatusCode is the machine-readable error name from
// internal/common/errors.go, empty on success.
type OrderResponse struct {
	RequestID         string
	Success           bool
	Status            common.OrderStatus
	OrderID           string
	FilledQuantity    int64
	RemainingQuantity int64
	AveragePrice      int64
	Trades            []TradeView
	Message           string
	StatusCode        string
}

func rejected(requestID, statusCode string, err error) *OrderResponse {
	return &OrderResponse{
		RequestID:  requestID,
		Success:    false,
		Status:     common.Rejected,
		Message:    err.Error(),
		StatusCode: statusCode,
	}
}

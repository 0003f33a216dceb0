// Package rpc is the JSON wire schema for spec.md §6.1's gateway→engine
// request bus: the shared contract between the engine's request
// consumer (cmd/engine) and any producer of requests (cmd/simclient,
// a real gateway). Kept separate from internal/engine so the engine
// package itself stays free of wire-format concerns, matching the
// teacher's own split between internal/net's wire structs and
// internal/engine's domain types.
package rpc

import (
	"fmt"
	"time"

	"coreexchange/internal/common"
	"coreexchange/internal/engine"
)

// RequestType discriminates the four RPCs spec.md §6.1 lists. The
// spec's wire snippet doesn't show a type tag since it documents each
// RPC's fields independently; putting one on the wire is this repo's
// choice so a single request stream can carry all four, mirroring the
// "kind" field spec.md §6.2's event frames and "action" field §6.3's
// client frames already use.
type RequestType string

const (
	TypePlaceOrder  RequestType = "PlaceOrder"
	TypeCancelOrder RequestType = "CancelOrder"
	TypeDeposit     RequestType = "Deposit"
	TypeWithdraw    RequestType = "Withdraw"
)

// Request is the union of every field any of the four RPCs can carry.
// Exactly the fields for Type are meaningful; the rest are zero.
type Request struct {
	Type      RequestType      `json:"type"`
	RequestID string           `json:"request_id"`
	UserID    string           `json:"user_id"`
	MarketID  common.MarketID  `json:"market_id,omitempty"`
	Side      common.Side      `json:"side,omitempty"`
	Kind      common.OrderKind `json:"kind,omitempty"`
	Price     int64            `json:"price,omitempty"`
	Quantity  int64            `json:"quantity,omitempty"`
	OrderID   string           `json:"order_id,omitempty"`
	TokenID   common.TokenID   `json:"token_id,omitempty"`
	Amount    int64            `json:"amount,omitempty"`
}

// TradeView mirrors engine.TradeView with JSON tags for the wire.
type TradeView struct {
	TradeID   string    `json:"trade_id"`
	Price     int64     `json:"price"`
	Quantity  int64     `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is spec.md §6.1's response envelope.
type Response struct {
	RequestID         string             `json:"request_id"`
	Success           bool               `json:"success"`
	Status            common.OrderStatus `json:"status"`
	OrderID           string             `json:"order_id,omitempty"`
	FilledQuantity    int64              `json:"filled_quantity,omitempty"`
	RemainingQuantity int64              `json:"remaining_quantity,omitempty"`
	AveragePrice      int64              `json:"average_price,omitempty"`
	Trades            []TradeView        `json:"trades,omitempty"`
	Message           string             `json:"message,omitempty"`
	StatusCode        string             `json:"status_code,omitempty"`
}

// ToPlaceOrder converts a wire request into the engine's typed form.
func (r Request) ToPlaceOrder() engine.PlaceOrderRequest {
	return engine.PlaceOrderRequest{
		RequestID: r.RequestID,
		UserID:    r.UserID,
		MarketID:  r.MarketID,
		Side:      r.Side,
		Kind:      r.Kind,
		Price:     r.Price,
		Quantity:  r.Quantity,
	}
}

func (r Request) ToCancelOrder() engine.CancelOrderRequest {
	return engine.CancelOrderRequest{
		RequestID: r.RequestID,
		UserID:    r.UserID,
		MarketID:  r.MarketID,
		OrderID:   r.OrderID,
	}
}

func (r Request) ToDeposit() engine.DepositRequest {
	return engine.DepositRequest{RequestID: r.RequestID, UserID: r.UserID, TokenID: r.TokenID, Amount: r.Amount}
}

func (r Request) ToWithdraw() engine.WithdrawRequest {
	return engine.WithdrawRequest{RequestID: r.RequestID, UserID: r.UserID, TokenID: r.TokenID, Amount: r.Amount}
}

// FromOrderResponse converts the engine's response into its wire form.
func FromOrderResponse(r *engine.OrderResponse) Response {
	trades := make([]TradeView, len(r.Trades))
	for i, tv := range r.Trades {
		trades[i] = TradeView{TradeID: tv.TradeID, Price: tv.Price, Quantity: tv.Quantity, Timestamp: tv.Timestamp}
	}
	return Response{
		RequestID:         r.RequestID,
		Success:           r.Success,
		Status:            r.Status,
		OrderID:           r.OrderID,
		FilledQuantity:    r.FilledQuantity,
		RemainingQuantity: r.RemainingQuantity,
		AveragePrice:      r.AveragePrice,
		Trades:            trades,
		Message:           r.Message,
		StatusCode:        r.StatusCode,
	}
}

// Dispatch routes a decoded Request to the right engine method on s.
func Dispatch(s *engine.Shard, r Request) (*engine.OrderResponse, error) {
	switch r.Type {
	case TypePlaceOrder:
		return s.PlaceOrder(r.ToPlaceOrder()), nil
	case TypeCancelOrder:
		return s.CancelOrder(r.ToCancelOrder()), nil
	case TypeDeposit:
		return s.Deposit(r.ToDeposit()), nil
	case TypeWithdraw:
		return s.Withdraw(r.ToWithdraw()), nil
	default:
		return nil, fmt.Errorf("rpc: unknown request type %q", r.Type)
	}
}

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coreexchange/internal/common"
	"coreexchange/internal/orderbook"
)

// Event payloads. Each mirrors the corresponding §3 entity closely
// enough that the persistence worker can project it directly; none
// leak engine-internal types (orderbook.RestingOrder, lru cache keys).

type OrderAcceptedPayload struct {
	Order common.Order `json:"order"`
}

type OrderRejectedPayload struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	MarketID  common.MarketID `json:"market_id"`
	Reason    string `json:"reason"`
	Code      string `json:"code"`
}

type OrderFilledPayload struct {
	Order common.Order `json:"order"`
}

type OrderCancelledPayload struct {
	Order common.Order `json:"order"`
}

type TradeExecutedPayload struct {
	Trade common.Trade `json:"trade"`
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// PlaceOrder runs the full validate/lock/match/residual/emit sequence
// of spec.md §4.3.
func (s *Shard) PlaceOrder(req PlaceOrderRequest) *OrderResponse {
	if cached, ok := s.checkDedup(req.UserID, req.RequestID); ok {
		return cached
	}

	ms, ok := s.markets[req.MarketID]
	if !ok {
		return s.rejectOrder(req.RequestID, req.UserID, req.MarketID, common.ErrUnknownMarket, "unknown_market")
	}
	if ms.halted {
		return s.rejectOrder(req.RequestID, req.UserID, req.MarketID, common.ErrMarketHalted, "market_halted")
	}
	active := ms.market.Active
	if m, ok := s.registry.Market(req.MarketID); ok {
		active = m.Active
	}
	if !active {
		return s.rejectOrder(req.RequestID, req.UserID, req.MarketID, common.ErrMarketInactive, "market_inactive")
	}
	if req.Quantity < ms.market.MinOrderSize {
		return s.rejectOrder(req.RequestID, req.UserID, req.MarketID, common.ErrBelowMinOrderSize, "below_min_order_size")
	}
	price := req.Price
	if req.Kind == common.Limit {
		if price <= 0 {
			return s.rejectOrder(req.RequestID, req.UserID, req.MarketID, common.ErrInvalidRequest, "invalid_request")
		}
		if price%ms.market.TickSize != 0 {
			return s.rejectOrder(req.RequestID, req.UserID, req.MarketID, common.ErrTickMisaligned, "tick_misaligned")
		}
	} else {
		price = 0
	}

	lockedToken, lockedAmount, err := s.preLockAmount(ms, req.Side, req.Kind, price, req.Quantity, req.UserID)
	if err != nil {
		return s.rejectOrder(req.RequestID, req.UserID, req.MarketID, err, statusCode(err))
	}
	if err := s.ledger.Lock(req.UserID, lockedToken, lockedAmount); err != nil {
		return s.rejectOrder(req.RequestID, req.UserID, req.MarketID, err, statusCode(err))
	}

	now := time.Now()
	order := &common.Order{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		MarketID:   req.MarketID,
		Side:       req.Side,
		Kind:       req.Kind,
		Price:      price,
		Quantity:   req.Quantity,
		Status:     common.Pending,
		ArrivalSeq: s.nextArrivalSeq(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.orders[order.ID] = order
	s.emit(common.OrderAccepted, OrderAcceptedPayload{Order: *order})

	trades, quoteSpent := s.match(ms, order, lockedAmount)

	s.applyResidual(ms, order, lockedToken, lockedAmount, quoteSpent)
	order.UpdatedAt = time.Now()

	switch order.Status {
	case common.Filled, common.PartiallyFilled:
		s.emit(common.OrderFilled, OrderFilledPayload{Order: *order})
	case common.Cancelled:
		s.emit(common.OrderCancelled, OrderCancelledPayload{Order: *order})
	}

	resp := &OrderResponse{
		RequestID:         req.RequestID,
		Success:           true,
		Status:            order.Status,
		OrderID:           order.ID,
		FilledQuantity:    order.Filled,
		RemainingQuantity: order.Remaining(),
		AveragePrice:      averagePrice(trades),
		Trades:            trades,
	}
	s.rememberDedup(req.UserID, req.RequestID, resp)
	return resp
}

// preLockAmount implements spec.md §4.3 step 2.
func (s *Shard) preLockAmount(ms *marketState, side common.Side, kind common.OrderKind, price, quantity int64, userID string) (common.TokenID, int64, error) {
	switch {
	case side == common.Buy && kind == common.Limit:
		amt, err := quoteAmount(price, quantity, ms.market.TickSize)
		if err != nil {
			return "", 0, err
		}
		return ms.market.QuoteToken, amt, nil
	case side == common.Sell:
		return ms.market.BaseToken, quantity, nil
	default: // Buy Market: lock the user's entire available quote, bounded spend
		bal := s.ledger.Balance(userID, ms.market.QuoteToken)
		return ms.market.QuoteToken, bal.Available, nil
	}
}

// match runs the price-time-priority sweep of spec.md §4.3 step 3,
// mutating order.Filled and the opposite side of ms.book in place, and
// returns the trades produced plus (for a Buy Market taker) the total
// quote spent against lockedAmount.
func (s *Shard) match(ms *marketState, order *common.Order, lockedAmount int64) ([]TradeView, int64) {
	var trades []TradeView
	var quoteSpent int64
	takerIsBuy := order.Side == common.Buy
	makerIsBidSide := !takerIsBuy // taker buy matches resting asks; taker sell matches resting bids

	for order.Remaining() > 0 {
		head, headPrice, ok := ms.book.PeekBest(makerIsBidSide)
		if !ok {
			break
		}

		if !s.crosses(order, headPrice, takerIsBuy, lockedAmount, quoteSpent, ms.market.TickSize) {
			break
		}

		fillQty := min64(order.Remaining(), head.Remaining)
		if takerIsBuy && order.Kind == common.Market {
			rate, err := quoteAmount(headPrice, 1, ms.market.TickSize)
			if err != nil {
				s.haltMarket(ms.market.ID, err)
				return trades, quoteSpent
			}
			remaining := lockedAmount - quoteSpent
			if affordable := remaining / rate; affordable < fillQty {
				fillQty = affordable
			}
			if fillQty <= 0 {
				break
			}
		}

		quoteAmt, err := quoteAmount(headPrice, fillQty, ms.market.TickSize)
		if err != nil {
			s.haltMarket(ms.market.ID, err)
			return trades, quoteSpent
		}

		trade, err := s.settleFill(ms, order, head, headPrice, fillQty, quoteAmt, takerIsBuy)
		if err != nil {
			s.haltMarket(ms.market.ID, err)
			return trades, quoteSpent
		}
		if takerIsBuy {
			quoteSpent += quoteAmt
			// Buy Limit locks fillQty at the taker's own price; the maker
			// may have rested at a better (lower) price, so the
			// difference accrues back to the taker immediately rather
			// than sitting locked until the order's residual is cancelled.
			if order.Kind == common.Limit {
				if ownCost, err := quoteAmount(order.Price, fillQty, ms.market.TickSize); err == nil && ownCost > quoteAmt {
					if err := s.ledger.Unlock(order.UserID, ms.market.QuoteToken, ownCost-quoteAmt); err != nil {
						s.haltMarket(ms.market.ID, err)
						return trades, quoteSpent
					}
				}
			}
		}

		order.Filled += fillQty
		ms.book.DecrementHead(makerIsBidSide, fillQty)

		if makerOrder, ok := s.orders[head.OrderID]; ok {
			makerOrder.Filled += fillQty
			makerOrder.UpdatedAt = trade.Timestamp
			if makerOrder.Remaining() == 0 {
				makerOrder.Status = common.Filled
			} else {
				makerOrder.Status = common.PartiallyFilled
			}
			s.emit(common.OrderFilled, OrderFilledPayload{Order: *makerOrder})
		}
		ms.book.PopFilled(makerIsBidSide)

		trades = append(trades, TradeView{TradeID: trade.ID, Price: headPrice, Quantity: fillQty, Timestamp: trade.Timestamp})
	}

	return trades, quoteSpent
}

// crosses reports whether the taker still crosses the best opposing
// price, per spec.md §4.3 step 3's Limit/Market distinction.
func (s *Shard) crosses(order *common.Order, headPrice int64, takerIsBuy bool, lockedAmount, quoteSpent, tickSize int64) bool {
	if order.Kind == common.Limit {
		if takerIsBuy {
			return headPrice <= order.Price
		}
		return headPrice >= order.Price
	}
	if !takerIsBuy {
		return true // Sell Market: any non-empty bid side crosses
	}
	rate, err := quoteAmount(headPrice, 1, tickSize)
	if err != nil {
		return false
	}
	return lockedAmount-quoteSpent >= rate
}

// settleFill performs the four-legged balance mutation of one fill
// (spec.md §4.3 step 3's settlement bullet) and returns the resulting
// trade record.
func (s *Shard) settleFill(ms *marketState, taker *common.Order, maker *orderbook.RestingOrder, price, qty, quoteAmt int64, takerIsBuy bool) (common.Trade, error) {
	now := time.Now()
	trade := common.Trade{
		ID:        uuid.New().String(),
		MarketID:  ms.market.ID,
		Price:     price,
		Quantity:  qty,
		Timestamp: now,
	}

	var buyUser, sellUser string
	if takerIsBuy {
		trade.BuyOrderID, trade.SellOrderID = taker.ID, maker.OrderID
		buyUser, sellUser = taker.UserID, maker.UserID
	} else {
		trade.BuyOrderID, trade.SellOrderID = maker.OrderID, taker.ID
		buyUser, sellUser = maker.UserID, taker.UserID
	}
	trade.BuyUserID, trade.SellUserID = buyUser, sellUser

	if err := s.ledger.Settle(buyUser, ms.market.QuoteToken, quoteAmt); err != nil {
		return trade, fmt.Errorf("settle buyer quote: %w", err)
	}
	if err := s.ledger.Credit(buyUser, ms.market.BaseToken, qty); err != nil {
		return trade, fmt.Errorf("credit buyer base: %w", err)
	}
	if err := s.ledger.Settle(sellUser, ms.market.BaseToken, qty); err != nil {
		return trade, fmt.Errorf("settle seller base: %w", err)
	}
	if err := s.ledger.Credit(sellUser, ms.market.QuoteToken, quoteAmt); err != nil {
		return trade, fmt.Errorf("credit seller quote: %w", err)
	}

	s.emit(common.TradeExecuted, TradeExecutedPayload{Trade: trade})
	return trade, nil
}

// applyResidual implements spec.md §4.3 step 4.
func (s *Shard) applyResidual(ms *marketState, order *common.Order, lockedToken common.TokenID, lockedAmount, quoteSpent int64) {
	if order.Kind == common.Limit {
		if order.Remaining() > 0 {
			ms.book.Insert(order.Side == common.Buy, order.Price, &orderbook.RestingOrder{
				OrderID:    order.ID,
				UserID:     order.UserID,
				Remaining:  order.Remaining(),
				ArrivalSeq: order.ArrivalSeq,
			})
			if order.Filled > 0 {
				order.Status = common.PartiallyFilled
			} else {
				order.Status = common.Pending
			}
		} else {
			order.Status = common.Filled
		}
		return
	}

	// Market: unlock whatever of the pre-lock was not spent.
	var unspent int64
	if order.Side == common.Buy {
		unspent = lockedAmount - quoteSpent
	} else {
		unspent = order.Remaining()
	}
	if unspent > 0 {
		if err := s.ledger.Unlock(order.UserID, lockedToken, unspent); err != nil {
			s.haltMarket(ms.market.ID, err)
			return
		}
	}
	if order.Filled > 0 {
		order.Status = common.Filled
	} else {
		order.Status = common.Cancelled
	}
}

// CancelOrder implements spec.md §4.3's CancelOrder path.
func (s *Shard) CancelOrder(req CancelOrderRequest) *OrderResponse {
	if cached, ok := s.checkDedup(req.UserID, req.RequestID); ok {
		return cached
	}

	order, ok := s.orders[req.OrderID]
	if !ok {
		resp := rejected(req.RequestID, "unknown_order", common.ErrUnknownOrder)
		s.rememberDedup(req.UserID, req.RequestID, resp)
		return resp
	}
	if order.UserID != req.UserID {
		resp := rejected(req.RequestID, "not_owner", common.ErrNotOwner)
		s.rememberDedup(req.UserID, req.RequestID, resp)
		return resp
	}
	if order.Status.Terminal() {
		resp := rejected(req.RequestID, "order_terminal", common.ErrOrderTerminal)
		s.rememberDedup(req.UserID, req.RequestID, resp)
		return resp
	}

	ms := s.markets[order.MarketID]
	if ms.halted {
		resp := rejected(req.RequestID, "market_halted", common.ErrMarketHalted)
		s.rememberDedup(req.UserID, req.RequestID, resp)
		return resp
	}
	ms.book.Remove(order.ID)

	var unlockToken common.TokenID
	var unlockAmount int64
	if order.Side == common.Buy {
		amt, err := quoteAmount(order.Price, order.Remaining(), ms.market.TickSize)
		if err != nil {
			s.haltMarket(order.MarketID, err)
			resp := rejected(req.RequestID, "market_halted", common.ErrMarketHalted)
			return resp
		}
		unlockToken, unlockAmount = ms.market.QuoteToken, amt
	} else {
		unlockToken, unlockAmount = ms.market.BaseToken, order.Remaining()
	}
	if err := s.ledger.Unlock(order.UserID, unlockToken, unlockAmount); err != nil {
		s.haltMarket(order.MarketID, err)
		resp := rejected(req.RequestID, "market_halted", common.ErrMarketHalted)
		return resp
	}

	order.Status = common.Cancelled
	order.UpdatedAt = time.Now()
	s.emit(common.OrderCancelled, OrderCancelledPayload{Order: *order})

	resp := &OrderResponse{
		RequestID:         req.RequestID,
		Success:           true,
		Status:            common.Cancelled,
		OrderID:           order.ID,
		FilledQuantity:    order.Filled,
		RemainingQuantity: 0,
	}
	s.rememberDedup(req.UserID, req.RequestID, resp)
	return resp
}

// Deposit and Withdraw are the ledger-only RPCs supplemented in
// SPEC_FULL.md §9: they share the request bus and dedup cache with
// order placement, so a retried deposit never double-credits.
func (s *Shard) Deposit(req DepositRequest) *OrderResponse {
	if cached, ok := s.checkDedup(req.UserID, req.RequestID); ok {
		return cached
	}
	resp := &OrderResponse{RequestID: req.RequestID}
	if err := s.ledger.Credit(req.UserID, req.TokenID, req.Amount); err != nil {
		resp.Status = common.Rejected
		resp.Message = err.Error()
		resp.StatusCode = statusCode(err)
	} else {
		resp.Success = true
		resp.Status = common.Filled
	}
	s.rememberDedup(req.UserID, req.RequestID, resp)
	return resp
}

func (s *Shard) Withdraw(req WithdrawRequest) *OrderResponse {
	if cached, ok := s.checkDedup(req.UserID, req.RequestID); ok {
		return cached
	}
	resp := &OrderResponse{RequestID: req.RequestID}
	if err := s.ledger.Debit(req.UserID, req.TokenID, req.Amount); err != nil {
		resp.Status = common.Rejected
		resp.Message = err.Error()
		resp.StatusCode = statusCode(err)
	} else {
		resp.Success = true
		resp.Status = common.Filled
	}
	s.rememberDedup(req.UserID, req.RequestID, resp)
	return resp
}

func (s *Shard) rejectOrder(requestID, userID string, marketID common.MarketID, err error, code string) *OrderResponse {
	s.emit(common.OrderRejected, OrderRejectedPayload{RequestID: requestID, UserID: userID, MarketID: marketID, Reason: err.Error(), Code: code})
	resp := rejected(requestID, code, err)
	s.rememberDedup(userID, requestID, resp)
	return resp
}

// statusCode maps a sentinel error to the machine-readable status
// surfaced in OrderResponse.StatusCode (spec.md §7). Errors may be
// wrapped with fmt.Errorf("%w", ...), so matching goes through
// errors.Is rather than direct comparison.
func statusCode(err error) string {
	switch {
	case errors.Is(err, common.ErrInsufficientAvailable):
		return "insufficient_available"
	case errors.Is(err, common.ErrInsufficientLocked):
		return "insufficient_locked"
	case errors.Is(err, common.ErrTickMisaligned):
		return "tick_misaligned"
	case errors.Is(err, common.ErrBelowMinOrderSize):
		return "below_min_order_size"
	case errors.Is(err, common.ErrUnknownMarket):
		return "unknown_market"
	case errors.Is(err, common.ErrMarketInactive):
		return "market_inactive"
	case errors.Is(err, common.ErrMarketHalted):
		return "market_halted"
	default:
		return "invalid_request"
	}
}

func averagePrice(trades []TradeView) int64 {
	if len(trades) == 0 {
		return 0
	}
	var totalQuote, totalQty int64
	for _, t := range trades {
		totalQuote += t.Price * t.Quantity
		totalQty += t.Quantity
	}
	if totalQty == 0 {
		return 0
	}
	return totalQuote / totalQty
}

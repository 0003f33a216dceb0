// Package ledger is the sole source of truth for user funds: a map of
// (user, token) to available/locked integer balances in atomic units.
// Every operation is total (it never panics on bad input) and
// side-effect-free on failure — a failed call mutates nothing.
//
// The ledger is shard-owned (spec.md §5): the engine's single-threaded
// request loop is the only writer. Every mutation still takes the
// RWMutex's write lock and Balance takes its read lock, because
// read-only tooling (the CLI's balance dump, property tests) may
// observe the map from another goroutine while the engine runs.
package ledger

import (
	"fmt"
	"sync"

	"coreexchange/internal/common"
)

// Balance is the available/locked partition for one (user, token).
type Balance struct {
	Available int64
	Locked    int64
}

type key struct {
	user  string
	token common.TokenID
}

// ChangeReason labels why a BalanceChanged event fired, for downstream
// consumers that don't want to re-derive it from context.
type ChangeReason string

const (
	ReasonDeposit  ChangeReason = "deposit"
	ReasonWithdraw ChangeReason = "withdraw"
	ReasonLock     ChangeReason = "lock"
	ReasonUnlock   ChangeReason = "unlock"
	ReasonSettle   ChangeReason = "settle"
)

// Change is the pre/post snapshot carried on a BalanceChanged event.
type Change struct {
	UserID string
	Token  common.TokenID
	Reason ChangeReason
	Before Balance
	After  Balance
}

// Sink receives a Change every time a ledger call succeeds. The engine
// wires this to its event emitter; tests may use a slice-collecting
// sink.
type Sink interface {
	EmitBalanceChanged(Change)
}

// NopSink discards changes. Useful for ledger-only unit tests that
// don't care about the event stream.
type NopSink struct{}

func (NopSink) EmitBalanceChanged(Change) {}

// Ledger holds balances for the shard's partition of (user, token)
// space.
type Ledger struct {
	mu       sync.RWMutex
	balances map[key]Balance
	sink     Sink
}

func New(sink Sink) *Ledger {
	if sink == nil {
		sink = NopSink{}
	}
	return &Ledger{
		balances: make(map[key]Balance),
		sink:     sink,
	}
}

func (l *Ledger) get(k key) Balance {
	return l.balances[k]
}

// Balance returns a snapshot of a user's balance in a token. Missing
// entries read as zero, matching "created on first credit" semantics.
func (l *Ledger) Balance(userID string, token common.TokenID) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.get(key{userID, token})
}

// Credit increases available balance. Always succeeds for non-negative
// amounts.
func (l *Ledger) Credit(userID string, token common.TokenID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit amount", common.ErrInvalidRequest)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{userID, token}
	before := l.get(k)
	after := before
	after.Available += amount
	l.balances[k] = after
	l.sink.EmitBalanceChanged(Change{UserID: userID, Token: token, Reason: ReasonDeposit, Before: before, After: after})
	return nil
}

// Debit decreases available balance. Fails with ErrInsufficientAvailable
// without mutating state.
func (l *Ledger) Debit(userID string, token common.TokenID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit amount", common.ErrInvalidRequest)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{userID, token}
	before := l.get(k)
	if amount > before.Available {
		return common.ErrInsufficientAvailable
	}
	after := before
	after.Available -= amount
	l.balances[k] = after
	l.sink.EmitBalanceChanged(Change{UserID: userID, Token: token, Reason: ReasonWithdraw, Before: before, After: after})
	return nil
}

// Lock moves amount from available to locked, reserving it against an
// open order.
func (l *Ledger) Lock(userID string, token common.TokenID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative lock amount", common.ErrInvalidRequest)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{userID, token}
	before := l.get(k)
	if amount > before.Available {
		return common.ErrInsufficientAvailable
	}
	after := before
	after.Available -= amount
	after.Locked += amount
	l.balances[k] = after
	l.sink.EmitBalanceChanged(Change{UserID: userID, Token: token, Reason: ReasonLock, Before: before, After: after})
	return nil
}

// Unlock moves amount from locked back to available, releasing a
// reservation (cancel, rounding remainder, unused market-buy budget).
func (l *Ledger) Unlock(userID string, token common.TokenID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative unlock amount", common.ErrInvalidRequest)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{userID, token}
	before := l.get(k)
	if amount > before.Locked {
		return common.ErrInsufficientLocked
	}
	after := before
	after.Locked -= amount
	after.Available += amount
	l.balances[k] = after
	l.sink.EmitBalanceChanged(Change{UserID: userID, Token: token, Reason: ReasonUnlock, Before: before, After: after})
	return nil
}

// Settle decreases locked balance: funds leave the account entirely on
// trade settlement (the counter-asset is credited separately via
// Credit).
func (l *Ledger) Settle(userID string, token common.TokenID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative settle amount", common.ErrInvalidRequest)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{userID, token}
	before := l.get(k)
	if amount > before.Locked {
		return common.ErrInsufficientLocked
	}
	after := before
	after.Locked -= amount
	l.balances[k] = after
	l.sink.EmitBalanceChanged(Change{UserID: userID, Token: token, Reason: ReasonSettle, Before: before, After: after})
	return nil
}

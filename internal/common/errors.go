package common

import "errors"

// Sentinel errors surfaced to callers per spec.md §7. Every one maps
// to a Rejected response with a machine status of the same name.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrUnknownMarket         = errors.New("unknown market")
	ErrMarketInactive        = errors.New("market inactive")
	ErrUnknownOrder          = errors.New("unknown order")
	ErrNotOwner              = errors.New("not owner")
	ErrOrderTerminal         = errors.New("order terminal")
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrInsufficientLocked    = errors.New("insufficient locked balance")
	ErrTickMisaligned        = errors.New("price misaligned to tick size")
	ErrBelowMinOrderSize     = errors.New("quantity below minimum order size")
	ErrDuplicateRequest      = errors.New("duplicate request")
	ErrUnknownRequest        = errors.New("unknown request")
	ErrEngineTimeout         = errors.New("engine timeout")
	ErrMarketHalted          = errors.New("market halted")
	ErrUnknownToken          = errors.New("unknown token")
)

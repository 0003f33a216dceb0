package engine

import (
	"fmt"
	"math"

	"coreexchange/internal/common"
)

// quoteAmount converts a fill on the base side into its atomic-quote
// cost. tick_size is already defined (spec.md §3) as atomic quote
// units per tick, so priceTicks*tickSize is the quote-atomic rate per
// atomic base unit and the conversion is exact multiplication with no
// division and therefore no rounding policy to choose — the spec's
// separate tick_divisor/rounding-remainder machinery collapses once
// tick_size carries that scaling itself (documented in DESIGN.md as
// the resolution of the numeric-semantics open question).
func quoteAmount(priceTicks, baseQty, tickSize int64) (int64, error) {
	rate, err := checkedMul(priceTicks, tickSize)
	if err != nil {
		return 0, err
	}
	return checkedMul(rate, baseQty)
}

func checkedMul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := a * b
	if product/b != a {
		return 0, fmt.Errorf("%w: overflow computing %d*%d", common.ErrInvalidRequest, a, b)
	}
	if product < 0 || product > math.MaxInt64 {
		return 0, fmt.Errorf("%w: overflow computing %d*%d", common.ErrInvalidRequest, a, b)
	}
	return product, nil
}

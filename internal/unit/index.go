// Package unit maps market prices to integer unit indices relative to an
// anchor price. The mapping is the quantization layer every other strategy
// decision is built on.
package unit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Index converts between prices and unit indices for one anchor/unit-size
// pair. It is pure and safe for concurrent use.
type Index struct {
	anchor   decimal.Decimal
	unitSize decimal.Decimal
}

// NewIndex creates an Index. A zero or negative unit size is a configuration
// error and is rejected here, never at tick time.
func NewIndex(anchor, unitSize decimal.Decimal) (*Index, error) {
	if unitSize.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("unit size must be positive, got %s", unitSize)
	}
	if anchor.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("anchor price must be positive, got %s", anchor)
	}
	return &Index{anchor: anchor, unitSize: unitSize}, nil
}

// UnitFor returns floor((price - anchor) / unitSize).
func (ix *Index) UnitFor(price decimal.Decimal) int {
	diff := price.Sub(ix.anchor)
	q, r := diff.QuoRem(ix.unitSize, 0)
	u := int(q.IntPart())
	// QuoRem truncates toward zero; floor toward negative infinity.
	if r.Sign() < 0 {
		u--
	}
	return u
}

// PriceFor returns the exact lower boundary price of the given unit.
func (ix *Index) PriceFor(u int) decimal.Decimal {
	return ix.anchor.Add(ix.unitSize.Mul(decimal.NewFromInt(int64(u))))
}

// Anchor returns the anchor price.
func (ix *Index) Anchor() decimal.Decimal {
	return ix.anchor
}

// UnitSize returns the price delta of one unit.
func (ix *Index) UnitSize() decimal.Decimal {
	return ix.unitSize
}

// Rebase returns a new Index with the same unit size anchored at a new price.
// Used when a reset restarts unit tracking at zero.
func (ix *Index) Rebase(anchor decimal.Decimal) (*Index, error) {
	return NewIndex(anchor, ix.unitSize)
}

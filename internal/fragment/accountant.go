// Package fragment tracks position value, fragment sizing and realized P&L
// across compounding cycles.
package fragment

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/flyingwolf1701/hypertrader/internal/core"
)

// Accountant divides the position into equal tradeable fragments and folds
// realized profit back into buy fragments so each cycle compounds on the
// last. It is exclusively owned by the scheduling loop.
type Accountant struct {
	symbol    string
	fragments int64
	leverage  int

	entryPrice decimal.Decimal
	assetSize  decimal.Decimal

	positionValue         decimal.Decimal
	originalAssetSize     decimal.Decimal
	originalPositionValue decimal.Decimal
	firstPositionValue    decimal.Decimal

	fragmentQuote decimal.Decimal // buy fragment, quote currency
	fragmentAsset decimal.Decimal // sell fragment, base asset

	realizedPnL decimal.Decimal // since last reset
	cycle       int
	peakUnit    int
	valleyUnit  int

	logger core.ILogger
}

// NewAccountant creates an accountant dividing the position into the given
// number of fragments.
func NewAccountant(symbol string, fragments int64, leverage int, logger core.ILogger) (*Accountant, error) {
	if fragments <= 0 {
		return nil, fmt.Errorf("fragment count must be positive, got %d", fragments)
	}
	if leverage <= 0 {
		return nil, fmt.Errorf("leverage must be positive, got %d", leverage)
	}
	return &Accountant{
		symbol:    symbol,
		fragments: fragments,
		leverage:  leverage,
		logger:    logger.WithField("component", "fragment_accountant"),
	}, nil
}

// Initialize opens the first cycle from the initial entry.
func (a *Accountant) Initialize(entryPrice, assetSize decimal.Decimal) error {
	if entryPrice.Sign() <= 0 {
		return fmt.Errorf("entry price must be positive, got %s", entryPrice)
	}
	if assetSize.Sign() <= 0 {
		return fmt.Errorf("asset size must be positive, got %s", assetSize)
	}
	a.entryPrice = entryPrice
	a.assetSize = assetSize
	a.positionValue = assetSize.Mul(entryPrice)
	a.originalAssetSize = assetSize
	a.originalPositionValue = a.positionValue
	a.firstPositionValue = a.positionValue
	a.realizedPnL = decimal.Zero
	a.cycle = 1
	a.peakUnit = 0
	a.valleyUnit = 0
	a.recompute()

	a.logger.Info("Position initialized",
		"symbol", a.symbol,
		"entry_price", entryPrice.String(),
		"asset_size", assetSize.String(),
		"position_value", a.positionValue.String(),
		"fragment_quote", a.fragmentQuote.String())
	return nil
}

// OnSellFill books a sell execution: the sold asset leaves the position and
// its P&L against entry is realized.
func (a *Accountant) OnSellFill(price, size decimal.Decimal) {
	pnl := price.Sub(a.entryPrice).Mul(size)
	a.realizedPnL = a.realizedPnL.Add(pnl)
	a.assetSize = a.assetSize.Sub(size)
	if a.assetSize.Sign() < 0 {
		a.logger.Warn("Sell size exceeds tracked position, clamping to zero",
			"size", size.String(), "asset_size", a.assetSize.String())
		a.assetSize = decimal.Zero
	}
	a.positionValue = a.assetSize.Mul(price)
	a.recompute()
}

// OnBuyFill books a buy execution.
func (a *Accountant) OnBuyFill(price, size decimal.Decimal) {
	a.assetSize = a.assetSize.Add(size)
	a.positionValue = a.assetSize.Mul(price)
	a.recompute()
}

// SellFragment returns the asset amount for one protective sell. The last
// fragment of a cycle absorbs any rounding remainder.
func (a *Accountant) SellFragment() decimal.Decimal {
	if a.assetSize.LessThan(a.fragmentAsset) {
		return a.assetSize
	}
	return a.fragmentAsset
}

// BuyFragment returns the asset amount a buy at the given price would
// acquire. A quarter of realized profit is folded into each buy fragment,
// which is how the strategy compounds.
func (a *Accountant) BuyFragment(price decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	return a.fragmentQuote.Div(price)
}

// TrackUnit records the cycle's price extremes.
func (a *Accountant) TrackUnit(u int) {
	if u > a.peakUnit {
		a.peakUnit = u
	}
	if u < a.valleyUnit {
		a.valleyUnit = u
	}
}

// Reset closes the cycle at the given market price: the current position
// value becomes the new baseline, realized P&L folds into it, and fragment
// sizes are recomputed from the larger base.
func (a *Accountant) Reset(marketPrice decimal.Decimal) {
	a.positionValue = a.assetSize.Mul(marketPrice)
	a.originalAssetSize = a.assetSize
	a.originalPositionValue = a.positionValue
	a.entryPrice = marketPrice
	a.realizedPnL = decimal.Zero
	a.cycle++
	a.peakUnit = 0
	a.valleyUnit = 0
	a.recompute()

	a.logger.Info("Cycle reset",
		"symbol", a.symbol,
		"cycle", a.cycle,
		"entry_price", marketPrice.String(),
		"position_value", a.positionValue.String(),
		"growth_factor", a.GrowthFactor().String())
}

// EntryPrice returns the average entry of the current cycle.
func (a *Accountant) EntryPrice() decimal.Decimal { return a.entryPrice }

// AssetSize returns the tracked base-asset position.
func (a *Accountant) AssetSize() decimal.Decimal { return a.assetSize }

// PositionValue returns the position value at the last booked price.
func (a *Accountant) PositionValue() decimal.Decimal { return a.positionValue }

// RealizedPnL returns profit realized since the last reset.
func (a *Accountant) RealizedPnL() decimal.Decimal { return a.realizedPnL }

// Cycle returns the current compounding cycle, starting at 1.
func (a *Accountant) Cycle() int { return a.cycle }

// GrowthFactor returns the ratio of the current cycle's baseline to the
// very first one.
func (a *Accountant) GrowthFactor() decimal.Decimal {
	if a.firstPositionValue.Sign() <= 0 {
		return decimal.Zero
	}
	return a.originalPositionValue.Div(a.firstPositionValue)
}

// Snapshot returns the persistable position state.
func (a *Accountant) Snapshot() core.PositionSnapshot {
	return core.PositionSnapshot{
		Symbol:                a.symbol,
		EntryPrice:            a.entryPrice,
		AssetSize:             a.assetSize,
		PositionValue:         a.positionValue,
		OriginalAssetSize:     a.originalAssetSize,
		OriginalPositionValue: a.originalPositionValue,
		FirstPositionValue:    a.firstPositionValue,
		FragmentQuote:         a.fragmentQuote,
		FragmentAsset:         a.fragmentAsset,
		RealizedPnL:           a.realizedPnL,
		Leverage:              a.leverage,
		Cycle:                 a.cycle,
		GrowthFactor:          a.GrowthFactor(),
		PeakUnit:              a.peakUnit,
		ValleyUnit:            a.valleyUnit,
	}
}

// Restore rebuilds position state from a snapshot.
func (a *Accountant) Restore(snap core.PositionSnapshot) {
	a.entryPrice = snap.EntryPrice
	a.assetSize = snap.AssetSize
	a.positionValue = snap.PositionValue
	a.originalAssetSize = snap.OriginalAssetSize
	a.originalPositionValue = snap.OriginalPositionValue
	a.firstPositionValue = snap.FirstPositionValue
	a.realizedPnL = snap.RealizedPnL
	a.leverage = snap.Leverage
	a.cycle = snap.Cycle
	a.peakUnit = snap.PeakUnit
	a.valleyUnit = snap.ValleyUnit
	a.recompute()
}

func (a *Accountant) recompute() {
	n := decimal.NewFromInt(a.fragments)
	base := a.originalPositionValue.Div(n)
	a.fragmentQuote = base.Add(a.realizedPnL.Div(n))
	if a.fragmentQuote.Sign() < 0 {
		a.fragmentQuote = decimal.Zero
	}
	if a.entryPrice.Sign() > 0 {
		a.fragmentAsset = a.originalPositionValue.Div(n).Div(a.entryPrice)
	}
}

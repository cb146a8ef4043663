package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which side of the book an order rests on.
type Side int

const (
	SideSell Side = iota
	SideBuy
)

func (s Side) String() string {
	switch s {
	case SideSell:
		return "SELL"
	case SideBuy:
		return "BUY"
	default:
		return "UNKNOWN"
	}
}

// OrderKind is the closed set of order types the engine places.
type OrderKind int

const (
	KindStopLossSell OrderKind = iota
	KindStopBuy
	KindMarket
)

func (k OrderKind) String() string {
	switch k {
	case KindStopLossSell:
		return "STOP_LOSS_SELL"
	case KindStopBuy:
		return "STOP_BUY"
	case KindMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus is the lifecycle state of an OrderRecord. Filled and Cancelled
// are terminal. AssumedFilled is the optimistic state entered when a boundary
// crossing is treated as a fill before the broker confirmation arrives; it is
// reconciled to Filled without re-triggering side effects. CancelPending marks
// a record whose cancellation has been dispatched but not confirmed; such
// orders leave the intended order set immediately, so a cancel that fails at
// the broker surfaces as an orphan on the next audit pass.
type OrderStatus int

const (
	OrderActive OrderStatus = iota
	OrderAssumedFilled
	OrderFilled
	OrderCancelled
	OrderCancelPending
)

func (s OrderStatus) String() string {
	switch s {
	case OrderActive:
		return "ACTIVE"
	case OrderAssumedFilled:
		return "ASSUMED_FILLED"
	case OrderFilled:
		return "FILLED"
	case OrderCancelled:
		return "CANCELLED"
	case OrderCancelPending:
		return "CANCEL_PENDING"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Phase is the derived strategy phase. It is a pure function of window
// composition plus the immediately preceding phase, never independent truth.
type Phase int

const (
	PhaseAdvance Phase = iota
	PhaseRetracement
	PhaseDecline
	PhaseRecovery
	PhaseReset
)

func (p Phase) String() string {
	switch p {
	case PhaseAdvance:
		return "ADVANCE"
	case PhaseRetracement:
		return "RETRACEMENT"
	case PhaseDecline:
		return "DECLINE"
	case PhaseRecovery:
		return "RECOVERY"
	case PhaseReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// OrderRecord is one entry in a unit's append-only order history.
type OrderRecord struct {
	OrderID   string          `json:"order_id"`
	ClientOID string          `json:"client_oid"`
	Unit      int             `json:"unit"`
	Side      Side            `json:"side"`
	Kind      OrderKind       `json:"kind"`
	Status    OrderStatus     `json:"status"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	FillPrice decimal.Decimal `json:"fill_price"`
	FillTime  time.Time       `json:"fill_time"`
	PlacedAt  time.Time       `json:"placed_at"`
}

// PriceTick is one observation from the price feed.
type PriceTick struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// Fill is a broker fill notification.
type Fill struct {
	OrderID string
	Price   decimal.Decimal
	Size    decimal.Decimal
}

// OpenOrder is a live resting order as reported by the gateway.
type OpenOrder struct {
	OrderID string
	Price   decimal.Decimal
	Side    Side
}

// PlaceOrderRequest is what the engine hands the order gateway.
type PlaceOrderRequest struct {
	ClientOID    string
	Side         Side
	Kind         OrderKind
	Size         decimal.Decimal
	TriggerPrice decimal.Decimal
}

// IntentKind distinguishes scheduler order intents.
type IntentKind int

const (
	IntentPlace IntentKind = iota
	IntentCancel
)

// OrderIntent is a decision produced by the window scheduler. The scheduling
// loop turns intents into gateway calls; the scheduler itself never performs
// network I/O.
type OrderIntent struct {
	Kind      IntentKind
	Unit      int
	Side      Side
	OrderKind OrderKind
	OrderID   string // set for cancels
}

// ExpectedOrder is one entry of the scheduler's intended order set, consumed
// by the auditor.
type ExpectedOrder struct {
	Unit    int
	Side    Side
	OrderID string
	Price   decimal.Decimal
}

// CorrectionKind classifies auditor corrections.
type CorrectionKind int

const (
	CorrectionPlace CorrectionKind = iota
	CorrectionCancel
)

func (k CorrectionKind) String() string {
	if k == CorrectionPlace {
		return "PLACE"
	}
	return "CANCEL"
}

// Correction is one corrective action from an audit pass. Corrections are
// applied serially by the scheduling loop, never by the auditor itself.
type Correction struct {
	Kind    CorrectionKind
	Unit    int
	Side    Side
	OrderID string
	Reason  string
}

// PositionSnapshot is the persisted form of the per-symbol position state.
type PositionSnapshot struct {
	Symbol                string          `json:"symbol"`
	EntryPrice            decimal.Decimal `json:"entry_price"`
	UnitSize              decimal.Decimal `json:"unit_size"`
	AssetSize             decimal.Decimal `json:"asset_size"`
	PositionValue         decimal.Decimal `json:"position_value"`
	OriginalAssetSize     decimal.Decimal `json:"original_asset_size"`
	OriginalPositionValue decimal.Decimal `json:"original_position_value"`
	FirstPositionValue    decimal.Decimal `json:"first_position_value"`
	FragmentQuote         decimal.Decimal `json:"fragment_quote"`
	FragmentAsset         decimal.Decimal `json:"fragment_asset"`
	Leverage              int             `json:"leverage"`
	Cycle                 int             `json:"cycle"`
	GrowthFactor          decimal.Decimal `json:"growth_factor"`
	RealizedPnL           decimal.Decimal `json:"realized_pnl"`
	PeakUnit              int             `json:"peak_unit"`
	ValleyUnit            int             `json:"valley_unit"`
}

// WindowSnapshot is the persisted form of the sliding window.
type WindowSnapshot struct {
	Sells       []int `json:"sells"`
	Buys        []int `json:"buys"`
	CurrentUnit int   `json:"current_unit"`
	Paused      bool  `json:"paused"`
}

// Snapshot is the crash-recovery state written after each committed unit
// change. Loading it on restart must reproduce the same scheduler decisions
// as if no restart occurred.
type Snapshot struct {
	Symbol   string           `json:"symbol"`
	Version  int64            `json:"version"`
	SavedAt  int64            `json:"saved_at"`
	Phase    Phase            `json:"phase"`
	Position PositionSnapshot `json:"position"`
	Window   WindowSnapshot   `json:"window"`
	// Orders is the ledger tail: every non-terminal record plus the terminal
	// records of the current cycle, enough to resume fill dispatch.
	Orders []OrderRecord `json:"orders"`
}

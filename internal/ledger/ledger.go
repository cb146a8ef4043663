// Package ledger keeps the per-unit historical record of every order the
// engine has ever placed. History is append-only: records are never deleted,
// and terminal records are never mutated.
package ledger

import (
	"fmt"
	"time"

	"github.com/flyingwolf1701/hypertrader/internal/core"

	"github.com/shopspring/decimal"
)

// UnitLevel holds the order history for a single integer unit. Levels are
// created lazily as price ranges beyond previously visited units.
type UnitLevel struct {
	Unit    int
	Price   decimal.Decimal
	Records []*core.OrderRecord
}

// Ledger is the per-symbol order bookkeeping structure. It is exclusively
// owned by the scheduling loop and is not safe for concurrent mutation;
// readers outside the loop consume snapshots built by the engine.
type Ledger struct {
	symbol     string
	levels     map[int]*UnitLevel
	orderIndex map[string]int // order id -> unit, O(1) fill dispatch
	logger     core.ILogger

	seq      int64 // monotonically increasing record sequence
	seqOf    map[string]int64
	cycleSeq int64 // first sequence of the current cycle
}

// NewLedger creates an empty ledger for one symbol.
func NewLedger(symbol string, logger core.ILogger) *Ledger {
	return &Ledger{
		symbol:     symbol,
		levels:     make(map[int]*UnitLevel),
		orderIndex: make(map[string]int),
		seqOf:      make(map[string]int64),
		logger:     logger.WithField("component", "ledger").WithField("symbol", symbol),
	}
}

// Append records a newly placed order at a unit. At most one active record
// may exist per unit; a second active append indicates a logic bug and is
// rejected so the caller can raise a consistency alarm.
func (l *Ledger) Append(rec *core.OrderRecord, boundary decimal.Decimal) error {
	if rec.OrderID == "" {
		return fmt.Errorf("order record missing order id")
	}
	if _, exists := l.orderIndex[rec.OrderID]; exists {
		return fmt.Errorf("duplicate order id %s", rec.OrderID)
	}

	level := l.levelFor(rec.Unit, boundary)
	for _, existing := range level.Records {
		// CancelPending records do not block: a reset reseeds the same raw
		// unit numbers while the old cycle's cancels are still in flight.
		if existing.Status == core.OrderActive {
			return fmt.Errorf("unit %d already has active order %s", rec.Unit, existing.OrderID)
		}
	}

	// The boundary moves when the index is rebased; the level tracks the
	// boundary its newest record was placed against.
	level.Price = boundary
	level.Records = append(level.Records, rec)
	l.orderIndex[rec.OrderID] = rec.Unit
	l.seq++
	l.seqOf[rec.OrderID] = l.seq
	return nil
}

// UnitFor resolves an order id to its unit. Unknown ids are expected for
// duplicate, late, or foreign notifications and are not an error.
func (l *Ledger) UnitFor(orderID string) (int, bool) {
	u, ok := l.orderIndex[orderID]
	return u, ok
}

// Record returns the record for an order id, or nil if unknown.
func (l *Ledger) Record(orderID string) *core.OrderRecord {
	u, ok := l.orderIndex[orderID]
	if !ok {
		return nil
	}
	level, ok := l.levels[u]
	if !ok {
		return nil
	}
	for _, rec := range level.Records {
		if rec.OrderID == orderID {
			return rec
		}
	}
	return nil
}

// ActiveAt returns the single active (or assumed-filled) record at a unit,
// or nil if the unit has none.
func (l *Ledger) ActiveAt(u int) *core.OrderRecord {
	level, ok := l.levels[u]
	if !ok {
		return nil
	}
	for _, rec := range level.Records {
		if rec.Status == core.OrderActive || rec.Status == core.OrderAssumedFilled {
			return rec
		}
	}
	return nil
}

// MarkFilled transitions a record to Filled. Returns the record and whether
// the call changed state: redelivered fills of terminal records report
// changed=false so the caller can treat them as no-ops. Promotion from
// AssumedFilled also reports changed=false, since the optimistic path already
// ran the side effects.
func (l *Ledger) MarkFilled(orderID string, price decimal.Decimal, at time.Time) (rec *core.OrderRecord, changed bool) {
	rec = l.Record(orderID)
	if rec == nil {
		return nil, false
	}
	switch rec.Status {
	case core.OrderFilled, core.OrderCancelled:
		return rec, false
	case core.OrderAssumedFilled:
		rec.Status = core.OrderFilled
		rec.FillPrice = price
		rec.FillTime = at
		return rec, false
	default:
		rec.Status = core.OrderFilled
		rec.FillPrice = price
		rec.FillTime = at
		return rec, true
	}
}

// MarkAssumedFilled transitions an active record to AssumedFilled. The caller
// runs replacement side effects exactly once, here.
func (l *Ledger) MarkAssumedFilled(orderID string, price decimal.Decimal, at time.Time) (rec *core.OrderRecord, changed bool) {
	rec = l.Record(orderID)
	if rec == nil || rec.Status != core.OrderActive {
		return rec, false
	}
	rec.Status = core.OrderAssumedFilled
	rec.FillPrice = price
	rec.FillTime = at
	return rec, true
}

// MarkCancelPending transitions an active record to CancelPending when its
// cancellation is dispatched. The order drops out of the intended order set
// right away; if the broker cancel then fails, the audit pass sees the
// still-resting order as an orphan and re-cancels it.
func (l *Ledger) MarkCancelPending(orderID string) (rec *core.OrderRecord, changed bool) {
	rec = l.Record(orderID)
	if rec == nil || rec.Status != core.OrderActive {
		return rec, false
	}
	rec.Status = core.OrderCancelPending
	return rec, true
}

// MarkCancelled transitions a record to Cancelled. Cancelling a record that
// already filled is a benign race and reports changed=false.
func (l *Ledger) MarkCancelled(orderID string) (rec *core.OrderRecord, changed bool) {
	rec = l.Record(orderID)
	if rec == nil || rec.Status.Terminal() {
		return rec, false
	}
	rec.Status = core.OrderCancelled
	return rec, true
}

// BeginCycle marks the start of a new compounding cycle. History before the
// mark is retained for audit and P&L but excluded from snapshot tails.
func (l *Ledger) BeginCycle() {
	l.cycleSeq = l.seq + 1
}

// Tail returns copies of every non-terminal record plus the terminal records
// of the current cycle, for snapshot persistence.
func (l *Ledger) Tail() []core.OrderRecord {
	var tail []core.OrderRecord
	for _, level := range l.levels {
		for _, rec := range level.Records {
			if !rec.Status.Terminal() || l.seqOf[rec.OrderID] >= l.cycleSeq {
				tail = append(tail, *rec)
			}
		}
	}
	return tail
}

// Restore rebuilds ledger state from a persisted tail.
func (l *Ledger) Restore(records []core.OrderRecord, boundaryFor func(int) decimal.Decimal) error {
	for i := range records {
		rec := records[i]
		if _, exists := l.orderIndex[rec.OrderID]; exists {
			continue
		}
		level := l.levelFor(rec.Unit, boundaryFor(rec.Unit))
		copied := rec
		level.Records = append(level.Records, &copied)
		l.orderIndex[rec.OrderID] = rec.Unit
		l.seq++
		l.seqOf[rec.OrderID] = l.seq
	}
	return nil
}

// RecordCount returns the total number of records across all units.
func (l *Ledger) RecordCount() int {
	n := 0
	for _, level := range l.levels {
		n += len(level.Records)
	}
	return n
}

func (l *Ledger) levelFor(u int, boundary decimal.Decimal) *UnitLevel {
	if level, ok := l.levels[u]; ok {
		return level
	}
	level := &UnitLevel{Unit: u, Price: boundary}
	l.levels[u] = level
	return level
}

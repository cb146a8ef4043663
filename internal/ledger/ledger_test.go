package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingwolf1701/hypertrader/internal/core"
	"github.com/flyingwolf1701/hypertrader/pkg/logging"
)

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

func record(orderID string, u int, side core.Side) *core.OrderRecord {
	return &core.OrderRecord{
		OrderID:  orderID,
		Unit:     u,
		Side:     side,
		Kind:     core.KindStopLossSell,
		Status:   core.OrderActive,
		Size:     decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(100 + int64(u)),
		PlacedAt: time.Now(),
	}
}

func TestAppend_OneActivePerUnit(t *testing.T) {
	l := NewLedger("SOL", testLogger(t))

	require.NoError(t, l.Append(record("a", -1, core.SideSell), decimal.NewFromInt(99)))
	err := l.Append(record("b", -1, core.SideSell), decimal.NewFromInt(99))
	assert.Error(t, err, "second active record at the same unit must be rejected")

	// After the first settles, the unit accepts a new record and keeps both.
	_, changed := l.MarkFilled("a", decimal.NewFromInt(99), time.Now())
	require.True(t, changed)
	require.NoError(t, l.Append(record("b", -1, core.SideSell), decimal.NewFromInt(99)))
	assert.Equal(t, 2, l.RecordCount())
}

func TestAppend_DuplicateOrderID(t *testing.T) {
	l := NewLedger("SOL", testLogger(t))

	require.NoError(t, l.Append(record("a", 0, core.SideSell), decimal.NewFromInt(100)))
	err := l.Append(record("a", 1, core.SideSell), decimal.NewFromInt(101))
	assert.Error(t, err)

	err = l.Append(record("", 2, core.SideSell), decimal.NewFromInt(102))
	assert.Error(t, err)
}

func TestMarkFilled_Idempotent(t *testing.T) {
	l := NewLedger("SOL", testLogger(t))
	require.NoError(t, l.Append(record("a", 0, core.SideSell), decimal.NewFromInt(100)))

	rec, changed := l.MarkFilled("a", decimal.NewFromInt(100), time.Now())
	require.True(t, changed)
	assert.Equal(t, core.OrderFilled, rec.Status)

	rec, changed = l.MarkFilled("a", decimal.NewFromInt(101), time.Now())
	assert.False(t, changed, "redelivered fill must be a no-op")
	assert.True(t, rec.FillPrice.Equal(decimal.NewFromInt(100)), "terminal record must not be mutated")

	_, changed = l.MarkFilled("unknown", decimal.NewFromInt(1), time.Now())
	assert.False(t, changed)
}

func TestAssumedFill_Reconciliation(t *testing.T) {
	l := NewLedger("SOL", testLogger(t))
	require.NoError(t, l.Append(record("a", -2, core.SideSell), decimal.NewFromInt(98)))

	rec, changed := l.MarkAssumedFilled("a", decimal.NewFromInt(98), time.Now())
	require.True(t, changed)
	assert.Equal(t, core.OrderAssumedFilled, rec.Status)

	// Assumed-filled still counts as the unit's live record.
	assert.NotNil(t, l.ActiveAt(-2))

	// Broker confirmation promotes without re-running side effects.
	rec, changed = l.MarkFilled("a", decimal.NewFromInt(98), time.Now())
	assert.False(t, changed)
	assert.Equal(t, core.OrderFilled, rec.Status)

	// A second assumption attempt is a no-op.
	_, changed = l.MarkAssumedFilled("a", decimal.NewFromInt(98), time.Now())
	assert.False(t, changed)
}

func TestMarkCancelled_BenignOnTerminal(t *testing.T) {
	l := NewLedger("SOL", testLogger(t))
	require.NoError(t, l.Append(record("a", 0, core.SideSell), decimal.NewFromInt(100)))

	_, changed := l.MarkFilled("a", decimal.NewFromInt(100), time.Now())
	require.True(t, changed)

	rec, changed := l.MarkCancelled("a")
	assert.False(t, changed)
	assert.Equal(t, core.OrderFilled, rec.Status)
}

func TestCancelPending_UnblocksUnitAndStillSettles(t *testing.T) {
	l := NewLedger("SOL", testLogger(t))
	require.NoError(t, l.Append(record("a", -4, core.SideSell), decimal.NewFromInt(96)))

	rec, changed := l.MarkCancelPending("a")
	require.True(t, changed)
	assert.Equal(t, core.OrderCancelPending, rec.Status)

	// A cancel-pending record is no longer the unit's live order.
	assert.Nil(t, l.ActiveAt(-4))

	// The same raw unit accepts a replacement while the cancel is in
	// flight, as happens when a reset reseeds over the old cycle.
	l.BeginCycle()
	require.NoError(t, l.Append(record("b", -4, core.SideSell), decimal.NewFromInt(97)))
	live := l.ActiveAt(-4)
	require.NotNil(t, live)
	assert.Equal(t, "b", live.OrderID)

	// Cancel confirmation settles the old record.
	rec, changed = l.MarkCancelled("a")
	assert.True(t, changed)
	assert.Equal(t, core.OrderCancelled, rec.Status)

	// Marking again, or marking a terminal record pending, is a no-op.
	_, changed = l.MarkCancelPending("a")
	assert.False(t, changed)
}

func TestCancelPending_FillRaceStillBooks(t *testing.T) {
	l := NewLedger("SOL", testLogger(t))
	require.NoError(t, l.Append(record("a", -1, core.SideSell), decimal.NewFromInt(99)))

	_, changed := l.MarkCancelPending("a")
	require.True(t, changed)

	// The broker filled the order before the cancel landed; the fill must
	// still report changed so its side effects run exactly once.
	rec, changed := l.MarkFilled("a", decimal.NewFromInt(99), time.Now())
	assert.True(t, changed)
	assert.Equal(t, core.OrderFilled, rec.Status)

	_, changed = l.MarkFilled("a", decimal.NewFromInt(99), time.Now())
	assert.False(t, changed)
}

func TestTail_CycleBoundary(t *testing.T) {
	l := NewLedger("SOL", testLogger(t))

	require.NoError(t, l.Append(record("old", -1, core.SideSell), decimal.NewFromInt(99)))
	_, changed := l.MarkFilled("old", decimal.NewFromInt(99), time.Now())
	require.True(t, changed)

	l.BeginCycle()

	require.NoError(t, l.Append(record("live", -2, core.SideSell), decimal.NewFromInt(98)))
	require.NoError(t, l.Append(record("done", -3, core.SideSell), decimal.NewFromInt(97)))
	_, changed = l.MarkFilled("done", decimal.NewFromInt(97), time.Now())
	require.True(t, changed)

	tail := l.Tail()
	ids := make(map[string]bool, len(tail))
	for _, rec := range tail {
		ids[rec.OrderID] = true
	}
	assert.True(t, ids["live"], "non-terminal records always in the tail")
	assert.True(t, ids["done"], "current-cycle terminal records in the tail")
	assert.False(t, ids["old"], "previous-cycle terminal records excluded")
}

func TestRestore(t *testing.T) {
	l := NewLedger("SOL", testLogger(t))
	require.NoError(t, l.Append(record("a", -1, core.SideSell), decimal.NewFromInt(99)))
	require.NoError(t, l.Append(record("b", -2, core.SideSell), decimal.NewFromInt(98)))
	_, changed := l.MarkAssumedFilled("b", decimal.NewFromInt(98), time.Now())
	require.True(t, changed)

	tail := l.Tail()

	restored := NewLedger("SOL", testLogger(t))
	require.NoError(t, restored.Restore(tail, func(u int) decimal.Decimal {
		return decimal.NewFromInt(100 + int64(u))
	}))

	assert.Equal(t, len(tail), restored.RecordCount())
	u, ok := restored.UnitFor("a")
	require.True(t, ok)
	assert.Equal(t, -1, u)

	rec := restored.Record("b")
	require.NotNil(t, rec)
	assert.Equal(t, core.OrderAssumedFilled, rec.Status)

	// Restored assumed fill still reconciles exactly once.
	_, changed = restored.MarkFilled("b", decimal.NewFromInt(98), time.Now())
	assert.False(t, changed)
}

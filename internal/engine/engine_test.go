package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingwolf1701/hypertrader/internal/audit"
	"github.com/flyingwolf1701/hypertrader/internal/config"
	"github.com/flyingwolf1701/hypertrader/internal/core"
	"github.com/flyingwolf1701/hypertrader/internal/feed"
	"github.com/flyingwolf1701/hypertrader/internal/mock"
	apperrors "github.com/flyingwolf1701/hypertrader/pkg/errors"
	"github.com/flyingwolf1701/hypertrader/pkg/logging"
)

type noopAlerter struct{}

func (noopAlerter) Raise(string, string, map[string]interface{}) {}

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Symbol:               "SOL",
			UnitSize:             1.0,
			WindowSize:           4,
			Fragments:            4,
			Leverage:             1,
			InitialPositionValue: 400.0,
		},
		Timing: config.TimingConfig{
			DebounceMs:         50,
			MinTradeIntervalMs: 1,
			EventQueueSize:     256,
		},
		Concurrency: config.ConcurrencyConfig{
			OrderPoolSize:   2,
			OrderPoolBuffer: 32,
		},
	}
}

type harness struct {
	eng     *Engine
	gateway *mock.Gateway
	feed    *feed.ChannelFeed
	store   core.IStateStore
}

func newHarness(t *testing.T, store core.IStateStore) *harness {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	gateway := mock.NewGateway()
	priceFeed := feed.NewChannelFeed(64)
	if store == nil {
		store = NewMemoryStore()
	}

	eng, err := New(testConfig(), gateway, priceFeed, store, noopAlerter{}, logger)
	require.NoError(t, err)

	return &harness{eng: eng, gateway: gateway, feed: priceFeed, store: store}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.eng.Start(context.Background()))
	t.Cleanup(func() { _ = h.eng.Stop() })
}

func (h *harness) push(price string) {
	h.feed.Push(decimal.RequireFromString(price))
}

// waitBootstrap pushes the first price and waits until the protective
// window is placed and recorded.
func (h *harness) waitBootstrap(t *testing.T, price string) {
	t.Helper()
	h.push(price)
	require.Eventually(t, func() bool {
		snap := h.eng.PublishedSnapshot()
		return snap != nil && len(h.eng.ExpectedOrders()) == 4
	}, 2*time.Second, 5*time.Millisecond, "window placements never confirmed")
}

func snapshotOf(t *testing.T, e *Engine) *core.Snapshot {
	t.Helper()
	snap := e.PublishedSnapshot()
	require.NotNil(t, snap)
	return snap
}

func TestBootstrap_SeedsWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitBootstrap(t, "100")

	snap := snapshotOf(t, h.eng)
	assert.Equal(t, []int{-4, -3, -2, -1}, snap.Window.Sells)
	assert.Empty(t, snap.Window.Buys)
	assert.Equal(t, 0, snap.Window.CurrentUnit)
	assert.Equal(t, core.PhaseAdvance, snap.Phase)

	// Market entry plus four protective stops.
	assert.Eventually(t, func() bool { return h.gateway.PlaceCount() == 5 }, time.Second, 5*time.Millisecond)

	// Entry sized from configured value: 400 quote at price 100.
	assert.True(t, snap.Position.EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap.Position.AssetSize.Equal(decimal.NewFromInt(4)))

	// Stops sit on the unit boundaries below entry.
	for _, boundary := range []string{"96", "97", "98", "99"} {
		_, ok := h.gateway.OrderByPrice(decimal.RequireFromString(boundary), core.SideSell)
		assert.True(t, ok, "expected stop at %s", boundary)
	}
}

func TestUnitChange_SlidesWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitBootstrap(t, "100")

	h.push("101.5")

	require.Eventually(t, func() bool {
		snap := h.eng.PublishedSnapshot()
		return snap != nil && snap.Window.CurrentUnit == 1
	}, 2*time.Second, 5*time.Millisecond)

	snap := snapshotOf(t, h.eng)
	assert.Equal(t, []int{-3, -2, -1, 0}, snap.Window.Sells)
	assert.Equal(t, core.PhaseAdvance, snap.Phase)

	// The evicted stop at -4 was cancelled at the gateway.
	assert.Eventually(t, func() bool { return h.gateway.CancelCount() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestDebounce_RevertedExcursionIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitBootstrap(t, "100")

	// Cross a boundary and come straight back inside the debounce window.
	h.push("101.2")
	time.Sleep(5 * time.Millisecond)
	h.push("100.3")

	time.Sleep(200 * time.Millisecond)
	snap := snapshotOf(t, h.eng)
	assert.Equal(t, 0, snap.Window.CurrentUnit, "reverted excursion must not commit")
	assert.Equal(t, []int{-4, -3, -2, -1}, snap.Window.Sells)
}

func TestDecline_AssumedFillsAndReplacements(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitBootstrap(t, "100")

	// Drop three units: the stops at -1 and -2 are crossed and assumed
	// filled, each replaced by a stop-buy above.
	h.push("97.2")

	require.Eventually(t, func() bool {
		snap := h.eng.PublishedSnapshot()
		return snap != nil && snap.Window.CurrentUnit == -3
	}, 2*time.Second, 5*time.Millisecond)

	snap := snapshotOf(t, h.eng)
	assert.Equal(t, []int{-4, -3}, snap.Window.Sells)
	assert.Equal(t, []int{-1, 0}, snap.Window.Buys)
	assert.Equal(t, core.PhaseRetracement, snap.Phase)

	// Fragments of 1 sold at boundaries 99 and 98 against entry 100.
	assert.True(t, snap.Position.RealizedPnL.Equal(decimal.NewFromInt(-3)),
		"got %s", snap.Position.RealizedPnL)
}

func TestFill_ProcessedOnceAndDuplicateIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitBootstrap(t, "100")

	order, ok := h.gateway.OrderByPrice(decimal.RequireFromString("99"), core.SideSell)
	require.True(t, ok)
	require.NoError(t, h.gateway.TriggerFill(order.OrderID, decimal.RequireFromString("99")))

	require.Eventually(t, func() bool {
		snap := h.eng.PublishedSnapshot()
		return snap != nil && len(snap.Window.Buys) == 1
	}, 2*time.Second, 5*time.Millisecond)

	snap := snapshotOf(t, h.eng)
	assert.Equal(t, []int{1}, snap.Window.Buys, "filled stop-sell replaced by a stop-buy above")
	assert.Equal(t, []int{-4, -3, -2}, snap.Window.Sells)
	assert.True(t, snap.Position.RealizedPnL.Equal(decimal.NewFromInt(-1)))

	// Redelivery of the same fill changes nothing.
	h.gateway.EmitFill(core.Fill{
		OrderID: order.OrderID,
		Price:   decimal.RequireFromString("99"),
		Size:    decimal.NewFromInt(1),
	})
	time.Sleep(100 * time.Millisecond)

	snap = snapshotOf(t, h.eng)
	assert.True(t, snap.Position.RealizedPnL.Equal(decimal.NewFromInt(-1)), "duplicate fill must be a no-op")
	assert.Equal(t, []int{1}, snap.Window.Buys)
}

func TestRestart_RestoresState(t *testing.T) {
	store := NewMemoryStore()

	h1 := newHarness(t, store)
	h1.start(t)
	h1.waitBootstrap(t, "100")

	h1.push("101.5")
	require.Eventually(t, func() bool {
		snap := h1.eng.PublishedSnapshot()
		return snap != nil && snap.Window.CurrentUnit == 1
	}, 2*time.Second, 5*time.Millisecond)
	before := snapshotOf(t, h1.eng)
	require.NoError(t, h1.eng.Stop())

	h2 := newHarness(t, store)
	h2.start(t)

	after := snapshotOf(t, h2.eng)
	assert.Equal(t, before.Window.Sells, after.Window.Sells)
	assert.Equal(t, before.Window.CurrentUnit, after.Window.CurrentUnit)
	assert.Equal(t, before.Phase, after.Phase)
	assert.True(t, after.Position.EntryPrice.Equal(before.Position.EntryPrice))
	assert.True(t, after.Position.AssetSize.Equal(before.Position.AssetSize))

	// A tick inside the current unit must not re-bootstrap or re-place.
	h2.push("101.4")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h2.gateway.PlaceCount(), "restored engine must not place on an unchanged unit")
}

func TestReset_DiscardsStalePlacements(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitBootstrap(t, "100")

	// Fill the stop at 99 and wait for its replacement stop-buy at 101.
	order, ok := h.gateway.OrderByPrice(decimal.RequireFromString("99"), core.SideSell)
	require.True(t, ok)
	require.NoError(t, h.gateway.TriggerFill(order.OrderID, decimal.RequireFromString("99")))
	require.Eventually(t, func() bool {
		_, ok := h.gateway.OrderByPrice(decimal.RequireFromString("101"), core.SideBuy)
		return ok && len(h.eng.ExpectedOrders()) == 4
	}, 2*time.Second, 5*time.Millisecond)

	// Rising through the stop-buy assumes its fill, the window turns
	// all-sell and the cycle resets with the index rebased at 101.2.
	h.push("101.2")
	require.Eventually(t, func() bool {
		snap := h.eng.PublishedSnapshot()
		return snap != nil && snap.Position.Cycle == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		snap := h.eng.PublishedSnapshot()
		active := 0
		for _, rec := range snap.Orders {
			if rec.Status == core.OrderActive {
				active++
			}
		}
		return active == 4
	}, 2*time.Second, 5*time.Millisecond, "reseeded window never fully confirmed")

	snap := snapshotOf(t, h.eng)
	assert.Equal(t, []int{-4, -3, -2, -1}, snap.Window.Sells)
	assert.Empty(t, snap.Window.Buys)
	assert.Equal(t, core.PhaseAdvance, snap.Phase)

	// Every live record belongs to the reseeded window; in particular the
	// replacement that triggered the reset must not survive at unit 0,
	// where it would rest on the new anchor itself.
	for _, rec := range snap.Orders {
		if rec.Status != core.OrderActive {
			continue
		}
		assert.Equal(t, core.SideSell, rec.Side)
		assert.Contains(t, []int{-4, -3, -2, -1}, rec.Unit)
	}
	_, ok = h.gateway.OrderByPrice(decimal.RequireFromString("101.2"), core.SideSell)
	assert.False(t, ok, "no stop-sell may rest at the new anchor price")

	for _, exp := range h.eng.ExpectedOrders() {
		assert.True(t, exp.Price.LessThan(decimal.RequireFromString("101")),
			"expected set advertises pre-reset order at %s", exp.Price)
	}
}

func TestAudit_RecancelsEvictedOrderAfterFailedCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitBootstrap(t, "100")

	evicted, ok := h.gateway.OrderByPrice(decimal.RequireFromString("96"), core.SideSell)
	require.True(t, ok)

	// The eviction cancel fails; the broker keeps the order resting.
	h.gateway.FailNextCancel(apperrors.ErrOrderRejected)
	h.push("101.5")

	require.Eventually(t, func() bool {
		snap := h.eng.PublishedSnapshot()
		if snap == nil || snap.Window.CurrentUnit != 1 {
			return false
		}
		expected := h.eng.ExpectedOrders()
		if len(expected) != 4 {
			return false
		}
		for _, exp := range expected {
			if exp.OrderID == "" {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	// The stale order is no longer advertised, so the audit pass can see
	// it as an orphan instead of matching it to its own old expectation.
	live, ok := h.gateway.Order(evicted.OrderID)
	require.True(t, ok)
	require.False(t, live.Cancelled)
	for _, exp := range h.eng.ExpectedOrders() {
		assert.NotEqual(t, evicted.OrderID, exp.OrderID)
	}

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	auditor := audit.NewAuditor(audit.Config{
		Interval:       time.Hour,
		Cooldown:       time.Second,
		VerifyDelay:    10 * time.Millisecond,
		PriceTolerance: decimal.RequireFromString("0.25"),
	}, h.gateway, h.eng, h.eng, logger)

	placesBefore := h.gateway.PlaceCount()
	require.NoError(t, auditor.RunOnce(context.Background()))

	require.Eventually(t, func() bool {
		o, ok := h.gateway.Order(evicted.OrderID)
		return ok && o.Cancelled
	}, 2*time.Second, 5*time.Millisecond, "audit pass must cancel the stale evicted order")
	assert.Equal(t, placesBefore, h.gateway.PlaceCount(), "a clean window needs no replacement placements")
}

type recordingAlerter struct {
	mu     sync.Mutex
	raised []string
}

func (a *recordingAlerter) Raise(component, _ string, _ map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raised = append(a.raised, component)
}

func (a *recordingAlerter) count(component string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.raised {
		if c == component {
			n++
		}
	}
	return n
}

func TestAssumedFill_UnconfirmedPastGraceRaisesAlarm(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	gateway := mock.NewGateway()
	priceFeed := feed.NewChannelFeed(64)
	alerter := &recordingAlerter{}

	eng, err := New(testConfig(), gateway, priceFeed, NewMemoryStore(), alerter, logger)
	require.NoError(t, err)
	eng.assumedGrace = 10 * time.Millisecond

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })

	priceFeed.Push(decimal.RequireFromString("100"))
	require.Eventually(t, func() bool {
		return len(eng.ExpectedOrders()) == 4
	}, 2*time.Second, 5*time.Millisecond)

	// Drop three units: the stops at -1 and -2 are assumed filled, and the
	// mock broker never confirms them.
	priceFeed.Push(decimal.RequireFromString("97.2"))
	require.Eventually(t, func() bool {
		snap := eng.PublishedSnapshot()
		return snap != nil && snap.Window.CurrentUnit == -3
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	eng.ExpectedOrders()
	assert.Equal(t, 2, alerter.count("fill_reconciliation"),
		"each overdue assumed fill raises exactly one alarm")

	// Repeat passes do not re-raise.
	eng.ExpectedOrders()
	assert.Equal(t, 2, alerter.count("fill_reconciliation"))
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	path := t.TempDir() + "/snap.db"
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	loaded, err := store.LoadSnapshot(ctx, "SOL")
	require.NoError(t, err)
	assert.Nil(t, loaded, "missing snapshot loads as nil")

	snap := &core.Snapshot{
		Symbol:  "SOL",
		Version: 7,
		SavedAt: time.Now().UnixMilli(),
		Phase:   core.PhaseRetracement,
		Window: core.WindowSnapshot{
			Sells:       []int{-4, -3},
			Buys:        []int{0},
			CurrentUnit: -1,
		},
		Position: core.PositionSnapshot{
			Symbol:     "SOL",
			EntryPrice: decimal.NewFromInt(100),
			UnitSize:   decimal.NewFromInt(1),
			AssetSize:  decimal.NewFromInt(4),
		},
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	loaded, err = store.LoadSnapshot(ctx, "SOL")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(7), loaded.Version)
	assert.Equal(t, core.PhaseRetracement, loaded.Phase)
	assert.Equal(t, snap.Window.Sells, loaded.Window.Sells)
	assert.True(t, loaded.Position.EntryPrice.Equal(decimal.NewFromInt(100)))

	// Overwrite wins.
	snap.Version = 8
	require.NoError(t, store.SaveSnapshot(ctx, snap))
	loaded, err = store.LoadSnapshot(ctx, "SOL")
	require.NoError(t, err)
	assert.Equal(t, int64(8), loaded.Version)
}

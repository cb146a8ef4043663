// Package engine runs the single-writer scheduling loop that owns all
// strategy state and turns price ticks, fills and audit corrections into
// order placements.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/flyingwolf1701/hypertrader/internal/config"
	"github.com/flyingwolf1701/hypertrader/internal/core"
	"github.com/flyingwolf1701/hypertrader/internal/fragment"
	"github.com/flyingwolf1701/hypertrader/internal/ledger"
	"github.com/flyingwolf1701/hypertrader/internal/phase"
	"github.com/flyingwolf1701/hypertrader/internal/unit"
	"github.com/flyingwolf1701/hypertrader/internal/window"
	"github.com/flyingwolf1701/hypertrader/pkg/concurrency"
	apperrors "github.com/flyingwolf1701/hypertrader/pkg/errors"
	"github.com/flyingwolf1701/hypertrader/pkg/telemetry"
)

// Loop events. Price ticks are droppable under backpressure; everything
// else is delivered with a blocking send so authoritative events are never
// lost.
type priceEvent struct {
	tick core.PriceTick
}

type fillEvent struct {
	fill core.Fill
}

type placedEvent struct {
	clientOID string
	orderID   string
	unit      int
	side      core.Side
	kind      core.OrderKind
	size      decimal.Decimal
	price     decimal.Decimal
	epoch     int64
	err       error
}

type cancelledEvent struct {
	orderID string
	unit    int
	ok      bool
	err     error
}

type correctionsEvent struct {
	corrections []core.Correction
}

// Engine owns the unit index, ledger, window scheduler, fragment accountant
// and phase state. All of them are mutated only by the run goroutine; the
// outside world communicates through the event channel and reads through
// the published snapshot.
type Engine struct {
	cfg    *config.Config
	symbol string

	gateway core.IOrderGateway
	feed    core.IPriceFeed
	store   core.IStateStore
	alerter core.IAlerter

	index      *unit.Index
	ledger     *ledger.Ledger
	window     *window.Scheduler
	accountant *fragment.Accountant
	phase      core.Phase

	events     chan interface{}
	pool       *concurrency.WorkerPool
	limiter    *rate.Limiter
	placeExec  failsafe.Executor[string]
	cancelExec failsafe.Executor[bool]

	// Debounced unit commit.
	pendingUnit  int
	pendingSince time.Time
	hasPending   bool
	debounce     *time.Timer

	lastPrice   decimal.Decimal
	initialized bool
	version     int64

	// epoch counts window generations. A reset bumps it, so placement
	// confirmations dispatched against the old geometry can be recognized
	// and withdrawn instead of entering the ledger.
	epoch int64

	// Assumed fills whose broker confirmation is overdue.
	assumedGrace  time.Duration
	assumedMu     sync.Mutex
	assumedWarned map[string]bool

	published atomic.Value // *core.Snapshot

	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires an engine from its dependencies. State is empty until Start
// loads a snapshot or bootstraps from the first price.
func New(
	cfg *config.Config,
	gateway core.IOrderGateway,
	feed core.IPriceFeed,
	store core.IStateStore,
	alerter core.IAlerter,
	logger core.ILogger,
) (*Engine, error) {
	log := logger.WithField("component", "engine")

	led := ledger.NewLedger(cfg.Strategy.Symbol, logger)
	win, err := window.NewScheduler(cfg.Strategy.WindowSize, logger, alerter)
	if err != nil {
		return nil, err
	}
	acct, err := fragment.NewAccountant(cfg.Strategy.Symbol, int64(cfg.Strategy.Fragments), cfg.Strategy.Leverage, logger)
	if err != nil {
		return nil, err
	}

	minInterval := time.Duration(cfg.Timing.MinTradeIntervalMs) * time.Millisecond

	placeRetry := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool { return apperrors.IsTransient(err) }).
		WithBackoff(100*time.Millisecond, time.Second).
		WithMaxRetries(1).
		Build()
	cancelRetry := retrypolicy.NewBuilder[bool]().
		HandleIf(func(_ bool, err error) bool { return apperrors.IsTransient(err) }).
		WithBackoff(100*time.Millisecond, time.Second).
		WithMaxRetries(1).
		Build()

	return &Engine{
		cfg:        cfg,
		symbol:     cfg.Strategy.Symbol,
		gateway:    gateway,
		feed:       feed,
		store:      store,
		alerter:    alerter,
		index:      nil,
		ledger:     led,
		window:     win,
		accountant: acct,
		phase:      core.PhaseAdvance,
		events:     make(chan interface{}, cfg.Timing.EventQueueSize),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "order-gateway",
			MaxWorkers:  cfg.Concurrency.OrderPoolSize,
			MaxCapacity: cfg.Concurrency.OrderPoolBuffer,
		}, logger),
		limiter:       rate.NewLimiter(rate.Every(minInterval), 1),
		placeExec:     failsafe.With[string](placeRetry),
		cancelExec:    failsafe.With[bool](cancelRetry),
		assumedGrace:  30 * time.Second,
		assumedWarned: make(map[string]bool),
		logger:        log,
		metrics:       telemetry.GetGlobalMetrics(),
	}, nil
}

// Start restores persisted state if present and launches the scheduling
// loop. With no snapshot the engine bootstraps from the first price tick.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(ctx)

		snap, err := e.store.LoadSnapshot(e.ctx, e.symbol)
		if err != nil {
			startErr = fmt.Errorf("failed to load snapshot: %w", err)
			return
		}
		if snap != nil {
			if err := e.restore(snap); err != nil {
				startErr = fmt.Errorf("failed to restore snapshot: %w", err)
				return
			}
			e.logger.Info("State restored from snapshot",
				"symbol", e.symbol,
				"version", snap.Version,
				"phase", e.phase.String(),
				"current_unit", e.window.CurrentUnit())
		} else {
			e.logger.Info("No snapshot found, awaiting first price to bootstrap", "symbol", e.symbol)
		}

		if err := e.feed.Start(e.ctx); err != nil {
			startErr = fmt.Errorf("failed to start price feed: %w", err)
			return
		}

		e.debounce = time.NewTimer(time.Hour)
		if !e.debounce.Stop() {
			<-e.debounce.C
		}

		e.wg.Add(1)
		go e.forwardTicks()

		if fs, ok := e.gateway.(core.IFillStream); ok {
			e.wg.Add(1)
			go e.forwardFills(fs)
		}

		e.wg.Add(1)
		go e.run()

		e.logger.Info("Engine started", "symbol", e.symbol)
	})
	return startErr
}

// Stop shuts the loop down and waits for in-flight gateway calls.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping engine", "symbol", e.symbol)
		if e.cancel != nil {
			e.cancel()
		}
		if e.feed != nil {
			_ = e.feed.Stop()
		}
		e.wg.Wait()
		e.pool.Stop()
		if e.cfg.System.CancelOnExit {
			e.cancelRestingOrders()
		}
		e.logger.Info("Engine stopped", "symbol", e.symbol)
	})
	return nil
}

// cancelRestingOrders withdraws active stops at the gateway during
// shutdown. Runs after the loop has exited, so touching the ledger is safe.
func (e *Engine) cancelRestingOrders() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, u := range append(e.window.Sells(), e.window.Buys()...) {
		rec := e.ledger.ActiveAt(u)
		if rec == nil || rec.Status != core.OrderActive {
			continue
		}
		if _, err := e.gateway.CancelOrder(ctx, rec.OrderID); err != nil {
			e.logger.Warn("Exit cancellation failed", "order_id", rec.OrderID, "error", err.Error())
		}
	}
}

// EnqueueFill delivers a broker fill to the loop. Blocks until accepted;
// fills are authoritative and must not be dropped.
func (e *Engine) EnqueueFill(f core.Fill) {
	select {
	case e.events <- fillEvent{fill: f}:
	case <-e.ctx.Done():
	}
}

// ApplyCorrections hands an audit correction plan to the loop.
func (e *Engine) ApplyCorrections(corrections []core.Correction) {
	if len(corrections) == 0 {
		return
	}
	select {
	case e.events <- correctionsEvent{corrections: corrections}:
	case <-e.ctx.Done():
	}
}

// PublishedSnapshot returns the state as of the last committed transition.
// Safe for concurrent use; may lag the loop by one event.
func (e *Engine) PublishedSnapshot() *core.Snapshot {
	snap, _ := e.published.Load().(*core.Snapshot)
	return snap
}

// ExpectedOrders derives the intended live order set from the published
// snapshot for the auditor. Units whose placement has not confirmed yet are
// excluded, as are orders with a cancellation in flight: if that cancel
// failed, the resting order must look like an orphan so the audit pass
// re-cancels it.
func (e *Engine) ExpectedOrders() []core.ExpectedOrder {
	snap := e.PublishedSnapshot()
	if snap == nil {
		return nil
	}
	now := time.Now().UTC()
	var expected []core.ExpectedOrder
	for _, rec := range snap.Orders {
		if rec.Status == core.OrderAssumedFilled && now.Sub(rec.FillTime) > e.assumedGrace {
			e.warnUnconfirmedAssumed(rec)
		}
		if rec.Status != core.OrderActive {
			continue
		}
		expected = append(expected, core.ExpectedOrder{
			Unit:    rec.Unit,
			Side:    rec.Side,
			OrderID: rec.OrderID,
			Price:   rec.Price,
		})
	}
	return expected
}

// warnUnconfirmedAssumed raises one alarm per order whose assumed fill has
// gone unconfirmed past the grace period. The P&L already includes the fill;
// if the trigger order is still resting the audit pass cancels it, so the
// books and the broker disagree until an operator reconciles them.
func (e *Engine) warnUnconfirmedAssumed(rec core.OrderRecord) {
	e.assumedMu.Lock()
	warned := e.assumedWarned[rec.OrderID]
	e.assumedWarned[rec.OrderID] = true
	e.assumedMu.Unlock()
	if warned {
		return
	}
	e.logger.Warn("Assumed fill unconfirmed past grace period",
		"order_id", rec.OrderID,
		"unit", rec.Unit,
		"side", rec.Side.String(),
		"assumed_at", rec.FillTime.Format(time.RFC3339))
	if e.alerter != nil {
		e.alerter.Raise("fill_reconciliation",
			fmt.Sprintf("assumed fill for order %s unconfirmed after %s", rec.OrderID, e.assumedGrace),
			map[string]interface{}{
				"order_id": rec.OrderID,
				"unit":     rec.Unit,
				"side":     rec.Side.String(),
			})
	}
	e.metrics.FillsUnconfirmedTotal.Add(context.Background(), 1)
}

func (e *Engine) forwardTicks() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick, ok := <-e.feed.Ticks():
			if !ok {
				return
			}
			select {
			case e.events <- priceEvent{tick: tick}:
			default:
				// Price ticks are refreshable; drop under backpressure.
				e.logger.Debug("Event queue full, dropping price tick", "price", tick.Price.String())
			}
		}
	}
}

func (e *Engine) forwardFills(fs core.IFillStream) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case f, ok := <-fs.Fills():
			if !ok {
				return
			}
			e.EnqueueFill(f)
		}
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		e.metrics.SetEventQueueDepth(e.symbol, int64(len(e.events)))
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.events:
			e.handleEvent(ev)
		case <-e.debounce.C:
			e.commitPendingUnit()
		}
	}
}

func (e *Engine) handleEvent(ev interface{}) {
	switch event := ev.(type) {
	case priceEvent:
		e.handlePrice(event.tick)
	case fillEvent:
		e.handleFill(event.fill)
	case placedEvent:
		e.handlePlaced(event)
	case cancelledEvent:
		e.handleCancelled(event)
	case correctionsEvent:
		e.handleCorrections(event.corrections)
	default:
		e.logger.Error("Unknown event type", "event", fmt.Sprintf("%T", ev))
	}
}

// handlePrice maps the tick to a unit and arms the debounce timer on a
// boundary crossing. The unit change commits only if it survives the
// debounce interval.
func (e *Engine) handlePrice(tick core.PriceTick) {
	e.lastPrice = tick.Price

	if !e.initialized {
		e.bootstrap(tick.Price)
		return
	}

	observed := e.index.UnitFor(tick.Price)
	current := e.window.CurrentUnit()

	if observed == current {
		if e.hasPending {
			// Price returned inside the current unit before the debounce
			// elapsed; the excursion was noise.
			e.hasPending = false
			e.stopDebounce()
		}
		return
	}

	if e.hasPending && observed == e.pendingUnit {
		return
	}

	e.pendingUnit = observed
	e.pendingSince = tick.Timestamp
	e.hasPending = true
	e.resetDebounce(time.Duration(e.cfg.Timing.DebounceMs) * time.Millisecond)
}

// commitPendingUnit applies a debounced unit change, stepping multi-unit
// jumps one unit at a time so every slide decision observes each boundary.
func (e *Engine) commitPendingUnit() {
	if !e.hasPending {
		return
	}
	if !e.limiter.Allow() {
		// Trade pacing: try again shortly without losing the pending change.
		e.resetDebounce(50 * time.Millisecond)
		return
	}
	target := e.pendingUnit
	e.hasPending = false

	var intents []core.OrderIntent

	for e.window.CurrentUnit() != target {
		current := e.window.CurrentUnit()
		if target > current {
			next := current + 1
			intents = append(intents, e.window.OnUnitChange(next)...)
			intents = append(intents, e.assumeCrossedBuys(next)...)
		} else {
			next := current - 1
			intents = append(intents, e.assumeCrossedSells(next)...)
			intents = append(intents, e.window.OnUnitChange(next)...)
		}
		e.metrics.UnitChangesTotal.Add(e.ctx, 1)
	}

	e.accountant.TrackUnit(target)
	if e.recomputePhase() {
		// The reset already cancelled and reseeded the window. Placements
		// accumulated above belong to the old geometry and must not run;
		// only the cancels survive, so evicted orders still come down.
		intents = keepCancels(intents)
	}
	e.executeIntents(intents)
	e.commit()

	if !e.pendingSince.IsZero() {
		e.metrics.TickToActionLatency.Record(e.ctx, float64(time.Since(e.pendingSince).Milliseconds()))
	}

	e.logger.Info("Unit change committed",
		"symbol", e.symbol,
		"unit", target,
		"phase", e.phase.String(),
		"sells", fmt.Sprintf("%v", e.window.Sells()),
		"buys", fmt.Sprintf("%v", e.window.Buys()))
}

// assumeCrossedSells treats stop-sells whose trigger boundary the step
// crossed as filled before broker confirmation. A stop-sell at S triggers
// once price drops below its boundary, which is exactly a step to S-1.
func (e *Engine) assumeCrossedSells(next int) []core.OrderIntent {
	var intents []core.OrderIntent
	for _, u := range e.window.Sells() {
		if u <= next {
			continue
		}
		rec := e.ledger.ActiveAt(u)
		if rec == nil || rec.Status != core.OrderActive {
			// Placement still in flight; drop the level and keep its
			// replacement. The audit pass cleans up the stray order.
			intents = append(intents, e.window.OnFill(u, core.SideSell)...)
			continue
		}
		intents = append(intents, e.applyAssumedFill(rec)...)
	}
	return intents
}

// assumeCrossedBuys mirrors assumeCrossedSells for stop-buys: a stop-buy
// at B triggers once price reaches its boundary, which is a step to B.
func (e *Engine) assumeCrossedBuys(next int) []core.OrderIntent {
	var intents []core.OrderIntent
	for _, u := range e.window.Buys() {
		if u > next {
			continue
		}
		rec := e.ledger.ActiveAt(u)
		if rec == nil || rec.Status != core.OrderActive {
			intents = append(intents, e.window.OnFill(u, core.SideBuy)...)
			continue
		}
		intents = append(intents, e.applyAssumedFill(rec)...)
	}
	return intents
}

func (e *Engine) applyAssumedFill(rec *core.OrderRecord) []core.OrderIntent {
	marked, changed := e.ledger.MarkAssumedFilled(rec.OrderID, rec.Price, time.Now().UTC())
	if !changed {
		return nil
	}
	e.logger.Info("Boundary crossing assumed as fill",
		"order_id", marked.OrderID,
		"unit", marked.Unit,
		"side", marked.Side.String())
	e.bookFill(marked.Side, marked.Price, marked.Size)
	return e.window.OnFill(marked.Unit, marked.Side)
}

// handleFill applies a broker-confirmed fill. Replays, unknown ids and
// confirmations of assumed fills must all be no-ops on strategy state.
func (e *Engine) handleFill(f core.Fill) {
	rec := e.ledger.Record(f.OrderID)
	if rec == nil {
		e.logger.Warn("Fill for unknown order, ignoring", "order_id", f.OrderID)
		e.metrics.FillsDuplicateTotal.Add(e.ctx, 1)
		return
	}

	wasAssumed := rec.Status == core.OrderAssumedFilled
	marked, changed := e.ledger.MarkFilled(f.OrderID, f.Price, time.Now().UTC())
	if !changed {
		if wasAssumed {
			e.logger.Debug("Assumed fill confirmed", "order_id", f.OrderID, "unit", marked.Unit)
			e.assumedMu.Lock()
			delete(e.assumedWarned, f.OrderID)
			e.assumedMu.Unlock()
			e.commit()
		} else {
			e.logger.Warn("Duplicate fill notification, ignoring", "order_id", f.OrderID)
			e.metrics.FillsDuplicateTotal.Add(e.ctx, 1)
		}
		return
	}

	size := marked.Size
	if f.Size.Sign() > 0 {
		size = f.Size
	}
	e.bookFill(marked.Side, f.Price, size)
	e.metrics.FillsProcessedTotal.Add(e.ctx, 1)

	intents := e.window.OnFill(marked.Unit, marked.Side)
	if e.recomputePhase() {
		intents = keepCancels(intents)
	}
	e.executeIntents(intents)
	e.commit()

	e.logger.Info("Fill processed",
		"symbol", e.symbol,
		"order_id", f.OrderID,
		"unit", marked.Unit,
		"side", marked.Side.String(),
		"price", f.Price.String(),
		"realized_pnl", e.accountant.RealizedPnL().String())
}

func (e *Engine) bookFill(side core.Side, price, size decimal.Decimal) {
	if side == core.SideSell {
		e.accountant.OnSellFill(price, size)
	} else {
		e.accountant.OnBuyFill(price, size)
	}
	e.metrics.SetRealizedPnL(e.symbol, e.accountant.RealizedPnL().InexactFloat64())
}

// recomputePhase reclassifies the phase from window composition and runs a
// compounding reset when a recovery completes back into advance. Reports
// whether a reset ran, because a reset invalidates any placement intents the
// caller accumulated against the pre-reset geometry.
func (e *Engine) recomputePhase() bool {
	next := phase.Classify(len(e.window.Sells()), len(e.window.Buys()), e.phase)
	if phase.IsReset(e.phase, next) {
		e.performReset()
		return true
	}
	if next != e.phase {
		e.logger.Info("Phase transition", "symbol", e.symbol, "from", e.phase.String(), "to", next.String())
		e.phase = next
		e.metrics.SetPhase(e.symbol, int64(next))
	}
	return false
}

// keepCancels strips placement intents, keeping only cancels.
func keepCancels(intents []core.OrderIntent) []core.OrderIntent {
	var kept []core.OrderIntent
	for _, intent := range intents {
		if intent.Kind == core.IntentCancel {
			kept = append(kept, intent)
		}
	}
	return kept
}

// performReset closes the compounding cycle: cancel the remaining window,
// rebase the unit index at the current price and reseed an all-sell window
// from a larger position base.
func (e *Engine) performReset() {
	e.phase = core.PhaseReset
	e.metrics.SetPhase(e.symbol, int64(core.PhaseReset))
	e.logger.Info("Reset triggered",
		"symbol", e.symbol,
		"price", e.lastPrice.String(),
		"realized_pnl", e.accountant.RealizedPnL().String(),
		"cycle", e.accountant.Cycle())

	var cancels []core.OrderIntent
	for _, u := range append(e.window.Sells(), e.window.Buys()...) {
		if rec := e.ledger.ActiveAt(u); rec != nil && rec.Status == core.OrderActive {
			cancels = append(cancels, core.OrderIntent{
				Kind:    core.IntentCancel,
				Unit:    u,
				Side:    rec.Side,
				OrderID: rec.OrderID,
			})
		}
	}

	// New window generation: placements still in flight against the old
	// geometry confirm with a stale epoch and are withdrawn on arrival.
	e.epoch++

	e.accountant.Reset(e.lastPrice)
	newIndex, err := e.index.Rebase(e.lastPrice)
	if err != nil {
		e.logger.Error("Failed to rebase unit index, keeping previous anchor", "error", err.Error())
	} else {
		e.index = newIndex
	}
	e.ledger.BeginCycle()

	seeds := e.window.Seed(0)
	e.phase = core.PhaseAdvance
	e.metrics.SetPhase(e.symbol, int64(core.PhaseAdvance))
	e.metrics.ResetsTotal.Add(e.ctx, 1)

	e.executeIntents(append(cancels, seeds...))
	e.commit()

	e.logger.Info("Reset complete",
		"symbol", e.symbol,
		"cycle", e.accountant.Cycle(),
		"position_value", e.accountant.PositionValue().String(),
		"growth_factor", e.accountant.GrowthFactor().String())
}

// bootstrap opens the initial position at the first observed price and
// seeds the protective window beneath it.
func (e *Engine) bootstrap(price decimal.Decimal) {
	idx, err := unit.NewIndex(price, decimal.NewFromFloat(e.cfg.Strategy.UnitSize))
	if err != nil {
		e.logger.Error("Cannot bootstrap unit index", "price", price.String(), "error", err.Error())
		return
	}
	e.index = idx

	notional := decimal.NewFromFloat(e.cfg.Strategy.InitialPositionValue).
		Mul(decimal.NewFromInt(int64(e.cfg.Strategy.Leverage)))
	assetSize := notional.Div(price)
	if err := e.accountant.Initialize(price, assetSize); err != nil {
		e.logger.Error("Cannot initialize position", "error", err.Error())
		return
	}

	e.submitPlace(core.OrderIntent{
		Kind:      core.IntentPlace,
		Side:      core.SideBuy,
		OrderKind: core.KindMarket,
	}, assetSize, price)

	seeds := e.window.Seed(0)
	e.phase = core.PhaseAdvance
	e.initialized = true
	e.executeIntents(seeds)
	e.commit()

	e.logger.Info("Bootstrapped",
		"symbol", e.symbol,
		"entry_price", price.String(),
		"asset_size", assetSize.String(),
		"sells", fmt.Sprintf("%v", e.window.Sells()))
}

// executeIntents dispatches gateway calls to the worker pool. Results
// return to the loop as placed/cancelled events; failures are left for the
// auditor to converge.
func (e *Engine) executeIntents(intents []core.OrderIntent) {
	for _, intent := range intents {
		switch intent.Kind {
		case core.IntentPlace:
			price := e.index.PriceFor(intent.Unit)
			var size decimal.Decimal
			if intent.Side == core.SideSell {
				size = e.accountant.SellFragment()
			} else {
				size = e.accountant.BuyFragment(price)
			}
			if size.Sign() <= 0 {
				e.logger.Warn("Skipping zero-size placement", "unit", intent.Unit, "side", intent.Side.String())
				continue
			}
			e.submitPlace(intent, size, price)
		case core.IntentCancel:
			if intent.OrderID == "" {
				e.logger.Warn("Cancel intent without order id, deferring to audit",
					"unit", intent.Unit, "side", intent.Side.String())
				continue
			}
			e.submitCancel(intent)
		}
	}
}

func (e *Engine) submitPlace(intent core.OrderIntent, size, price decimal.Decimal) {
	clientOID := uuid.NewString()
	req := &core.PlaceOrderRequest{
		ClientOID:    clientOID,
		Side:         intent.Side,
		Kind:         intent.OrderKind,
		Size:         size,
		TriggerPrice: price,
	}
	unitIdx := intent.Unit
	epoch := e.epoch
	if err := e.pool.Submit(func() {
		orderID, err := e.placeExec.Get(func() (string, error) {
			return e.gateway.PlaceOrder(e.ctx, req)
		})
		select {
		case e.events <- placedEvent{
			clientOID: clientOID,
			orderID:   orderID,
			unit:      unitIdx,
			side:      intent.Side,
			kind:      intent.OrderKind,
			size:      size,
			price:     price,
			epoch:     epoch,
			err:       err,
		}:
		case <-e.ctx.Done():
		}
	}); err != nil {
		e.logger.Error("Order pool rejected placement", "unit", unitIdx, "error", err.Error())
	}
}

func (e *Engine) submitCancel(intent core.OrderIntent) {
	orderID := intent.OrderID
	unitIdx := intent.Unit
	// The record leaves the intended order set the moment the cancel is
	// dispatched. A failed cancel then surfaces as an orphan at the next
	// audit pass instead of matching its own stale expectation.
	e.ledger.MarkCancelPending(orderID)
	if err := e.pool.Submit(func() {
		ok, err := e.cancelExec.Get(func() (bool, error) {
			return e.gateway.CancelOrder(e.ctx, orderID)
		})
		select {
		case e.events <- cancelledEvent{orderID: orderID, unit: unitIdx, ok: ok, err: err}:
		case <-e.ctx.Done():
		}
	}); err != nil {
		e.logger.Error("Order pool rejected cancellation", "order_id", orderID, "error", err.Error())
	}
}

// handlePlaced records a confirmed placement in the ledger and binds it to
// its window unit. A failed placement leaves the unit unbound; the auditor
// detects and replaces it.
func (e *Engine) handlePlaced(ev placedEvent) {
	if ev.err != nil {
		e.logger.Error("Order placement failed",
			"unit", ev.unit,
			"side", ev.side.String(),
			"error", ev.err.Error())
		return
	}
	if ev.kind == core.KindMarket {
		e.logger.Info("Market entry placed", "order_id", ev.orderID, "size", ev.size.String())
		return
	}
	if ev.epoch != e.epoch {
		// Placed against a geometry a reset has since replaced. The order
		// never enters the ledger; withdraw it at the broker.
		e.logger.Warn("Placement confirmed after reset, withdrawing",
			"order_id", ev.orderID,
			"unit", ev.unit,
			"side", ev.side.String())
		e.submitCancel(core.OrderIntent{
			Kind:    core.IntentCancel,
			Unit:    ev.unit,
			Side:    ev.side,
			OrderID: ev.orderID,
		})
		return
	}

	rec := &core.OrderRecord{
		OrderID:   ev.orderID,
		ClientOID: ev.clientOID,
		Unit:      ev.unit,
		Side:      ev.side,
		Kind:      ev.kind,
		Status:    core.OrderActive,
		Size:      ev.size,
		Price:     ev.price,
		PlacedAt:  time.Now().UTC(),
	}
	if err := e.ledger.Append(rec, ev.price); err != nil {
		e.logger.Error("Ledger rejected placement record",
			"order_id", ev.orderID, "unit", ev.unit, "error", err.Error())
		return
	}
	e.window.Bind(ev.unit, ev.orderID)
	e.metrics.OrdersPlacedTotal.Add(e.ctx, 1)
	e.commit()

	e.logger.Debug("Order placed",
		"order_id", ev.orderID,
		"unit", ev.unit,
		"side", ev.side.String(),
		"trigger_price", ev.price.String(),
		"size", ev.size.String())
}

func (e *Engine) handleCancelled(ev cancelledEvent) {
	if ev.err != nil {
		// The record stays CancelPending: excluded from the expected set,
		// so the resting order shows up as an orphan and is re-cancelled
		// by the next audit pass.
		e.logger.Error("Order cancellation failed", "order_id", ev.orderID, "error", ev.err.Error())
		return
	}
	if !ev.ok {
		// Already filled at the broker; the fill notification settles it.
		e.logger.Debug("Cancellation raced a fill", "order_id", ev.orderID)
		return
	}
	if _, changed := e.ledger.MarkCancelled(ev.orderID); changed {
		e.metrics.OrdersCancelledTotal.Add(e.ctx, 1)
		e.commit()
	}
	e.logger.Debug("Order cancelled", "order_id", ev.orderID, "unit", ev.unit)
}

// handleCorrections applies an audit plan serially through the same
// placement path regular intents use.
func (e *Engine) handleCorrections(corrections []core.Correction) {
	for _, c := range corrections {
		e.logger.Warn("Applying audit correction",
			"kind", c.Kind.String(),
			"unit", c.Unit,
			"side", c.Side.String(),
			"order_id", c.OrderID,
			"reason", c.Reason)
		e.metrics.AuditCorrectionsTotal.Add(e.ctx, 1)

		switch c.Kind {
		case core.CorrectionPlace:
			e.executeIntents([]core.OrderIntent{{
				Kind:      core.IntentPlace,
				Unit:      c.Unit,
				Side:      c.Side,
				OrderKind: orderKindFor(c.Side),
			}})
		case core.CorrectionCancel:
			e.submitCancel(core.OrderIntent{
				Kind:    core.IntentCancel,
				Unit:    c.Unit,
				Side:    c.Side,
				OrderID: c.OrderID,
			})
		}
	}
	e.commit()
}

// commit persists the snapshot and publishes it for concurrent readers.
// Persistence failure is logged but does not halt trading; the next commit
// retries.
func (e *Engine) commit() {
	e.version++
	snap := e.snapshot()
	e.published.Store(snap)
	e.metrics.SetWindowOrders(e.symbol, int64(len(e.window.Sells())+len(e.window.Buys())))

	if err := e.store.SaveSnapshot(e.ctx, snap); err != nil {
		e.logger.Error("Failed to persist snapshot", "symbol", e.symbol, "error", err.Error())
	}
}

func (e *Engine) snapshot() *core.Snapshot {
	pos := e.accountant.Snapshot()
	pos.Symbol = e.symbol
	if e.index != nil {
		pos.UnitSize = e.index.UnitSize()
	}
	return &core.Snapshot{
		Symbol:   e.symbol,
		Version:  e.version,
		SavedAt:  time.Now().UTC().UnixMilli(),
		Phase:    e.phase,
		Position: pos,
		Window:   e.window.Snapshot(),
		Orders:   e.ledger.Tail(),
	}
}

// restore rebuilds all loop-owned state from a snapshot so the next tick
// produces the same decisions a running engine would have made.
func (e *Engine) restore(snap *core.Snapshot) error {
	idx, err := unit.NewIndex(snap.Position.EntryPrice, snap.Position.UnitSize)
	if err != nil {
		return fmt.Errorf("snapshot has invalid unit geometry: %w", err)
	}
	e.index = idx
	e.accountant.Restore(snap.Position)
	e.window.Restore(snap.Window)
	if err := e.ledger.Restore(snap.Orders, func(u int) decimal.Decimal {
		return idx.PriceFor(u)
	}); err != nil {
		return fmt.Errorf("ledger restore failed: %w", err)
	}
	for _, u := range append(e.window.Sells(), e.window.Buys()...) {
		if rec := e.ledger.ActiveAt(u); rec != nil {
			e.window.Bind(u, rec.OrderID)
		}
	}
	e.phase = snap.Phase
	e.version = snap.Version
	e.initialized = true
	e.published.Store(snap)
	return nil
}

func (e *Engine) resetDebounce(d time.Duration) {
	e.stopDebounce()
	e.debounce.Reset(d)
}

func (e *Engine) stopDebounce() {
	if !e.debounce.Stop() {
		select {
		case <-e.debounce.C:
		default:
		}
	}
}

func orderKindFor(side core.Side) core.OrderKind {
	if side == core.SideSell {
		return core.KindStopLossSell
	}
	return core.KindStopBuy
}

// Package audit periodically diffs the engine's intended order set against
// the broker's live orders and produces a correction plan.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flyingwolf1701/hypertrader/internal/core"
	"github.com/flyingwolf1701/hypertrader/pkg/telemetry"
)

// ExpectedSource yields the intended live order set as of the last
// committed transition.
type ExpectedSource interface {
	ExpectedOrders() []core.ExpectedOrder
}

// CorrectionSink receives the correction plan. Corrections are applied by
// the scheduling loop, never by the auditor itself.
type CorrectionSink interface {
	ApplyCorrections(corrections []core.Correction)
}

// Config tunes the audit cadence.
type Config struct {
	Interval time.Duration
	// Cooldown suppresses repeating the same corrective action while its
	// first issue may still be in flight.
	Cooldown time.Duration
	// VerifyDelay schedules an early follow-up pass after corrections.
	VerifyDelay time.Duration
	// PriceTolerance is the max price distance for matching an open order
	// to an expected one, typically a fraction of the unit size.
	PriceTolerance decimal.Decimal
}

// Auditor compares expected and live orders on a timer. Because the
// expected set can lag in-flight placements, every discrepancy must
// survive the cooldown before being corrected again.
type Auditor struct {
	cfg      Config
	gateway  core.IOrderGateway
	expected ExpectedSource
	sink     CorrectionSink

	// Last issue time per corrective action signature.
	recent map[string]time.Time

	verifyAt time.Time

	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAuditor creates an auditor.
func NewAuditor(cfg Config, gateway core.IOrderGateway, expected ExpectedSource, sink CorrectionSink, logger core.ILogger) *Auditor {
	return &Auditor{
		cfg:      cfg,
		gateway:  gateway,
		expected: expected,
		sink:     sink,
		recent:   make(map[string]time.Time),
		logger:   logger.WithField("component", "auditor"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// Start begins the audit loop
func (a *Auditor) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.logger.Info("Starting auditor", "interval", a.cfg.Interval)

	a.wg.Add(1)
	go a.runLoop()

	return nil
}

// Stop stops the audit loop
func (a *Auditor) Stop() error {
	a.logger.Info("Stopping auditor")
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return nil
}

func (a *Auditor) runLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	verify := time.NewTimer(time.Hour)
	if !verify.Stop() {
		<-verify.C
	}

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.pass(verify)
		case <-verify.C:
			a.pass(verify)
		}
	}
}

func (a *Auditor) pass(verify *time.Timer) {
	if err := a.RunOnce(a.ctx); err != nil {
		a.logger.Error("Audit pass failed", "error", err.Error())
		return
	}
	a.mu.Lock()
	pending := !a.verifyAt.IsZero()
	delay := time.Until(a.verifyAt)
	a.verifyAt = time.Time{}
	a.mu.Unlock()
	if pending && delay > 0 {
		verify.Reset(delay)
	}
}

// RunOnce performs a single audit pass.
func (a *Auditor) RunOnce(ctx context.Context) error {
	expected := a.expected.ExpectedOrders()
	open, err := a.gateway.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open orders: %w", err)
	}

	corrections := a.diff(expected, open)
	if len(corrections) == 0 {
		a.logger.Debug("Audit pass clean", "expected", len(expected), "open", len(open))
		return nil
	}

	issued := a.applyCooldown(corrections)
	if len(issued) == 0 {
		return nil
	}

	a.logger.Warn("Audit found discrepancies",
		"expected", len(expected),
		"open", len(open),
		"corrections", len(issued))

	a.sink.ApplyCorrections(issued)

	a.mu.Lock()
	a.verifyAt = time.Now().Add(a.cfg.VerifyDelay)
	a.mu.Unlock()
	return nil
}

// diff classifies discrepancies three ways: expected orders missing at the
// broker, several live orders matching one expected order, and live orders
// matching nothing.
func (a *Auditor) diff(expected []core.ExpectedOrder, open []core.OpenOrder) []core.Correction {
	var corrections []core.Correction

	matchedOpen := make(map[string]bool)

	for _, exp := range expected {
		var matches []core.OpenOrder
		for _, o := range open {
			if matchedOpen[o.OrderID] {
				continue
			}
			if a.matches(exp, o) {
				matches = append(matches, o)
			}
		}

		switch {
		case len(matches) == 0:
			corrections = append(corrections, core.Correction{
				Kind:   core.CorrectionPlace,
				Unit:   exp.Unit,
				Side:   exp.Side,
				Reason: fmt.Sprintf("expected order %s at unit %d missing at broker", exp.OrderID, exp.Unit),
			})
		case len(matches) == 1:
			matchedOpen[matches[0].OrderID] = true
		default:
			// Keep the exact id match when present, otherwise the first;
			// cancel the surplus.
			keep := 0
			for i, m := range matches {
				if m.OrderID == exp.OrderID {
					keep = i
					break
				}
			}
			for i, m := range matches {
				matchedOpen[m.OrderID] = true
				if i == keep {
					continue
				}
				corrections = append(corrections, core.Correction{
					Kind:    core.CorrectionCancel,
					Unit:    exp.Unit,
					Side:    exp.Side,
					OrderID: m.OrderID,
					Reason:  fmt.Sprintf("duplicate of expected order at unit %d", exp.Unit),
				})
			}
		}
	}

	for _, o := range open {
		if matchedOpen[o.OrderID] {
			continue
		}
		corrections = append(corrections, core.Correction{
			Kind:    core.CorrectionCancel,
			Side:    o.Side,
			OrderID: o.OrderID,
			Reason:  fmt.Sprintf("order %s at price %s matches no expected order", o.OrderID, o.Price.String()),
		})
	}

	return corrections
}

func (a *Auditor) matches(exp core.ExpectedOrder, o core.OpenOrder) bool {
	if exp.Side != o.Side {
		return false
	}
	if exp.OrderID != "" && exp.OrderID == o.OrderID {
		return true
	}
	return exp.Price.Sub(o.Price).Abs().LessThanOrEqual(a.cfg.PriceTolerance)
}

// applyCooldown drops corrections whose signature was issued within the
// cooldown window, so an in-flight correction is not repeated.
func (a *Auditor) applyCooldown(corrections []core.Correction) []core.Correction {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	for sig, at := range a.recent {
		if now.Sub(at) > a.cfg.Cooldown {
			delete(a.recent, sig)
		}
	}

	var issued []core.Correction
	for _, c := range corrections {
		sig := fmt.Sprintf("%s:%d:%s:%s", c.Kind.String(), c.Unit, c.Side.String(), c.OrderID)
		if at, ok := a.recent[sig]; ok && now.Sub(at) <= a.cfg.Cooldown {
			a.logger.Debug("Correction suppressed by cooldown", "signature", sig)
			continue
		}
		a.recent[sig] = now
		issued = append(issued, c)
	}
	return issued
}

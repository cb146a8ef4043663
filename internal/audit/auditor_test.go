package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingwolf1701/hypertrader/internal/core"
	"github.com/flyingwolf1701/hypertrader/internal/mock"
	"github.com/flyingwolf1701/hypertrader/pkg/logging"
)

type stubExpected struct {
	mu     sync.Mutex
	orders []core.ExpectedOrder
}

func (s *stubExpected) ExpectedOrders() []core.ExpectedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ExpectedOrder(nil), s.orders...)
}

func (s *stubExpected) set(orders []core.ExpectedOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = orders
}

type stubSink struct {
	mu    sync.Mutex
	plans [][]core.Correction
}

func (s *stubSink) ApplyCorrections(corrections []core.Correction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, corrections)
}

func (s *stubSink) all() []core.Correction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Correction
	for _, plan := range s.plans {
		out = append(out, plan...)
	}
	return out
}

func newTestAuditor(t *testing.T, gateway core.IOrderGateway, expected ExpectedSource, sink CorrectionSink) *Auditor {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return NewAuditor(Config{
		Interval:       time.Minute,
		Cooldown:       30 * time.Second,
		VerifyDelay:    5 * time.Second,
		PriceTolerance: decimal.NewFromFloat(0.05),
	}, gateway, expected, sink, logger)
}

func place(t *testing.T, g *mock.Gateway, side core.Side, price string) string {
	t.Helper()
	id, err := g.PlaceOrder(context.Background(), &core.PlaceOrderRequest{
		Side:         side,
		Kind:         core.KindStopLossSell,
		Size:         decimal.NewFromInt(1),
		TriggerPrice: mustDecimal(price),
	})
	require.NoError(t, err)
	return id
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRunOnce_Clean(t *testing.T) {
	gateway := mock.NewGateway()
	expected := &stubExpected{}
	sink := &stubSink{}
	a := newTestAuditor(t, gateway, expected, sink)

	id := place(t, gateway, core.SideSell, "99.75")
	expected.set([]core.ExpectedOrder{
		{Unit: -1, Side: core.SideSell, OrderID: id, Price: mustDecimal("99.75")},
	})

	require.NoError(t, a.RunOnce(context.Background()))
	assert.Empty(t, sink.all())
}

func TestRunOnce_MissingOrder(t *testing.T) {
	gateway := mock.NewGateway()
	expected := &stubExpected{}
	sink := &stubSink{}
	a := newTestAuditor(t, gateway, expected, sink)

	expected.set([]core.ExpectedOrder{
		{Unit: -2, Side: core.SideSell, OrderID: "gone", Price: mustDecimal("99.50")},
	})

	require.NoError(t, a.RunOnce(context.Background()))

	corrections := sink.all()
	require.Len(t, corrections, 1)
	assert.Equal(t, core.CorrectionPlace, corrections[0].Kind)
	assert.Equal(t, -2, corrections[0].Unit)
	assert.Equal(t, core.SideSell, corrections[0].Side)
}

func TestRunOnce_DuplicateOrders(t *testing.T) {
	gateway := mock.NewGateway()
	expected := &stubExpected{}
	sink := &stubSink{}
	a := newTestAuditor(t, gateway, expected, sink)

	// Two live orders at the same level, one expected: the surplus is
	// cancelled, the expected one kept.
	keep := place(t, gateway, core.SideSell, "99.75")
	dup := place(t, gateway, core.SideSell, "99.75")
	expected.set([]core.ExpectedOrder{
		{Unit: -1, Side: core.SideSell, OrderID: keep, Price: mustDecimal("99.75")},
	})

	require.NoError(t, a.RunOnce(context.Background()))

	corrections := sink.all()
	require.Len(t, corrections, 1)
	assert.Equal(t, core.CorrectionCancel, corrections[0].Kind)
	assert.Equal(t, dup, corrections[0].OrderID)
}

func TestRunOnce_OrphanOrder(t *testing.T) {
	gateway := mock.NewGateway()
	expected := &stubExpected{}
	sink := &stubSink{}
	a := newTestAuditor(t, gateway, expected, sink)

	orphan := place(t, gateway, core.SideBuy, "101.00")

	require.NoError(t, a.RunOnce(context.Background()))

	corrections := sink.all()
	require.Len(t, corrections, 1)
	assert.Equal(t, core.CorrectionCancel, corrections[0].Kind)
	assert.Equal(t, orphan, corrections[0].OrderID)
}

func TestRunOnce_PriceToleranceMatch(t *testing.T) {
	gateway := mock.NewGateway()
	expected := &stubExpected{}
	sink := &stubSink{}
	a := newTestAuditor(t, gateway, expected, sink)

	// Live order drifted within tolerance; id unknown to the expected set.
	place(t, gateway, core.SideSell, "99.72")
	expected.set([]core.ExpectedOrder{
		{Unit: -1, Side: core.SideSell, Price: mustDecimal("99.75")},
	})

	require.NoError(t, a.RunOnce(context.Background()))
	assert.Empty(t, sink.all())
}

func TestCooldown_SuppressesRepeat(t *testing.T) {
	gateway := mock.NewGateway()
	expected := &stubExpected{}
	sink := &stubSink{}
	a := newTestAuditor(t, gateway, expected, sink)

	expected.set([]core.ExpectedOrder{
		{Unit: -2, Side: core.SideSell, OrderID: "gone", Price: mustDecimal("99.50")},
	})

	require.NoError(t, a.RunOnce(context.Background()))
	require.NoError(t, a.RunOnce(context.Background()))

	assert.Len(t, sink.all(), 1, "same correction within cooldown must issue once")
}

func TestCooldown_ExpiresAfterWindow(t *testing.T) {
	gateway := mock.NewGateway()
	expected := &stubExpected{}
	sink := &stubSink{}
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	a := NewAuditor(Config{
		Interval:       time.Minute,
		Cooldown:       10 * time.Millisecond,
		VerifyDelay:    time.Millisecond,
		PriceTolerance: decimal.NewFromFloat(0.05),
	}, gateway, expected, sink, logger)

	expected.set([]core.ExpectedOrder{
		{Unit: -2, Side: core.SideSell, OrderID: "gone", Price: mustDecimal("99.50")},
	})

	require.NoError(t, a.RunOnce(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.RunOnce(context.Background()))

	assert.Len(t, sink.all(), 2)
}

func TestStartStop(t *testing.T) {
	gateway := mock.NewGateway()
	expected := &stubExpected{}
	sink := &stubSink{}
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	a := NewAuditor(Config{
		Interval:       10 * time.Millisecond,
		Cooldown:       time.Second,
		VerifyDelay:    time.Millisecond,
		PriceTolerance: decimal.NewFromFloat(0.05),
	}, gateway, expected, sink, logger)

	expected.set([]core.ExpectedOrder{
		{Unit: -1, Side: core.SideSell, OrderID: "gone", Price: mustDecimal("99.75")},
	})

	require.NoError(t, a.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return len(sink.all()) >= 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, a.Stop())
}

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricFillsProcessedTotal   = "hypertrader_fills_processed_total"
	MetricFillsDuplicateTotal   = "hypertrader_fills_duplicate_total"
	MetricFillsUnconfirmedTotal = "hypertrader_fills_unconfirmed_total"
	MetricOrdersPlacedTotal     = "hypertrader_orders_placed_total"
	MetricOrdersCancelledTotal  = "hypertrader_orders_cancelled_total"
	MetricUnitChangesTotal      = "hypertrader_unit_changes_total"
	MetricResetsTotal           = "hypertrader_resets_total"
	MetricAuditCorrectionsTotal = "hypertrader_audit_corrections_total"
	MetricInvariantAlarmsTotal  = "hypertrader_invariant_alarms_total"
	MetricWindowOrders          = "hypertrader_window_orders"
	MetricCurrentPhase          = "hypertrader_current_phase"
	MetricRealizedPnL           = "hypertrader_realized_pnl"
	MetricEventQueueDepth       = "hypertrader_event_queue_depth"
	MetricTickToActionLatency   = "hypertrader_tick_to_action_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	FillsProcessedTotal   metric.Int64Counter
	FillsDuplicateTotal   metric.Int64Counter
	FillsUnconfirmedTotal metric.Int64Counter
	OrdersPlacedTotal     metric.Int64Counter
	OrdersCancelledTotal  metric.Int64Counter
	UnitChangesTotal      metric.Int64Counter
	ResetsTotal           metric.Int64Counter
	AuditCorrectionsTotal metric.Int64Counter
	InvariantAlarmsTotal  metric.Int64Counter
	WindowOrders          metric.Int64ObservableGauge
	CurrentPhase          metric.Int64ObservableGauge
	RealizedPnL           metric.Float64ObservableGauge
	EventQueueDepth       metric.Int64ObservableGauge
	TickToActionLatency   metric.Float64Histogram

	// State for observable gauges
	mu              sync.RWMutex
	windowOrdersMap map[string]int64
	phaseMap        map[string]int64
	realizedPnLMap  map[string]float64
	queueDepthMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			windowOrdersMap: make(map[string]int64),
			phaseMap:        make(map[string]int64),
			realizedPnLMap:  make(map[string]float64),
			queueDepthMap:   make(map[string]int64),
		}
		// Noop instruments until InitMetrics installs real ones, so
		// recording is always safe.
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("hypertrader"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.FillsProcessedTotal, err = meter.Int64Counter(MetricFillsProcessedTotal, metric.WithDescription("Total fill notifications applied to the ledger"))
	if err != nil {
		return err
	}

	m.FillsDuplicateTotal, err = meter.Int64Counter(MetricFillsDuplicateTotal, metric.WithDescription("Total duplicate or unknown fill notifications ignored"))
	if err != nil {
		return err
	}

	m.FillsUnconfirmedTotal, err = meter.Int64Counter(MetricFillsUnconfirmedTotal, metric.WithDescription("Total assumed fills left unconfirmed past the grace period"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders cancelled"))
	if err != nil {
		return err
	}

	m.UnitChangesTotal, err = meter.Int64Counter(MetricUnitChangesTotal, metric.WithDescription("Total committed unit changes"))
	if err != nil {
		return err
	}

	m.ResetsTotal, err = meter.Int64Counter(MetricResetsTotal, metric.WithDescription("Total compounding resets"))
	if err != nil {
		return err
	}

	m.AuditCorrectionsTotal, err = meter.Int64Counter(MetricAuditCorrectionsTotal, metric.WithDescription("Total corrective actions issued by the auditor"))
	if err != nil {
		return err
	}

	m.InvariantAlarmsTotal, err = meter.Int64Counter(MetricInvariantAlarmsTotal, metric.WithDescription("Total internal-consistency alarms raised"))
	if err != nil {
		return err
	}

	m.TickToActionLatency, err = meter.Float64Histogram(MetricTickToActionLatency, metric.WithDescription("Time from price tick to scheduler action"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.WindowOrders, err = meter.Int64ObservableGauge(MetricWindowOrders, metric.WithDescription("Active protective orders in the sliding window"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.windowOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CurrentPhase, err = meter.Int64ObservableGauge(MetricCurrentPhase, metric.WithDescription("Current strategy phase (0=advance 1=retracement 2=decline 3=recovery 4=reset)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.phaseMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RealizedPnL, err = meter.Float64ObservableGauge(MetricRealizedPnL, metric.WithDescription("Realized PnL accumulated since the last reset"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.realizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EventQueueDepth, err = meter.Int64ObservableGauge(MetricEventQueueDepth, metric.WithDescription("Depth of the scheduling loop event queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetWindowOrders updates the window order gauge for a symbol
func (m *MetricsHolder) SetWindowOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowOrdersMap[symbol] = count
}

// SetPhase updates the phase gauge for a symbol
func (m *MetricsHolder) SetPhase(symbol string, phase int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseMap[symbol] = phase
}

// SetRealizedPnL updates the realized PnL gauge for a symbol
func (m *MetricsHolder) SetRealizedPnL(symbol string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realizedPnLMap[symbol] = pnl
}

// SetEventQueueDepth updates the event queue depth gauge for a symbol
func (m *MetricsHolder) SetEventQueueDepth(symbol string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[symbol] = depth
}

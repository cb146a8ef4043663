// Package alert delivers internal-consistency alarms to external channels.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingwolf1701/hypertrader/internal/core"
	"github.com/flyingwolf1701/hypertrader/pkg/telemetry"
)

type Payload struct {
	Component string
	Reason    string
	Timestamp time.Time
	Details   map[string]string
}

// Channel is one delivery target for alarms.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans alarms out to its channels. Delivery is asynchronous so an
// alarm never blocks the scheduling loop; the alarm is always logged even
// when no channels are configured.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Raise implements core.IAlerter. Alarms signal logic bugs, so the log
// entry is always an error regardless of delivery outcome.
func (m *Manager) Raise(component, reason string, details map[string]interface{}) {
	fields := make(map[string]string, len(details))
	for k, v := range details {
		fields[k] = fmt.Sprintf("%v", v)
	}
	payload := Payload{
		Component: component,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
		Details:   fields,
	}

	m.logger.Error("Consistency alarm raised", "source", component, "reason", reason)
	m.metrics.InvariantAlarmsTotal.Add(context.Background(), 1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := c.Send(ctx, payload); err != nil {
				m.logger.Error("Failed to send alarm", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

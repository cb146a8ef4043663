// Package core defines the shared types and interfaces for the trading engine
package core

import (
	"context"
)

// IOrderGateway defines the contract with the broker-facing order layer.
// Placement and cancellation are asynchronous, fallible network operations.
type IOrderGateway interface {
	// PlaceOrder submits an order and returns the broker order id.
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (string, error)
	// CancelOrder cancels a resting order. Cancelling an already-filled order
	// is a benign failure: implementations return false, not an error.
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	// ListOpenOrders returns the broker's current resting orders.
	ListOpenOrders(ctx context.Context) ([]OpenOrder, error)
}

// IFillStream is implemented by gateways that push fill notifications.
// Fills may arrive late, duplicated, or out of order.
type IFillStream interface {
	Fills() <-chan Fill
}

// IPriceFeed is the asynchronous market price stream.
type IPriceFeed interface {
	Start(ctx context.Context) error
	Stop() error
	Ticks() <-chan PriceTick
}

// IStateStore persists crash-recovery snapshots keyed by symbol.
type IStateStore interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context, symbol string) (*Snapshot, error)
}

// IAuditor periodically diffs the intended order set against the broker's
// live order set and hands the scheduling loop a correction plan.
type IAuditor interface {
	Start(ctx context.Context) error
	Stop() error
	RunOnce(ctx context.Context) error
}

// IAlerter receives internal-consistency alarms. Invariant violations are
// logic bugs, not broker drift, and must be surfaced loudly.
type IAlerter interface {
	Raise(component, reason string, details map[string]interface{})
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

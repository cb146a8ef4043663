// Package mock provides an in-memory order gateway for tests and dry runs.
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flyingwolf1701/hypertrader/internal/core"
	apperrors "github.com/flyingwolf1701/hypertrader/pkg/errors"
)

// Order is the mock broker's view of a placed order.
type Order struct {
	OrderID   string
	ClientOID string
	Side      core.Side
	Kind      core.OrderKind
	Size      decimal.Decimal
	Price     decimal.Decimal
	Filled    bool
	Cancelled bool
}

// Gateway implements core.IOrderGateway and core.IFillStream against an
// in-memory book. Fills are triggered explicitly by the test driver.
type Gateway struct {
	mu     sync.Mutex
	orders map[string]*Order
	fills  chan core.Fill

	// Failure injection.
	failNextPlace  error
	failNextCancel error

	placeCount  int
	cancelCount int
}

func NewGateway() *Gateway {
	return &Gateway{
		orders: make(map[string]*Order),
		fills:  make(chan core.Fill, 256),
	}
}

func (g *Gateway) PlaceOrder(_ context.Context, req *core.PlaceOrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.placeCount++
	if g.failNextPlace != nil {
		err := g.failNextPlace
		g.failNextPlace = nil
		return "", err
	}

	orderID := uuid.NewString()
	g.orders[orderID] = &Order{
		OrderID:   orderID,
		ClientOID: req.ClientOID,
		Side:      req.Side,
		Kind:      req.Kind,
		Size:      req.Size,
		Price:     req.TriggerPrice,
	}
	return orderID, nil
}

func (g *Gateway) CancelOrder(_ context.Context, orderID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelCount++
	if g.failNextCancel != nil {
		err := g.failNextCancel
		g.failNextCancel = nil
		return false, err
	}

	o, ok := g.orders[orderID]
	if !ok || o.Filled {
		// Cancelling a filled or unknown order is benign.
		return false, nil
	}
	if o.Cancelled {
		return false, nil
	}
	o.Cancelled = true
	return true, nil
}

func (g *Gateway) ListOpenOrders(_ context.Context) ([]core.OpenOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var open []core.OpenOrder
	for _, o := range g.orders {
		if o.Filled || o.Cancelled || o.Kind == core.KindMarket {
			continue
		}
		open = append(open, core.OpenOrder{
			OrderID: o.OrderID,
			Price:   o.Price,
			Side:    o.Side,
		})
	}
	return open, nil
}

func (g *Gateway) Fills() <-chan core.Fill {
	return g.fills
}

// TriggerFill marks an order filled and emits the fill notification.
func (g *Gateway) TriggerFill(orderID string, price decimal.Decimal) error {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return apperrors.ErrOrderNotFound
	}
	if o.Filled || o.Cancelled {
		g.mu.Unlock()
		return apperrors.ErrAlreadyFilled
	}
	o.Filled = true
	size := o.Size
	g.mu.Unlock()

	g.fills <- core.Fill{OrderID: orderID, Price: price, Size: size}
	return nil
}

// EmitFill pushes an arbitrary fill notification without touching the
// book. Used to simulate duplicates and unknown order ids.
func (g *Gateway) EmitFill(f core.Fill) {
	g.fills <- f
}

// FailNextPlace makes the next PlaceOrder call return err.
func (g *Gateway) FailNextPlace(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNextPlace = err
}

// FailNextCancel makes the next CancelOrder call return err.
func (g *Gateway) FailNextCancel(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNextCancel = err
}

// Order returns a copy of the order with the given id.
func (g *Gateway) Order(orderID string) (Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// OrderByPrice finds the first live order at the given trigger price.
func (g *Gateway) OrderByPrice(price decimal.Decimal, side core.Side) (Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range g.orders {
		if o.Filled || o.Cancelled || o.Kind == core.KindMarket {
			continue
		}
		if o.Side == side && o.Price.Equal(price) {
			return *o, true
		}
	}
	return Order{}, false
}

// PlaceCount returns how many placements the gateway has seen.
func (g *Gateway) PlaceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placeCount
}

// CancelCount returns how many cancellations the gateway has seen.
func (g *Gateway) CancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelCount
}

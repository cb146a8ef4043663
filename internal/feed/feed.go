// Package feed delivers market prices to the engine.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flyingwolf1701/hypertrader/internal/core"
	"github.com/flyingwolf1701/hypertrader/pkg/websocket"
)

// tradeMessage is the subset of the exchange trade stream the feed uses.
type tradeMessage struct {
	Channel string `json:"channel"`
	Data    []struct {
		Coin  string `json:"coin"`
		Price string `json:"px"`
		Time  int64  `json:"time"`
	} `json:"data"`
}

// WSFeed streams trade prices over a reconnecting websocket. Ticks older
// than the staleness bound are dropped, which matters most right after a
// reconnect when the socket replays a burst of buffered trades.
type WSFeed struct {
	symbol    string
	url       string
	staleness time.Duration

	client *websocket.Client
	ticks  chan core.PriceTick

	logger core.ILogger

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// WSFeedConfig configures the websocket price feed.
type WSFeedConfig struct {
	Symbol        string
	URL           string
	Staleness     time.Duration
	ReconnectWait time.Duration
	PingInterval  time.Duration
	PongWait      time.Duration
	BufferSize    int
}

// NewWSFeed creates a websocket price feed.
func NewWSFeed(cfg WSFeedConfig, logger core.ILogger) *WSFeed {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	f := &WSFeed{
		symbol:    cfg.Symbol,
		url:       cfg.URL,
		staleness: cfg.Staleness,
		ticks:     make(chan core.PriceTick, cfg.BufferSize),
		logger:    logger.WithField("component", "price_feed"),
	}

	f.client = websocket.NewClient(cfg.URL, websocket.Options{
		ReconnectWait: cfg.ReconnectWait,
		PingInterval:  cfg.PingInterval,
		PongWait:      cfg.PongWait,
	}, f.handleMessage, logger)
	f.client.SetOnConnected(func() {
		if err := f.client.Send(map[string]interface{}{
			"method": "subscribe",
			"subscription": map[string]string{
				"type": "trades",
				"coin": cfg.Symbol,
			},
		}); err != nil {
			f.logger.Error("Failed to subscribe to trade stream", "symbol", cfg.Symbol, "error", err.Error())
		}
	})

	return f
}

// Start connects the socket and begins streaming.
func (f *WSFeed) Start(ctx context.Context) error {
	if f.url == "" {
		return fmt.Errorf("price feed URL is empty")
	}
	f.startOnce.Do(func() {
		f.ctx, f.cancel = context.WithCancel(ctx)
		f.client.Start()
		f.logger.Info("Price feed started", "symbol", f.symbol, "url", f.url)
	})
	return nil
}

// Stop closes the socket. The tick channel is closed only once the client's
// reader has actually exited; closing it under a live reader would panic the
// handler's channel send.
func (f *WSFeed) Stop() error {
	f.stopOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		if f.client.Stop() {
			close(f.ticks)
		} else {
			f.logger.Warn("Feed reader still running, leaving tick channel open", "symbol", f.symbol)
		}
		f.logger.Info("Price feed stopped", "symbol", f.symbol)
	})
	return nil
}

// Ticks returns the price stream.
func (f *WSFeed) Ticks() <-chan core.PriceTick {
	return f.ticks
}

func (f *WSFeed) handleMessage(message []byte) {
	if f.ctx != nil && f.ctx.Err() != nil {
		return
	}
	var msg tradeMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		f.logger.Debug("Unparseable feed message", "error", err.Error())
		return
	}
	if msg.Channel != "trades" {
		return
	}

	for _, trade := range msg.Data {
		if trade.Coin != f.symbol {
			continue
		}
		price, err := decimal.NewFromString(trade.Price)
		if err != nil {
			f.logger.Warn("Unparseable trade price", "price", trade.Price)
			continue
		}
		ts := time.UnixMilli(trade.Time)
		if f.staleness > 0 && time.Since(ts) > f.staleness {
			f.logger.Debug("Dropping stale tick", "price", price.String(), "age", time.Since(ts).String())
			continue
		}

		tick := core.PriceTick{Price: price, Timestamp: ts}
		select {
		case f.ticks <- tick:
		default:
			// Slow consumer; latest price wins, older ones are disposable.
			select {
			case <-f.ticks:
			default:
			}
			select {
			case f.ticks <- tick:
			default:
			}
		}
	}
}

// ChannelFeed adapts a plain channel to the feed interface. Used by tests
// and the mock gateway.
type ChannelFeed struct {
	ticks chan core.PriceTick
	once  sync.Once
}

func NewChannelFeed(buffer int) *ChannelFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelFeed{ticks: make(chan core.PriceTick, buffer)}
}

func (f *ChannelFeed) Start(_ context.Context) error { return nil }

func (f *ChannelFeed) Stop() error {
	f.once.Do(func() { close(f.ticks) })
	return nil
}

func (f *ChannelFeed) Ticks() <-chan core.PriceTick { return f.ticks }

// Push injects a tick. Blocks if the buffer is full.
func (f *ChannelFeed) Push(price decimal.Decimal) {
	f.ticks <- core.PriceTick{Price: price, Timestamp: time.Now().UTC()}
}

// Package websocket wraps gorilla/websocket with reconnection,
// heartbeating, and message dispatch.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingwolf1701/hypertrader/internal/core"
	"github.com/flyingwolf1701/hypertrader/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler receives each raw frame read off the socket.
type MessageHandler func(message []byte)

// Options tune the connection lifecycle. Zero values fall back to
// defaults suitable for exchange streams.
type Options struct {
	// ReconnectWait is the initial delay before a reconnect attempt.
	// Repeated failures back off up to four times this value.
	ReconnectWait time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	PongWait      time.Duration
}

func (o *Options) withDefaults() {
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
}

// Client maintains a single websocket connection, redialing whenever
// the read side fails. An optional onConnected hook runs after every
// successful dial, which is where subscriptions belong.
type Client struct {
	url     string
	opts    Options
	handler MessageHandler
	logger  core.ILogger

	mu          sync.Mutex
	conn        *websocket.Conn
	onConnected func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer     trace.Tracer
	msgCount   metric.Int64Counter
	dialCount  metric.Int64Counter
	handleTime metric.Float64Histogram
}

// NewClient builds a client; no connection is made until Start.
func NewClient(url string, opts Options, handler MessageHandler, logger core.ILogger) *Client {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("ws-client")
	msgCount, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Websocket messages received"))
	dialCount, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Websocket dial attempts"))
	handleTime, _ := meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Time spent in the message handler"))

	return &Client{
		url:        url,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		tracer:     telemetry.GetTracer("ws-client"),
		msgCount:   msgCount,
		dialCount:  dialCount,
		handleTime: handleTime,
	}
}

// SetOnConnected registers the post-dial hook. Must be called before Start.
func (c *Client) SetOnConnected(hook func()) {
	c.mu.Lock()
	c.onConnected = hook
	c.mu.Unlock()
}

// Send writes a JSON message on the current connection.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Start launches the connection maintenance loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.maintain()
}

// Stop closes the connection first so a blocked ReadMessage unblocks, then
// waits for the loops to exit. Reports whether they exited before the
// deadline; a false return means a reader goroutine may still be running.
func (c *Client) Stop() bool {
	c.cancel()
	c.dropConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("Websocket loops did not exit before the stop deadline")
		}
		return false
	}
}

// maintain dials, consumes until the connection dies, and redials with
// capped backoff. It is the only goroutine that replaces c.conn.
func (c *Client) maintain() {
	defer c.wg.Done()

	wait := c.opts.ReconnectWait
	maxWait := 4 * c.opts.ReconnectWait

	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := c.dial(); err != nil {
			if c.logger != nil {
				c.logger.Error("Websocket dial failed", "url", c.url, "error", err.Error())
			}
			if !c.sleep(wait) {
				return
			}
			if wait *= 2; wait > maxWait {
				wait = maxWait
			}
			continue
		}
		wait = c.opts.ReconnectWait

		c.mu.Lock()
		hook := c.onConnected
		c.mu.Unlock()
		if hook != nil {
			hook()
		}

		pingCtx, stopPing := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go c.pinger(pingCtx)

		c.consume()
		stopPing()

		if !c.sleep(c.opts.ReconnectWait) {
			return
		}
	}
}

// sleep waits d, returning false if the client was stopped meanwhile.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) pinger(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			deadline := time.Now().Add(c.opts.PingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// A failed ping means the connection is gone; drop it so
				// the read loop unblocks and maintain redials.
				c.dropConn()
				return
			}
		}
	}
}

func (c *Client) dial() error {
	ctx, span := c.tracer.Start(c.ctx, "ws.dial",
		trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()

	c.dialCount.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// consume reads frames until the connection errors out.
func (c *Client) consume() {
	defer c.dropConn()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil || c.ctx.Err() != nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		c.msgCount.Add(c.ctx, 1)
		if c.handler != nil {
			start := time.Now()
			c.handler(message)
			c.handleTime.Record(c.ctx, time.Since(start).Seconds())
		}
	}
}

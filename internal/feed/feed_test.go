package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingwolf1701/hypertrader/pkg/logging"
)

// tradeServer accepts one subscription, emits a single trade for the symbol
// and then reads until the peer disconnects.
func tradeServer(t *testing.T, symbol string) string {
	t.Helper()
	upgrader := gws.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		frame := fmt.Sprintf(`{"channel":"trades","data":[{"coin":%q,"px":"100.5","time":%d}]}`,
			symbol, time.Now().UnixMilli())
		if err := conn.WriteMessage(gws.TextMessage, []byte(frame)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSFeed_StreamsAndStopClosesTicks(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	f := NewWSFeed(WSFeedConfig{
		Symbol:        "SOL",
		URL:           tradeServer(t, "SOL"),
		ReconnectWait: 50 * time.Millisecond,
	}, logger)
	require.NoError(t, f.Start(context.Background()))

	select {
	case tick := <-f.Ticks():
		assert.True(t, tick.Price.Equal(decimal.RequireFromString("100.5")), "got %s", tick.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}

	require.NoError(t, f.Stop())

	// The channel closes only once the socket reader has exited, so
	// consumers drain whatever is buffered and then terminate.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-f.Ticks():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("tick channel not closed after Stop")
		}
	}
}

func TestChannelFeed_StopIsIdempotent(t *testing.T) {
	f := NewChannelFeed(4)
	require.NoError(t, f.Start(context.Background()))
	f.Push(decimal.NewFromInt(100))

	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())

	tick, ok := <-f.Ticks()
	assert.True(t, ok)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(100)))
	_, ok = <-f.Ticks()
	assert.False(t, ok)
}

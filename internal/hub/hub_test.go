package hub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/predictmkt/tradefeed/internal/model"
)

func dialHub(t *testing.T, h *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f serverFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func subscribe(t *testing.T, conn *websocket.Conn, exchange model.Exchange, marketID string) {
	t.Helper()
	req, err := json.Marshal(subscribeFrame{Action: "subscribe", Exchange: string(exchange), MarketID: marketID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, req))
}

func TestHub_FanOut(t *testing.T) {
	h := New(zerolog.Nop())

	a, closeA := dialHub(t, h)
	defer closeA()
	b, closeB := dialHub(t, h)
	defer closeB()
	c, closeC := dialHub(t, h)
	defer closeC()

	require.Equal(t, "connected", readFrame(t, a).Type)
	require.Equal(t, "connected", readFrame(t, b).Type)
	require.Equal(t, "connected", readFrame(t, c).Type)

	subscribe(t, a, model.Kalshi, "X")
	require.Equal(t, "subscribed", readFrame(t, a).Type)
	subscribe(t, b, model.Kalshi, "X")
	require.Equal(t, "subscribed", readFrame(t, b).Type)
	subscribe(t, b, model.Polymarket, "Y")
	require.Equal(t, "subscribed", readFrame(t, b).Type)
	subscribe(t, c, model.Polymarket, "Y")
	require.Equal(t, "subscribed", readFrame(t, c).Type)

	time.Sleep(50 * time.Millisecond) // let subscribe frames land in the index

	h.Publish(model.Trade{Exchange: model.Kalshi, MarketID: "X", Price: decimal.NewFromFloat(0.5), Qty: decimal.NewFromInt(1)})

	fa := readFrame(t, a)
	require.Equal(t, "trade", fa.Type)
	fb := readFrame(t, b)
	require.Equal(t, "trade", fb.Type)

	c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := c.ReadMessage()
	require.Error(t, err, "C must not receive a trade on (kalshi, X)")
}

func TestHub_SlowSubscriberDropsWithoutAffectingOthers(t *testing.T) {
	h := New(zerolog.Nop())

	slow, closeSlow := dialHub(t, h)
	defer closeSlow()
	fast, closeFast := dialHub(t, h)
	defer closeFast()

	readFrame(t, slow)
	readFrame(t, fast)

	subscribe(t, slow, model.Kalshi, "Z")
	readFrame(t, slow)
	subscribe(t, fast, model.Kalshi, "Z")
	readFrame(t, fast)

	time.Sleep(50 * time.Millisecond)

	// Stop reading from slow; fast keeps draining in the background.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			fast.SetReadDeadline(time.Now().Add(time.Second))
			if _, _, err := fast.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 300; i++ {
		h.Publish(model.Trade{Exchange: model.Kalshi, MarketID: "Z", Price: decimal.NewFromInt(1), Qty: decimal.NewFromInt(1)})
	}

	<-done
}

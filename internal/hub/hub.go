// Package hub is the WebSocket fan-out layer of spec §4.6: each connection
// holds its own subscription set, the hub maintains an O(1) index from
// (exchange, marketId) to subscribed connections, and delivery never blocks
// on a slow client.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/stream"
)

// outboundQueueSize bounds each connection's pending-frame buffer.
const outboundQueueSize = 128

// dropWindow and dropThresholdFrac implement spec §4.6's "closed with a
// server-error frame" rule: a connection is closed once more than half of
// its trailing 100-frame window has been dropped.
const dropWindow = 100
const dropThresholdFrac = 0.5

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type subscribeFrame struct {
	Action   string `json:"action"`
	Exchange string `json:"exchange"`
	MarketID string `json:"marketId"`
}

type serverFrame struct {
	Type     string      `json:"type"`
	Message  string      `json:"message,omitempty"`
	Exchange string      `json:"exchange,omitempty"`
	MarketID string      `json:"marketId,omitempty"`
	Data     model.Trade `json:"data,omitempty"`
}

type marketKey struct {
	exchange model.Exchange
	marketID string
}

// connState is a connection's lifecycle state. Only connected, closing and
// closed are tracked; subscribe and unsubscribe requests leave it unchanged.
type connState int

const (
	stateConnected connState = iota
	stateClosing
	stateClosed
)

// Connection is one client's WebSocket session.
type Connection struct {
	id   int64
	ws   *websocket.Conn
	hub  *Hub
	out  chan serverFrame
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[marketKey]struct{}

	framesMu      sync.Mutex
	frameOutcomes [dropWindow]bool // true = delivered, false = dropped
	frameCount    int

	// writeMu serializes data-frame writes to ws: gorilla/websocket
	// forbids concurrent WriteMessage/WriteJSON calls, and both writePump
	// and forceClose write directly to the socket.
	writeMu sync.Mutex

	state connState
}

// Hub dispatches trades to subscribed connections. The subscription index
// is guarded by one RWMutex, matching spec §5's "single mutex, O(1) critical
// sections" constraint.
type Hub struct {
	mu    sync.RWMutex
	index map[marketKey]map[*Connection]struct{}
	conns map[int64]*Connection
	nextID int64

	log zerolog.Logger
}

// New builds an empty Hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		index: make(map[marketKey]map[*Connection]struct{}),
		conns: make(map[int64]*Connection),
		log:   log,
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// read/write pumps until it closes. Grounded in the teacher's Kraken
// WebSocket client's paired-goroutine shape
// (internal/providers/kraken/websocket.go: messageLoop + pingLoop), here
// split into a read pump and a write pump per connection instead of one
// client talking to one upstream socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	conn := &Connection{
		id:   id,
		ws:   ws,
		hub:  h,
		out:  make(chan serverFrame, outboundQueueSize),
		log:  h.log,
		subs: make(map[marketKey]struct{}),
	}
	h.conns[id] = conn
	h.mu.Unlock()

	conn.out <- serverFrame{Type: "connected", Message: "ok"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); conn.writePump() }()
	go func() { defer wg.Done(); conn.readPump() }()
	wg.Wait()

	h.removeConnection(conn)
}

// Publish routes t to every connection subscribed to (t.Exchange,
// t.MarketID). Lookup is O(subscribers-for-that-market) as spec §4.6
// requires.
func (h *Hub) Publish(t model.Trade) {
	key := marketKey{exchange: t.Exchange, marketID: t.MarketID}

	h.mu.RLock()
	subs := h.index[key]
	targets := make([]*Connection, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	frame := serverFrame{Type: "trade", Data: t}
	for _, c := range targets {
		c.enqueue(frame)
	}
}

// Run subscribes to bus and forwards every trade to Publish until stop is
// closed.
func (h *Hub) Run(stop <-chan struct{}, bus *stream.TradeBus) {
	ch, sub := bus.Subscribe("ws-hub")
	defer sub.Close()
	for {
		select {
		case <-stop:
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			h.Publish(t)
		}
	}
}

func (h *Hub) subscribe(c *Connection, key marketKey) {
	h.mu.Lock()
	set, ok := h.index[key]
	if !ok {
		set = make(map[*Connection]struct{})
		h.index[key] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.subs[key] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *Connection, key marketKey) {
	h.mu.Lock()
	if set, ok := h.index[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.index, key)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
}

func (h *Hub) removeConnection(c *Connection) {
	c.mu.Lock()
	keys := make([]marketKey, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		h.unsubscribe(c, k)
	}

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	_ = c.ws.Close()
}

// ConnectionCount reports the number of live connections (for /stats).
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every live connection with a normal-closure frame, per
// spec §5's shutdown order: "WebSocket hub closes all connections with a
// normal-closure frame" before the storage gateway's pool closes.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"),
			time.Now().Add(time.Second),
		)
		_ = c.ws.Close()
	}
}

func (c *Connection) readPump() {
	defer close(c.out)
	c.ws.SetReadLimit(8192)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var f subscribeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(serverFrame{Type: "error", Message: "malformed frame"})
			continue
		}

		key := marketKey{exchange: model.Exchange(f.Exchange), marketID: f.MarketID}
		switch f.Action {
		case "subscribe":
			c.hub.subscribe(c, key)
			c.enqueue(serverFrame{Type: "subscribed", Exchange: f.Exchange, MarketID: f.MarketID})
		case "unsubscribe":
			c.hub.unsubscribe(c, key)
			c.enqueue(serverFrame{Type: "unsubscribed", Exchange: f.Exchange, MarketID: f.MarketID})
		default:
			c.enqueue(serverFrame{Type: "error", Message: "unknown action"})
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				c.writeMu.Lock()
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				c.writeMu.Unlock()
				return
			}
			c.writeMu.Lock()
			err := c.ws.WriteJSON(frame)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// enqueue delivers frame without blocking: a full queue drops its oldest
// pending frame. If the connection's drop rate over its trailing window
// exceeds dropThresholdFrac, the connection is closed with an error frame
// (spec §4.6). Once the connection is closing, frames are discarded.
func (c *Connection) enqueue(frame serverFrame) {
	c.mu.Lock()
	closing := c.state != stateConnected
	c.mu.Unlock()
	if closing {
		return
	}

	delivered := true
	select {
	case c.out <- frame:
	default:
		select {
		case <-c.out:
			delivered = false
		default:
		}
		select {
		case c.out <- frame:
		default:
			delivered = false
		}
	}

	if c.recordOutcome(delivered) {
		c.forceClose()
	}
}

// recordOutcome updates the trailing drop-rate window and reports whether
// the connection has crossed the drop threshold.
func (c *Connection) recordOutcome(delivered bool) bool {
	c.framesMu.Lock()
	defer c.framesMu.Unlock()

	idx := c.frameCount % dropWindow
	c.frameOutcomes[idx] = delivered
	c.frameCount++

	if c.frameCount < dropWindow {
		return false
	}

	dropped := 0
	for _, ok := range c.frameOutcomes {
		if !ok {
			dropped++
		}
	}
	return float64(dropped)/float64(dropWindow) > dropThresholdFrac
}

// forceClose implements spec §4.6's "closed with a server-error frame"
// rule: it writes the application-level {type:"error"} frame directly to
// the socket (c.out is itself the channel overflowing during a drop storm,
// so it cannot be trusted to deliver this one) before the WS close control
// frame with code 1011.
func (c *Connection) forceClose() {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return
	}
	c.state = stateClosing
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteJSON(serverFrame{Type: "error", Message: "excessive drop rate"})
	c.writeMu.Unlock()

	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "excessive drop rate"),
		time.Now().Add(time.Second),
	)
	_ = c.ws.Close()

	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

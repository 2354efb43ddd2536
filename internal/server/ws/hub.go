// Package ws streams ledger events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// maxBackfill caps how many stream entries a reconnecting client replays.
	maxBackfill = 200
)

var errInvalidOwner = errors.New("ws: invalid owner address")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// filter selects which events a client receives. Zero values match all.
type filter struct {
	owner common.Address
	types map[domain.LedgerEventType]bool
}

func (f filter) match(evt eventHeader) bool {
	if f.owner != (common.Address{}) && evt.Owner != f.owner {
		return false
	}
	if len(f.types) > 0 && !f.types[evt.Type] {
		return false
	}
	return true
}

// eventHeader is the subset of a LedgerEvent used for routing.
type eventHeader struct {
	Type  domain.LedgerEventType `json:"type"`
	Owner common.Address         `json:"owner"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	filter filter
}

// filterMsg replaces a client's filter. An empty owner clears it.
type filterMsg struct {
	Action string   `json:"action"`
	Owner  string   `json:"owner"`
	Types  []string `json:"types"`
}

type broadcastMsg struct {
	header eventHeader
	data   []byte
}

// Hub bridges the stakes channel of the signal bus to connected clients.
// Clients may filter by owner and event type and replay missed events from
// the ledger stream with ?since=<stream id>.
type Hub struct {
	bus        domain.SignalBus
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	startedAt  time.Time
	logger     *slog.Logger
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run subscribes to the stakes channel and routes events until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	events, err := h.bus.Subscribe(ctx, domain.ChannelStakes)
	if err != nil {
		return err
	}
	go h.forward(ctx, events)
	h.logger.Info("ws: hub started", slog.String("channel", domain.ChannelStakes))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.header) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) forward(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				return
			}
			var hdr eventHeader
			if err := json.Unmarshal(data, &hdr); err != nil {
				h.logger.Warn("ws: undecodable event", slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{header: hdr, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws?owner=0x..&types=staked,unstaked&since=<stream id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query().Get("owner"), splitList(r.URL.Query().Get("types")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		filter: f,
	}

	var replay [][]byte
	if since := r.URL.Query().Get("since"); since != "" {
		replay = c.backfill(r.Context(), since)
	}
	c.sendStatus(len(replay))
	for _, b := range replay {
		c.send <- b
	}

	h.register <- c
	go c.writePump()
	go c.readPump()
}

// backfill returns stream entries newer than since that match the client's
// filter, leaving room in the send buffer for the status frame.
func (c *client) backfill(ctx context.Context, since string) [][]byte {
	msgs, err := c.hub.bus.StreamRead(ctx, domain.StreamLedger, since, maxBackfill)
	if err != nil {
		c.hub.logger.Warn("ws: backfill failed",
			slog.String("since", since),
			slog.String("error", err.Error()),
		)
		return nil
	}
	var out [][]byte
	for _, m := range msgs {
		var hdr eventHeader
		if json.Unmarshal(m.Payload, &hdr) != nil || !c.wants(hdr) {
			continue
		}
		out = append(out, m.Payload)
	}
	return out
}

func (c *client) sendStatus(replayed int) {
	msg, err := json.Marshal(map[string]any{
		"type": "connected",
		"payload": map[string]any{
			"uptime_seconds": max(0, int64(time.Since(c.hub.startedAt).Seconds())),
			"replayed":       replayed,
		},
	})
	if err != nil {
		return
	}
	c.send <- msg
}

func (c *client) wants(hdr eventHeader) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.match(hdr)
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var msg filterMsg
		if json.Unmarshal(message, &msg) != nil || msg.Action != "filter" {
			continue
		}
		f, err := parseFilter(msg.Owner, msg.Types)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.filter = f
		c.mu.Unlock()
	}
}

// writePump sends queued events as text frames and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseFilter(owner string, types []string) (filter, error) {
	var f filter
	if owner = strings.TrimSpace(owner); owner != "" {
		if !common.IsHexAddress(owner) {
			return f, errInvalidOwner
		}
		f.owner = common.HexToAddress(owner)
	}
	for _, t := range types {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if f.types == nil {
			f.types = make(map[domain.LedgerEventType]bool)
		}
		f.types[domain.LedgerEventType(t)] = true
	}
	return f, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

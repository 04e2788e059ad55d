package server

import (
	"PerpRisk/internal/event"
	"PerpRisk/internal/observability"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

type wsClient struct {
	conn   *websocket.Conn
	market uint64 // 0 = every market
	send   chan []byte
}

type wsFrame struct {
	market uint64
	data   []byte
}

// WSHub streams engine events to websocket clients. Clients may filter by
// market with ?market_id=N. A client that falls behind is disconnected.
type WSHub struct {
	clients   map[*wsClient]struct{}
	broadcast chan wsFrame
	mu        sync.RWMutex
	stopped   bool // set when Run returns; guarded by mu
	upgrader  websocket.Upgrader
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewWSHub(metrics *observability.Metrics, logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients:   make(map[*wsClient]struct{}),
		broadcast: make(chan wsFrame, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		metrics: metrics,
		logger:  logger,
	}
}

// Run fans broadcasts out to clients until ctx is done, then disconnects
// everyone. Upgrades after that are refused.
func (h *WSHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return nil

		case frame := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.market != 0 && c.market != frame.market {
					continue
				}
				select {
				case c.send <- frame.data:
				default:
					h.dropLocked(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues env for broadcast. Never blocks; drops when the hub is
// saturated.
func (h *WSHub) Publish(env *event.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("ws marshal failed")
		return
	}
	select {
	case h.broadcast <- wsFrame{market: env.MarketID, data: data}:
	default:
		if h.metrics != nil {
			h.metrics.PublishDrops.Inc()
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades GET /ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var market uint64
	if raw := r.URL.Query().Get("market_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid market_id", http.StatusBadRequest)
			return
		}
		market = id
	}

	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		http.Error(w, "event stream stopped", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &wsClient{conn: conn, market: market, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	if h.stopped {
		// Run stopped while upgrading.
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream stopped"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.setGauge(total)
	h.logger.Info().Int("total", total).Uint64("market_id", market).Msg("ws client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// readPump detects disconnects; clients never send anything meaningful.
func (h *WSHub) readPump(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

// dropLocked closes c's send channel once; writePump then closes the conn.
func (h *WSHub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.setGauge(len(h.clients))
}

func (h *WSHub) setGauge(n int) {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}

package events

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/corvid-labs/harvest/core"
)

// writeWait/pongWait/pingPeriod mirror the teacher's websocket keep-alive
// pattern (ui/transports/websocket/websocket.go): a shorter ping period
// than the read deadline so a dead connection is caught before it expires.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Handler serves the Event Stream's HTTP surface: historical catch-up
// via GET, and a live feed via WebSocket upgrade, backed by the same
// Store/Hub pair the Run Executor writes through.
type Handler struct {
	store    Store
	hub      *Hub
	upgrader websocket.Upgrader
	logger   core.Logger
}

// NewHandler builds an events.Handler. allowedOrigins empty means allow
// any origin (matching the teacher's CORS.Enabled=false fallback).
func NewHandler(store Store, hub *Hub, allowedOrigins []string, logger core.Logger) *Handler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Handler{
		store: store,
		hub:   hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				_, ok := origins[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// Routes mounts the Event Stream's endpoints onto r, to be nested under
// something like /runs/{runID}/events in cmd/harvestd's router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.listSince)
	r.Get("/stream", h.stream)
}

// listSince handles GET /runs/{runID}/events?after=<seq>&limit=<n>.
func (h *Handler) listSince(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.store.ListSince(r.Context(), runID, afterSeq, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

// stream upgrades to a WebSocket and forwards live events for runID,
// first replaying anything since the client's last-seen sequence
// (query param "after") so a reconnect never misses an event.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("events websocket upgrade failed", map[string]interface{}{"run_id": runID, "error": err.Error()})
		return
	}

	// Subscribe before reading the backlog so nothing committed in
	// between is lost; live events already in the backlog are skipped.
	live, rawUnsubscribe := h.hub.Subscribe(runID)
	var once sync.Once
	unsubscribe := func() { once.Do(rawUnsubscribe) }

	backlog, err := h.store.ListSince(r.Context(), runID, afterSeq, 0)
	if err != nil {
		unsubscribe()
		_ = conn.Close()
		return
	}

	client := &streamClient{conn: conn, send: make(chan core.RunEvent, subscriberBuffer)}

	go client.writePump()
	go client.readPump(unsubscribe)

	lastSeq := afterSeq
	for _, e := range backlog {
		client.send <- e
		lastSeq = e.Seq
	}
	go func() {
		defer unsubscribe()
		defer close(client.send)
		for e := range live {
			if e.Seq <= lastSeq {
				continue
			}
			select {
			case client.send <- e:
			default:
			}
		}
	}()
}

// streamClient owns one live WebSocket connection's read/write pumps,
// grounded in the teacher's wsClient split (one goroutine writes, one
// goroutine only drains reads to detect client-initiated close/pong).
type streamClient struct {
	conn *websocket.Conn
	send chan core.RunEvent
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) readPump(unsubscribe func()) {
	defer unsubscribe()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// The feed is server->client only; any client frame (including
		// the close handshake) just needs draining to trigger cleanup.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

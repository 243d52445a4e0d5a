package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/pkg/types"
)

// DefaultOrigins are the origins accepted when none are configured.
var DefaultOrigins = []string{"localhost:6363", "127.0.0.1:6363"}

const (
	streamQueueSize = 256
	streamWriteWait = 10 * time.Second
)

// EventFilter selects the engine events a stream client receives. The zero
// filter passes every event.
type EventFilter struct {
	Types    map[engine.EventType]bool
	Category types.Category
}

// ParseEventFilter reads a stream request's query. types is a comma
// separated list of event names; category restricts the stream to events
// about one category.
func ParseEventFilter(q url.Values) (EventFilter, error) {
	var f EventFilter
	if raw := q.Get("types"); raw != "" {
		f.Types = make(map[engine.EventType]bool)
		for _, name := range strings.Split(raw, ",") {
			t := engine.EventType(strings.TrimSpace(name))
			if t == "" {
				continue
			}
			if !t.Valid() {
				return EventFilter{}, fmt.Errorf("unknown event type %q", t)
			}
			f.Types[t] = true
		}
	}
	if raw := q.Get("category"); raw != "" {
		f.Category = types.Category(raw)
		if !types.IsValidCategory(f.Category) {
			return EventFilter{}, fmt.Errorf("unknown category %q", raw)
		}
	}
	return f, nil
}

// Matches reports whether ev passes the filter. Events without a category,
// such as cache invalidations, never match a category filter.
func (f EventFilter) Matches(ev engine.Event) bool {
	if len(f.Types) > 0 && !f.Types[ev.Type] {
		return false
	}
	return f.Category == "" || ev.Category == f.Category
}

// WebSocketHub streams engine events to connected clients, each receiving
// only the events its filter selects.
type WebSocketHub struct {
	origins    []string
	clients    map[streamClient]EventFilter
	events     chan engine.Event
	register   chan subscription
	unregister chan streamClient
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// streamClient is a connection's outbound queue.
type streamClient interface {
	queue() chan []byte
	close()
}

type subscription struct {
	client streamClient
	filter EventFilter
}

// Client is one WebSocket connection.
type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
}

func (c *Client) queue() chan []byte { return c.send }

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

var _ engine.Publisher = (*WebSocketHub)(nil)

// NewWebSocketHub creates a new WebSocket hub. origins are host:port
// patterns a browser client may connect from; DefaultOrigins applies when
// none are given.
func NewWebSocketHub(origins ...string) *WebSocketHub {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		origins:    origins,
		clients:    make(map[streamClient]EventFilter),
		events:     make(chan engine.Event, streamQueueSize),
		register:   make(chan subscription),
		unregister: make(chan streamClient),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registrations and delivers published events until Stop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.client] = sub.filter
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Event stream client connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.queue())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Event stream client disconnected (total: %d)", count)

		case ev := <-h.events:
			h.deliver(ev)

		case <-h.ctx.Done():
			log.Println("Event stream hub stopping...")
			return
		}
	}
}

// deliver sends ev to every client whose filter selects it. A client whose
// queue is full is dropped rather than stalling the others.
func (h *WebSocketHub) deliver(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var data []byte
	for client, filter := range h.clients {
		if !filter.Matches(ev) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				log.Printf("ERROR: Failed to marshal %s event: %v", ev.Type, err)
				return
			}
		}
		select {
		case client.queue() <- data:
		default:
			log.Printf("WARNING: event stream client too slow, disconnecting")
			close(client.queue())
			delete(h.clients, client)
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *WebSocketHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.queue())
		client.close()
	}
	h.clients = make(map[streamClient]EventFilter)
	h.mu.Unlock()
}

// Publish implements engine.Publisher. It never blocks; events are dropped
// when the hub is backed up.
func (h *WebSocketHub) Publish(ev engine.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case h.events <- ev:
	default:
		log.Printf("WARNING: event stream backlog full, dropping %s event", ev.Type)
	}
}

// Register subscribes a client with filter.
func (h *WebSocketHub) Register(client streamClient, filter EventFilter) {
	select {
	case h.register <- subscription{client: client, filter: filter}:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(client streamClient) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHub) originAllowed(origin string) bool {
	for _, o := range h.origins {
		if origin == "http://"+o || origin == "https://"+o {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades /ws requests. The query selects the events streamed:
// /ws?types=memory_merged,category_evolved&category=security.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && !h.originAllowed(origin) {
		http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
		return
	}

	filter, err := ParseEventFilter(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event filter", err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.origins,
	})
	if err != nil {
		log.Printf("ERROR: WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, streamQueueSize)}
	h.Register(client, filter)

	go client.writePump()
	go client.readPump()
}

// writePump forwards queued events to the connection.
func (c *Client) writePump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), streamWriteWait)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()
		if err != nil {
			log.Printf("ERROR: WebSocket write failed: %v", err)
			return
		}
	}
}

// readPump discards inbound frames; the stream is one way and reading only
// detects the disconnect.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}

// MockClient is an in-memory stream client for tests.
type MockClient struct {
	SendChan chan []byte
}

func (m *MockClient) queue() chan []byte { return m.SendChan }

func (m *MockClient) close() {}

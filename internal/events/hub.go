package events

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	clientSendSlot = 32
)

// Hub relays bus events to websocket observers. Delivery is best-effort:
// a slow observer has events dropped, a failed write closes that observer,
// and neither surfaces to the publisher.
type Hub struct {
	bus    *Bus
	logger *log.Logger

	mu      sync.Mutex
	clients map[*hubClient]bool

	server *http.Server
	unsub  func()

	upgrader websocket.Upgrader
}

type hubClient struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub creates a hub bound to the bus. Serve starts the HTTP listener.
func NewHub(bus *Bus, logger *log.Logger) *Hub {
	return &Hub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*hubClient]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observers are local extension UIs; origin is not enforced.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve listens on addr and relays every bus event to connected observers
// until Shutdown is called. Blocks.
func (h *Hub) Serve(addr string) error {
	h.unsub = h.bus.SubscribeAll(h.broadcast)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.handleEvents)
	h.server = &http.Server{Addr: addr, Handler: mux}

	err := h.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and disconnects all observers.
func (h *Hub) Shutdown(ctx context.Context) error {
	if h.unsub != nil {
		h.unsub()
	}

	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("hub: upgrade failed: %v", err)
		return
	}

	c := &hubClient{conn: conn, send: make(chan Event, clientSendSlot)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *hubClient) {
	defer func() { _ = c.conn.Close() }()
	for event := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(event); err != nil {
			h.drop(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// readLoop drains incoming frames so pings and close handshakes work;
// observers never send application data.
func (h *Hub) readLoop(c *hubClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			// Observer too slow; drop the event for it.
		}
	}
}

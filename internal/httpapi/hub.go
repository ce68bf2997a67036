package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/gonuimo/internal/nuimo"
)

const hubWriteTimeout = 100 * time.Millisecond

// Message is one controller event as streamed on /events.
type Message struct {
	Controller string          `json:"controller"`
	Kind       nuimo.EventKind `json:"kind"`
	Time       time.Time       `json:"time"`
	Data       map[string]any  `json:"data,omitempty"`
}

// Hub streams controller events to websocket clients. It implements
// nuimo.Observer; events are queued and written by Run so the event loop
// never waits on a slow client.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	queue    chan Message

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		queue:   make(chan Message, 256),
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleEvent implements nuimo.Observer.
func (h *Hub) HandleEvent(c nuimo.Controller, ev nuimo.Event) {
	msg := Message{Controller: c.ID(), Kind: ev.Kind(), Time: time.Now().UTC(), Data: eventData(ev)}
	select {
	case h.queue <- msg:
	default:
		h.logger.Warn("event queue full, dropping event", "controller", msg.Controller, "kind", msg.Kind)
	}
}

// Run broadcasts queued events until ctx is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case msg := <-h.queue:
			h.Broadcast(msg)
		}
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	h.logger.Debug("event client connected", "remote", r.RemoteAddr)

	// Clients only listen; reading detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Broadcast writes msg to every client and drops the ones that fail.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []*websocket.Conn
	)
	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			_ = c.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.WriteJSON(msg); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failed {
		h.remove(conn)
	}
}

func eventData(ev nuimo.Event) map[string]any {
	switch e := ev.(type) {
	case nuimo.ConnectionStateEvent:
		data := map[string]any{"from": e.From, "state": e.State}
		if e.Err != nil {
			data["error"] = e.Err.Error()
		}
		return data
	case nuimo.GestureEvent:
		data := map[string]any{"gesture": e.Gesture}
		if e.HasValue {
			data["value"] = e.Value
		}
		return data
	case nuimo.BatteryLevelEvent:
		return map[string]any{"level": e.Level}
	case nuimo.FirmwareVersionEvent:
		return map[string]any{"version": e.Version}
	case nuimo.HardwareVersionEvent:
		return map[string]any{"version": e.Version}
	case nuimo.ModelNumberEvent:
		return map[string]any{"model": e.Model}
	case nuimo.ReachabilityEvent:
		return map[string]any{"reachable": e.Reachable}
	default:
		return nil
	}
}

var _ nuimo.Observer = (*Hub)(nil)

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/schaermu/listsyncd/internal/diff"
	"github.com/schaermu/listsyncd/internal/item"
	"github.com/schaermu/listsyncd/internal/metrics"
	"github.com/schaermu/listsyncd/internal/reconcile"
	"github.com/schaermu/listsyncd/internal/surface"
)

// Stream message types.
const (
	MessageSnapshot = "snapshot"
	MessageScript   = "script"
	MessageState    = "state"
	MessageLabel    = "label"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	defaultSendBuffer = 64
)

// Message is one frame on the stream.
type Message struct {
	Type  string           `json:"type"`
	Items []item.Item      `json:"items,omitempty"`
	Ops   diff.Script      `json:"ops,omitempty"`
	State *reconcile.State `json:"state,omitempty"`
	ID    string           `json:"id,omitempty"`
	Label string           `json:"label,omitempty"`
}

type subscriber struct {
	id        string
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub is a presentation surface that streams the list to websocket
// subscribers. Each subscriber gets a snapshot first and then every edit
// script. A subscriber that cannot keep up is disconnected and resyncs with a
// fresh snapshot when it reconnects.
type Hub struct {
	*surface.Mirror

	mu          sync.Mutex // serializes scripts with subscriber registration
	subscribers map[string]*subscriber
	state       reconcile.State
	sendBuffer  int
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		Mirror:      surface.NewMirror(),
		subscribers: make(map[string]*subscriber),
		state:       reconcile.State{Phase: reconcile.PhaseFetching},
		sendBuffer:  defaultSendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// ApplyEditScript updates the mirror and forwards script to every subscriber.
func (h *Hub) ApplyEditScript(script diff.Script) {
	if len(script) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.Mirror.ApplyEditScript(script)
	h.broadcast(Message{Type: MessageScript, Ops: script})
}

// RenderState forwards sync state changes.
func (h *Hub) RenderState(state reconcile.State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = state
	h.broadcast(Message{Type: MessageState, State: &state})
}

// SetLabel forwards an install label change.
func (h *Hub) SetLabel(id, label string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.broadcast(Message{Type: MessageLabel, ID: id, Label: label})
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// broadcast must be called with h.mu held.
func (h *Hub) broadcast(msg Message) {
	if len(h.subscribers) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode stream message", "type", msg.Type, "error", err)
		return
	}

	for id, sub := range h.subscribers {
		select {
		case sub.send <- data:
		default:
			h.logger.Warn("disconnecting slow stream subscriber", "subscriber", id)
			h.removeLocked(id)
		}
	}
}

// subscribe registers a subscriber and queues its snapshot.
func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{
		id:   uuid.NewString(),
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.state
	data, err := json.Marshal(Message{Type: MessageSnapshot, Items: h.Items(), State: &state})
	if err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		sub.close()
		return sub
	}
	sub.send <- data

	h.subscribers[sub.id] = sub
	metrics.SetStreamSubscribers(len(h.subscribers))
	return sub
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.subscribers {
		h.removeLocked(id)
	}
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *Hub) removeLocked(id string) {
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	sub.close()
	metrics.SetStreamSubscribers(len(h.subscribers))
}

// ServeHTTP upgrades the request and streams until the client goes away or
// falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade stream connection", "error", err)
		return
	}

	sub := h.subscribe()
	h.logger.Info("stream subscriber connected", "subscriber", sub.id, "remote", r.RemoteAddr)

	go h.readPump(conn, sub)
	h.writePump(conn, sub)

	h.unsubscribe(sub.id)
	_ = conn.Close()
	h.logger.Info("stream subscriber disconnected", "subscriber", sub.id)
}

// readPump discards client frames and ends the subscription when the
// connection drops.
func (h *Hub) readPump(conn *websocket.Conn, sub *subscriber) {
	defer sub.close()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-sub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

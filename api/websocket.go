package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans trade executions out to connected websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]chan []byte),
		log:     log,
	}
}

// Broadcast queues a message for every client. Slow clients are
// dropped rather than allowed to stall the stream.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- msg:
		default:
			close(send)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	send := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = send
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", zap.Int("total", n))

	// Writer; exits when the send channel closes.
	go func() {
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
		conn.Close()
	}()

	// Reader; detects disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				if s, ok := h.clients[conn]; ok {
					close(s)
					delete(h.clients, conn)
				}
				h.mu.Unlock()
				return
			}
		}
	}()
}

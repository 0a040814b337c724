package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bitgpt/cascade-engine/internal/metrics"
	"github.com/bitgpt/cascade-engine/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS middleware
	},
}

// Hub maintains the set of connected dashboard clients and fans every
// committed activation outcome out to them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	log       zerolog.Logger
}

// NewHub builds an idle hub; call Run in its own goroutine.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		log:       log.With().Str("component", "stream").Logger(),
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// Write deadline keeps one blocked client from hanging the hub.
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Warn().Err(err).Msg("websocket write failed, dropping client")
				client.Close()
				delete(h.clients, client)
				metrics.StreamClients.Dec()
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the request and registers the client.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	metrics.StreamClients.Inc()

	h.log.Info().Int("clients", total).Msg("stream client connected")

	// Push-only stream; the read loop exists to notice disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			total := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			metrics.StreamClients.Dec()
			h.log.Info().Int("clients", total).Msg("stream client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Warn().Err(err).Msg("websocket read error")
				}
				break
			}
		}
	}()
}

// Broadcast sends raw JSON to every connected client.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn().Msg("broadcast channel full, dropping message")
	}
}

// BroadcastOutcome implements engine.Broadcaster: every committed join,
// upgrade, auto-activation and recycle lands on the dashboard stream.
func (h *Hub) BroadcastOutcome(o *models.EventOutcome) {
	payload, err := json.Marshal(gin.H{
		"type":    "activation",
		"outcome": o,
	})
	if err != nil {
		return
	}
	h.Broadcast(payload)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AngelP17/YieldOps/internal/clock"
	"github.com/AngelP17/YieldOps/internal/observability"
	"github.com/AngelP17/YieldOps/internal/randutil"
	"github.com/AngelP17/YieldOps/internal/resilience"
	"github.com/AngelP17/YieldOps/internal/streaming"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
)

// EventHub fans control-plane events out to WebSocket subscribers. A
// single broadcaster goroutine owns the client set; engines publish
// through the streaming.Publisher interface and never block on slow
// consumers.
type EventHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan streaming.Event

	rng    *randutil.RNG
	clock  clock.Clock
	logger zerolog.Logger

	mu sync.RWMutex
}

func NewEventHub(rng *randutil.RNG, clk clock.Clock) *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan streaming.Event, 256),
		rng:        rng,
		clock:      clk,
		logger:     log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run owns the client set until ctx is cancelled, then closes every
// connection.
func (h *EventHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn().Int("max", maxWSConnections).Msg("websocket connection rejected, hub full")
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			h.logger.Debug().Int("total", total).Msg("websocket client registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			h.logger.Debug().Int("total", total).Msg("websocket client unregistered")

		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

// Publish implements streaming.Publisher. Marshals once, stamps the
// event, and hands it to the broadcaster. When the queue is full the
// event is dropped rather than stalling an engine.
func (h *EventHub) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := streaming.Event{
		ID:        h.rng.UUID(),
		Topic:     topic,
		Payload:   data,
		Timestamp: h.clock.Now(),
		Source:    "yieldops",
	}
	observability.EventsPublished.WithLabelValues(topic).Inc()
	select {
	case h.events <- event:
	default:
		h.logger.Warn().Str("topic", topic).Msg("event queue full, dropping")
	}
	return nil
}

func (h *EventHub) Close() error { return nil }

func (h *EventHub) broadcast(event streaming.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Debug().Err(err).Msg("websocket write failed")
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Info().Int("clients", len(h.clients)).Msg("closing websocket hub")
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.WSClients.Set(0)
}

// Register hands a new connection to the broadcaster.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount reports the number of connected subscribers.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The CORS middleware already gates origins for the REST surface;
	// the stream endpoint accepts the same set.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades the connection and parks a reader that only
// watches for close frames.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, r, resilience.Unavailable(errors.New("event stream not attached")))
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.Register(conn)

	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

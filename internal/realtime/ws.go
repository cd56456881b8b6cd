// Package realtime implements the read-side websocket duplex: one
// connection per observer, fed authoritative events from a room's
// broadcast bus. Client-sent frames are advisory only (ping and typing
// hints); every
// state mutation must go through the REST command verbs in internal/api,
// never through a client-sent websocket frame.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qingchang/social-deduction-arena/internal/observability"
	"github.com/qingchang/social-deduction-arena/internal/room"
	"github.com/qingchang/social-deduction-arena/internal/types"
)

// WSMessage is the envelope for both directions of the socket.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSServer upgrades and serves one websocket connection per subscriber.
type WSServer struct {
	upgrader websocket.Upgrader
	registry *room.Registry
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewWSServer(reg *room.Registry, logger *zap.Logger, metrics *observability.Metrics) *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registry: reg,
		logger:   logger,
		metrics:  metrics,
	}
}

func (ws *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	playerID := chi.URLParam(r, "player_id")

	actor := ws.registry.Get(code)
	if actor == nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	session := &Session{
		id:       connID,
		playerID: playerID,
		conn:     conn,
		actor:    actor,
		logger:   ws.logger.With(zap.String("conn_id", connID), zap.String("room_code", code), zap.String("player_id", playerID)),
		send:     make(chan []byte, 64),
		limiter:  rate.NewLimiter(rate.Limit(2), 10),
	}

	if ws.metrics != nil {
		ws.metrics.ActiveConnections.Inc()
	}
	actor.Subscribe(connID, session)
	go session.writePump()
	session.readPump()
	actor.Unsubscribe(connID)
	if ws.metrics != nil {
		ws.metrics.ActiveConnections.Dec()
	}
}

// Session is one connection's read/write pair. It implements
// broadcast.Sink so the room actor can publish directly into its send
// queue.
type Session struct {
	id       string
	playerID string
	conn     *websocket.Conn
	actor    *room.Actor
	logger   *zap.Logger
	send     chan []byte
	limiter  *rate.Limiter
	mu       sync.Mutex
}

// Send implements broadcast.Sink. It never blocks the publisher: a full
// send queue means the connection is too slow and gets dropped.
func (s *Session) Send(ev types.Event) error {
	b, err := json.Marshal(WSMessage{Type: "event", Payload: mustMarshal(ev)})
	if err != nil {
		return err
	}
	select {
	case s.send <- b:
		return nil
	default:
		return errFullQueue
	}
}

var errFullQueue = &queueFullError{}

type queueFullError struct{}

func (*queueFullError) Error() string { return "session send queue full" }

func (s *Session) readPump() {
	defer s.conn.Close()
	s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if !s.limiter.Allow() {
			s.sendError("rate_limited", "too many frames")
			continue
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError("bad_request", "invalid json frame")
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage accepts only advisory client frames. A client cannot
// mutate room state over the socket: message/vote always go through the
// REST verbs, which run through the engine's phase-checked command path.
func (s *Session) handleMessage(msg WSMessage) {
	switch msg.Type {
	case "ping":
		s.sendRaw(WSMessage{Type: "pong", Payload: msg.Payload})
	case "typing":
		var hint struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(msg.Payload, &hint); err != nil {
			s.sendError("bad_request", "invalid typing payload")
			return
		}
		s.actor.PublishTyping(s.playerID, hint.State)
	case "message", "vote":
		s.sendError("forbidden", "state mutations must use the REST API, not websocket frames")
	default:
		s.sendError("bad_request", "unknown message type")
	}
}

func (s *Session) sendError(code, message string) {
	payload := map[string]string{"code": code, "message": message}
	s.sendRaw(WSMessage{Type: "error", Payload: mustMarshal(payload)})
}

func (s *Session) sendRaw(msg WSMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case s.send <- b:
	default:
	}
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

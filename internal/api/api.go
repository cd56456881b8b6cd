// Package api provides the REST handlers for the social deduction arena
// server: room lifecycle (create/list/info/join/leave) and the
// authoritative, phase-gated mutation verbs (message/vote), plus a
// polling state read for clients that can't hold a websocket open.
//
// @title Social Deduction Arena API
// @version 1.0
// @description Multi-room real-time social deduction game server: human
// @description participants alongside LLM-driven agents, coordinated by a
// @description per-room phase state machine.
//
// @contact.name API Support
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/qingchang/social-deduction-arena/internal/config"
	"github.com/qingchang/social-deduction-arena/internal/engine"
	"github.com/qingchang/social-deduction-arena/internal/observability"
	"github.com/qingchang/social-deduction-arena/internal/realtime"
	"github.com/qingchang/social-deduction-arena/internal/room"
	"github.com/qingchang/social-deduction-arena/internal/types"
)

// Server wires the room registry into chi-routed HTTP handlers.
type Server struct {
	Router   *chi.Mux
	registry *room.Registry
	cfg      config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewServer builds the full route table. wsServer is mounted directly
// since it owns its own upgrader and cannot be expressed as a plain
// http.HandlerFunc.
func NewServer(reg *room.Registry, cfg config.Config, wsServer *realtime.WSServer, logger *zap.Logger, metrics *observability.Metrics) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)

	s := &Server{Router: r, registry: reg, cfg: cfg, logger: logger, metrics: metrics}

	r.Get("/health", s.health)
	r.Get("/config", s.config)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	r.Get("/swagger/doc.json", s.swaggerDoc)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/create", s.createRoom)
		r.Get("/list", s.listRooms)
		r.Route("/{code}", func(r chi.Router) {
			r.Get("/info", s.roomInfo)
			r.Post("/join", s.joinRoom)
			r.Post("/leave", s.leaveRoom)
			r.Post("/message", s.postMessage)
			r.Post("/vote", s.postVote)
			r.Get("/state", s.roomState)
		})
	})

	if wsServer != nil {
		r.Handle("/ws/{code}/{player_id}", wsServer)
	}
	return s
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := types.ErrInternal
	msg := err.Error()
	if app, ok := err.(*types.AppError); ok {
		code = app.Code
		msg = app.Message
		switch code {
		case types.ErrInvalidArgument:
			status = http.StatusBadRequest
		case types.ErrNotFound:
			status = http.StatusNotFound
		case types.ErrRoomFull, types.ErrRoomInProgress, types.ErrPhaseViolation:
			status = http.StatusConflict
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}

// health godoc
// @Summary Health check
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// config godoc
// @Summary Effective non-secret configuration
// @Tags System
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /config [get]
func (s *Server) config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Public())
}

func (s *Server) swaggerDoc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(minimalSwaggerDoc))
}

// CreateRoomRequest is the body of POST /api/rooms/create.
type CreateRoomRequest struct {
	RoomName     string `json:"room_name"`
	MaxHumans    int    `json:"max_humans"`
	TotalPlayers int    `json:"total_players"`
}

// createRoom godoc
// @Summary Create a room
// @Tags Rooms
// @Accept json
// @Produce json
// @Param request body CreateRoomRequest true "Room sizing"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Router /api/rooms/create [post]
func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		s.reject(types.ErrInvalidArgument)
		writeError(w, types.NewError(types.ErrInvalidArgument, "invalid json body"))
		return
	}
	if req.TotalPlayers == 0 {
		req.TotalPlayers = req.MaxHumans + s.cfg.NumAIPlayers
		if req.TotalPlayers > 12 {
			req.TotalPlayers = 12
		}
	}
	if req.RoomName == "" {
		req.RoomName = "Room " + strconv.FormatInt(time.Now().UnixNano()%100000, 10)
	}

	actor, err := s.registry.Create(req.RoomName, req.MaxHumans, req.TotalPlayers)
	s.observe("create", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	snap := actor.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_code":     snap.RoomCode,
		"room_name":     snap.RoomName,
		"max_humans":    snap.MaxHumans,
		"total_players": snap.TotalPlayers,
	})
}

// listRooms godoc
// @Summary List waiting rooms
// @Tags Rooms
// @Produce json
// @Param page query int false "page"
// @Param per_page query int false "per_page"
// @Success 200 {object} map[string]interface{}
// @Router /api/rooms/list [get]
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	rooms, totalPages := s.registry.List(page, perPage)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms":       rooms,
		"total_pages": totalPages,
	})
}

// roomInfo godoc
// @Summary Room metadata
// @Tags Rooms
// @Produce json
// @Param code path string true "room code"
// @Success 200 {object} map[string]interface{}
// @Router /api/rooms/{code}/info [get]
func (s *Server) roomInfo(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	actor := s.registry.Get(code)
	if actor == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"exists": false})
		return
	}
	snap := actor.Snapshot()
	var currentHumans []string
	for _, id := range snap.AllPlayerIDsSorted() {
		if snap.Players[id].Role == engine.RoleHuman {
			currentHumans = append(currentHumans, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exists":         true,
		"room_code":      snap.RoomCode,
		"room_name":      snap.RoomName,
		"max_humans":     snap.MaxHumans,
		"total_players":  snap.TotalPlayers,
		"status":         string(snap.Status),
		"current_humans": currentHumans,
		"created_at":     snap.CreatedAt,
	})
}

// joinRoom godoc
// @Summary Join a room, claiming the next open human slot
// @Tags Rooms
// @Produce json
// @Param code path string true "room code"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]string
// @Router /api/rooms/{code}/join [post]
func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	code := chi.URLParam(r, "code")
	actor := s.registry.Get(code)
	if actor == nil {
		err := types.NewError(types.ErrNotFound, "room not found")
		s.observe("join", start, err)
		writeError(w, err)
		return
	}
	result, err := actor.Dispatch(types.Command{Type: "join"})
	s.observe("join", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// LeaveRoomRequest is the body of POST /api/rooms/{code}/leave.
type LeaveRoomRequest struct {
	PlayerID string `json:"player_id"`
}

// leaveRoom godoc
// @Summary Leave a room
// @Tags Rooms
// @Accept json
// @Produce json
// @Param code path string true "room code"
// @Param request body LeaveRoomRequest true "leaver"
// @Success 200 {object} map[string]interface{}
// @Router /api/rooms/{code}/leave [post]
func (s *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	code := chi.URLParam(r, "code")
	var req LeaveRoomRequest
	json.NewDecoder(r.Body).Decode(&req)

	actor := s.registry.Get(code)
	if actor == nil {
		err := types.NewError(types.ErrNotFound, "room not found")
		s.observe("leave", start, err)
		writeError(w, err)
		return
	}
	result, err := actor.Dispatch(types.Command{Type: "leave", PlayerID: req.PlayerID, Payload: map[string]string{"player_id": req.PlayerID}})
	s.observe("leave", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// MessageRequest is the body of POST /api/rooms/{code}/message.
type MessageRequest struct {
	PlayerID string `json:"player_id"`
	Text     string `json:"text"`
}

// postMessage godoc
// @Summary Post a chat message during discussion
// @Tags Game
// @Accept json
// @Produce json
// @Param code path string true "room code"
// @Param request body MessageRequest true "message"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} map[string]string
// @Router /api/rooms/{code}/message [post]
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	code := chi.URLParam(r, "code")
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		err := types.NewError(types.ErrInvalidArgument, "invalid json body")
		s.observe("message", start, err)
		writeError(w, err)
		return
	}
	actor := s.registry.Get(code)
	if actor == nil {
		err := types.NewError(types.ErrNotFound, "room not found")
		s.observe("message", start, err)
		writeError(w, err)
		return
	}
	result, err := actor.Dispatch(types.Command{
		Type:     "message",
		PlayerID: req.PlayerID,
		Payload:  map[string]string{"player_id": req.PlayerID, "text": req.Text},
	})
	s.observe("message", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// VoteRequest is the body of POST /api/rooms/{code}/vote.
type VoteRequest struct {
	PlayerID string `json:"player_id"`
	TargetID string `json:"target_id"`
}

// postVote godoc
// @Summary Cast a vote during the voting phase
// @Tags Game
// @Accept json
// @Produce json
// @Param code path string true "room code"
// @Param request body VoteRequest true "vote"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} map[string]string
// @Router /api/rooms/{code}/vote [post]
func (s *Server) postVote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	code := chi.URLParam(r, "code")
	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		err := types.NewError(types.ErrInvalidArgument, "invalid json body")
		s.observe("vote", start, err)
		writeError(w, err)
		return
	}
	actor := s.registry.Get(code)
	if actor == nil {
		err := types.NewError(types.ErrNotFound, "room not found")
		s.observe("vote", start, err)
		writeError(w, err)
		return
	}
	result, err := actor.Dispatch(types.Command{
		Type:     "vote",
		PlayerID: req.PlayerID,
		Payload:  map[string]string{"player_id": req.PlayerID, "target_id": req.TargetID},
	})
	s.observe("vote", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// roomState godoc
// @Summary Authoritative read-only room state, for clients polling instead of holding a websocket open
// @Tags Game
// @Produce json
// @Param code path string true "room code"
// @Param player_id query string false "requesting player, to reveal their own role"
// @Success 200 {object} map[string]interface{}
// @Router /api/rooms/{code}/state [get]
func (s *Server) roomState(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	actor := s.registry.Get(code)
	if actor == nil {
		writeError(w, types.NewError(types.ErrNotFound, "room not found"))
		return
	}
	playerID := r.URL.Query().Get("player_id")
	snap := actor.Snapshot()

	players := make([]map[string]interface{}, 0, len(snap.Players))
	for _, id := range snap.AllPlayerIDsSorted() {
		p := snap.Players[id]
		entry := map[string]interface{}{"id": p.ID, "eliminated": p.Eliminated, "voted": p.Voted}
		if id == playerID {
			entry["role"] = string(p.Role)
		}
		players = append(players, entry)
	}

	chatLog := make([]map[string]interface{}, 0, len(snap.ChatLog))
	for _, m := range snap.ChatLog {
		chatLog = append(chatLog, map[string]interface{}{"sender": m.Sender, "text": m.Text, "timestamp": m.Timestamp})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_code": snap.RoomCode,
		"status":    string(snap.Status),
		"phase":     string(snap.Phase),
		"round":     snap.Round,
		"topic":     snap.Topic,
		"players":   players,
		"chat_log":  chatLog,
		"winner":    snap.Winner,
	})
}

func (s *Server) observe(cmdType string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.CommandLatency.WithLabelValues(cmdType).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		s.metrics.CommandReject.WithLabelValues(string(errCode(err))).Inc()
	}
}

func (s *Server) reject(code types.ErrorCode) {
	if s.metrics == nil {
		return
	}
	s.metrics.CommandReject.WithLabelValues(string(code)).Inc()
}

func errCode(err error) types.ErrorCode {
	if app, ok := err.(*types.AppError); ok {
		return app.Code
	}
	return types.ErrInternal
}

const minimalSwaggerDoc = `{
  "swagger": "2.0",
  "info": { "title": "Social Deduction Arena API", "version": "1.0" },
  "basePath": "/",
  "paths": {
    "/health": { "get": { "summary": "Health check" } },
    "/config": { "get": { "summary": "Effective configuration" } },
    "/api/rooms/create": { "post": { "summary": "Create a room" } },
    "/api/rooms/list": { "get": { "summary": "List waiting rooms" } },
    "/api/rooms/{code}/info": { "get": { "summary": "Room metadata" } },
    "/api/rooms/{code}/join": { "post": { "summary": "Join a room" } },
    "/api/rooms/{code}/leave": { "post": { "summary": "Leave a room" } },
    "/api/rooms/{code}/message": { "post": { "summary": "Post a chat message" } },
    "/api/rooms/{code}/vote": { "post": { "summary": "Cast a vote" } },
    "/api/rooms/{code}/state": { "get": { "summary": "Read room state" } }
  }
}`

// Package room implements the Room Registry, Slot Allocator, Concurrency
// Gate and Phase Orchestrator: everything that owns and drives one
// room's game state and connection set.
package room

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/qingchang/social-deduction-arena/internal/agent/llm"
	"github.com/qingchang/social-deduction-arena/internal/clock"
	"github.com/qingchang/social-deduction-arena/internal/engine"
	"github.com/qingchang/social-deduction-arena/internal/observability"
	"github.com/qingchang/social-deduction-arena/internal/queue"
	"github.com/qingchang/social-deduction-arena/internal/types"
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var personalities = []string{
	"skeptical analyst who questions everyone's story",
	"easygoing peacemaker who tries to defuse arguments",
	"sharp-tongued contrarian who loves playing devil's advocate",
	"quiet observer who speaks rarely but precisely",
	"enthusiastic extrovert who jumps into every topic",
	"methodical logician who reasons out loud",
	"anxious worrier who second-guesses their own read",
	"confident leader who tries to steer the group",
	"playful joker who deflects with humor",
	"blunt realist who calls out inconsistencies directly",
	"warm empathizer who tries to understand every angle",
	"cynical veteran who assumes the worst of everyone",
}

// Dependencies bundles the collaborators every room actor needs; the
// registry wires one set of these per process and hands the same
// instances to every room it creates.
type Dependencies struct {
	Clock      clock.Clock
	Provider   llm.Provider
	Dispatcher *queue.Dispatcher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Topics     []string
	// RoomConfig freezes the environment-configured timers/cooldowns into
	// every room created after Dependencies is built; later env changes
	// never affect rooms already in flight.
	RoomConfig engine.Config
}

// Registry is the process-wide room directory: a single lock protecting
// a map from room code to actor, held only for the span of an
// insert/lookup/remove.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Actor
	deps  Dependencies
}

func NewRegistry(deps Dependencies) *Registry {
	if deps.Clock == nil {
		deps.Clock = clock.NewReal()
	}
	if len(deps.Topics) == 0 {
		deps.Topics = defaultTopics
	}
	if deps.RoomConfig == (engine.Config{}) {
		deps.RoomConfig = engine.DefaultConfig()
	}
	return &Registry{rooms: make(map[string]*Actor), deps: deps}
}

var defaultTopics = []string{
	"the strangest rumor you've heard about this group",
	"who seems the most nervous right now and why",
	"what would you do differently if you were in charge",
	"the biggest inconsistency you've noticed so far",
	"whether silence is more suspicious than talking too much",
}

// Create validates the requested sizes, draws a uniformly random slot
// assignment, and constructs the room actor. It never renames agents
// after construction: their ids are the numbers drawn.
func (r *Registry) Create(name string, maxHumans, totalPlayers int) (*Actor, error) {
	if maxHumans < 1 || maxHumans > 4 {
		return nil, types.NewError(types.ErrInvalidArgument, "max_humans must be between 1 and 4")
	}
	if totalPlayers < maxHumans || totalPlayers > 12 {
		return nil, types.NewError(types.ErrInvalidArgument, "total_players must be between max_humans and 12")
	}

	numAI := totalPlayers - maxHumans
	drawn, err := shuffledRange(totalPlayers)
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, "failed to draw slots", err)
	}
	agentNumbers := append([]int(nil), drawn[:numAI]...)
	humanPool := append([]int(nil), drawn[numAI:]...)

	code, err := r.freshCode()
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, "failed to generate room code", err)
	}

	personality := func(n int) string { return personalities[n%len(personalities)] }
	state := engine.NewState(code, name, maxHumans, totalPlayers, agentNumbers, humanPool, personality)
	state.CreatedAt = r.deps.Clock.Now().UnixMilli()
	state.Config = r.deps.RoomConfig

	actor := newActor(code, state, r.deps, func() { r.remove(code) })

	r.mu.Lock()
	r.rooms[code] = actor
	count := len(r.rooms)
	r.mu.Unlock()
	if r.deps.Metrics != nil {
		r.deps.Metrics.RoomCount.Set(float64(count))
	}

	actor.start()
	return actor, nil
}

func (r *Registry) freshCode() (string, error) {
	for attempt := 0; attempt < 50; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		_, exists := r.rooms[code]
		r.mu.Unlock()
		if !exists {
			return code, nil
		}
	}
	return "", context.DeadlineExceeded
}

func randomCode() (string, error) {
	buf := make([]byte, 6)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomCodeAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = roomCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// shuffledRange draws a uniformly random permutation of 1..n using
// crypto/rand, the same uniform-draw discipline used for role
// distribution in social deduction games: a Fisher-Yates shuffle backed
// by a cryptographic source rather than math/rand.
func shuffledRange(n int) ([]int, error) {
	nums := make([]int, n)
	for i := range nums {
		nums[i] = i + 1
	}
	for i := n - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, err
		}
		nums[i], nums[j.Int64()] = nums[j.Int64()], nums[i]
	}
	return nums, nil
}

func (r *Registry) remove(code string) {
	r.mu.Lock()
	delete(r.rooms, code)
	count := len(r.rooms)
	r.mu.Unlock()
	if r.deps.Metrics != nil {
		r.deps.Metrics.RoomCount.Set(float64(count))
	}
}

// Get returns the actor for code, or nil if it doesn't exist.
func (r *Registry) Get(code string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[code]
}

// RoomSummary is the listing projection for GET /api/rooms/list.
type RoomSummary struct {
	RoomCode      string `json:"room_code"`
	RoomName      string `json:"room_name"`
	CurrentHumans int    `json:"current_humans"`
	MaxHumans     int    `json:"max_humans"`
	TotalPlayers  int    `json:"total_players"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"`
}

// List returns waiting rooms, newest first, paginated.
func (r *Registry) List(page, perPage int) ([]RoomSummary, int) {
	if perPage <= 0 {
		perPage = 10
	}
	if page <= 0 {
		page = 1
	}

	r.mu.Lock()
	var waiting []RoomSummary
	for _, a := range r.rooms {
		snap := a.Snapshot()
		if snap.Status != engine.StatusWaiting {
			continue
		}
		humans := 0
		for _, p := range snap.Players {
			if p.Role == engine.RoleHuman {
				humans++
			}
		}
		waiting = append(waiting, RoomSummary{
			RoomCode:      snap.RoomCode,
			RoomName:      snap.RoomName,
			CurrentHumans: humans,
			MaxHumans:     snap.MaxHumans,
			TotalPlayers:  snap.TotalPlayers,
			Status:        string(snap.Status),
			CreatedAt:     snap.CreatedAt,
		})
	}
	r.mu.Unlock()

	// newest first
	for i := 1; i < len(waiting); i++ {
		j := i
		for j > 0 && waiting[j-1].CreatedAt < waiting[j].CreatedAt {
			waiting[j-1], waiting[j] = waiting[j], waiting[j-1]
			j--
		}
	}

	totalPages := (len(waiting) + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}
	start := (page - 1) * perPage
	if start >= len(waiting) {
		return []RoomSummary{}, totalPages
	}
	end := start + perPage
	if end > len(waiting) {
		end = len(waiting)
	}
	return waiting[start:end], totalPages
}

// Terminate removes a room from the registry, notifying its connections
// and releasing its resources.
func (r *Registry) Terminate(code string) bool {
	r.mu.Lock()
	a, ok := r.rooms[code]
	delete(r.rooms, code)
	r.mu.Unlock()
	if !ok {
		return false
	}
	a.terminate("room closed")
	return true
}

// Close tears down every room, used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*Actor)
	r.mu.Unlock()
	for _, a := range rooms {
		a.terminate("server shutting down")
	}
}

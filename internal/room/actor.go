package room

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/social-deduction-arena/internal/agent"
	"github.com/qingchang/social-deduction-arena/internal/broadcast"
	"github.com/qingchang/social-deduction-arena/internal/engine"
	"github.com/qingchang/social-deduction-arena/internal/types"
)

// Actor owns one room's state, connection set, mutex and processing set.
// It is the single writer of its state;
// every mutation — whether from an API command or the phase orchestrator
// — happens under mu.
type Actor struct {
	code string
	deps Dependencies
	bus  *broadcast.Bus

	ctx    context.Context
	cancel context.CancelFunc

	onTerminate func()

	mu         sync.Mutex
	state      engine.State
	processing map[string]struct{}

	decision *agent.DecisionEngine
	message  *agent.MessageGenerator
	vote     *agent.VoteGenerator

	rng *rand.Rand

	// wakeCh is a non-blocking signal the message-commit path uses to
	// nudge the discussion-tick driver: a human just spoke, so it's worth
	// running the Decision Engine early instead of waiting for the
	// proactive 10s check.
	wakeCh chan struct{}
	// voteCh is signaled whenever a vote is committed, so the voting
	// driver can end early once every active player has voted instead of
	// waiting for the full timer.
	voteCh chan struct{}

	startOnce sync.Once
	startCh   chan struct{}

	logger *zap.Logger
}

func newActor(code string, state engine.State, deps Dependencies, onTerminate func()) *Actor {
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Actor{
		code:        code,
		deps:        deps,
		bus:         broadcast.NewWithMetrics(deps.Metrics),
		ctx:         ctx,
		cancel:      cancel,
		onTerminate: onTerminate,
		state:       state,
		processing:  make(map[string]struct{}),
		decision:    agent.NewDecisionEngine(deps.Provider),
		message:     agent.NewMessageGenerator(deps.Provider),
		vote:        agent.NewVoteGenerator(deps.Provider),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() + int64(len(code)))),
		wakeCh:      make(chan struct{}, 1),
		voteCh:      make(chan struct{}, 1),
		startCh:     make(chan struct{}),
		logger:      logger.With(zap.String("room_code", code)),
	}
}

func (a *Actor) signalStart() {
	a.startOnce.Do(func() { close(a.startCh) })
}

func (a *Actor) start() {
	go a.runOrchestrator()
}

// Code returns the room's six-character code.
func (a *Actor) Code() string { return a.code }

// Snapshot returns a deep copy of the current state for reads that don't
// need to mutate (REST state reads, room listing).
func (a *Actor) Snapshot() engine.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Copy()
}

// Subscribe registers a connection sink and immediately replays the
// current player list, topic and phase so a late joiner sees who is in
// the room and where the game stands before any live event arrives.
func (a *Actor) Subscribe(connID string, sink broadcast.Sink) {
	a.bus.Subscribe(connID, sink)
	snap := a.Snapshot()
	a.bus.Publish(playerListEvent(snap))
	if snap.Topic != "" {
		a.bus.Publish(types.NewEvent(a.code, types.EventTopic, map[string]interface{}{"topic": snap.Topic}))
	}
	a.bus.Publish(types.NewEvent(a.code, types.EventPhase, map[string]interface{}{"phase": string(snap.Phase)}))
}

func (a *Actor) Unsubscribe(connID string) {
	a.bus.Unsubscribe(connID)
}

// PublishTyping broadcasts an advisory typing indicator on behalf of a
// human client. Agent typing events come from the orchestrator and are
// authoritative; these client hints are pass-through UX only and never
// gate any state transition.
func (a *Actor) PublishTyping(playerID, state string) {
	if state != "start" && state != "stop" {
		return
	}
	a.bus.Publish(typingEvent(a.code, playerID, state))
}

// Dispatch runs one REST/WS-originated command (join/leave/message/vote)
// through the engine's pure HandleCommand/Reduce pair under the room
// lock, then broadcasts the resulting events and returns the REST result
// payload.
func (a *Actor) Dispatch(cmd types.Command) (map[string]interface{}, error) {
	a.mu.Lock()
	if a.state.Status == engine.StatusCompleted && a.state.Phase == engine.PhaseGameOver && cmd.Type != "leave" {
		a.mu.Unlock()
		return nil, types.NewError(types.ErrNotFound, "room not found")
	}

	events, result, err := engine.HandleCommand(a.state, cmd, a.deps.Clock.Now())
	if err != nil {
		a.mu.Unlock()
		return nil, mapEngineError(err)
	}
	terminated := false
	for _, ev := range events {
		a.state.Reduce(ev)
		if ev.Type == "player.left" && ev.Payload["terminate"] == "true" {
			terminated = true
		}
	}
	snap := a.state.Copy()
	a.mu.Unlock()

	if cmd.Type == "join" && snap.Status == engine.StatusInProgress {
		a.signalStart()
	}

	a.broadcastCommandEvents(cmd.Type, events, snap)

	if cmd.Type == "message" {
		select {
		case a.wakeCh <- struct{}{}:
		default:
		}
	}
	if cmd.Type == "vote" {
		select {
		case a.voteCh <- struct{}{}:
		default:
		}
	}
	if terminated {
		a.terminate("room closed after player left")
	}
	return result, nil
}

func (a *Actor) broadcastCommandEvents(cmdType string, events []engine.Event, snap engine.State) {
	for _, ev := range events {
		switch ev.Type {
		case "player.joined", "player.left":
			// terminate() broadcasts the terminal event itself; emitting it
			// here as well would deliver room_terminated twice.
			a.bus.Publish(playerListEvent(snap))
		case "message.sent":
			a.bus.Publish(types.NewEvent(a.code, types.EventMessage, map[string]interface{}{
				"sender": ev.Actor,
				"text":   ev.Payload["text"],
			}))
		case "vote.cast":
			a.bus.Publish(types.NewEvent(a.code, types.EventVoted, map[string]interface{}{"voter": ev.Actor}))
		}
	}
}

func playerListEvent(snap engine.State) types.Event {
	ids := snap.AllPlayerIDsSorted()
	players := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		p := snap.Players[id]
		players = append(players, map[string]interface{}{
			"id":         p.ID,
			"eliminated": p.Eliminated,
		})
	}
	return types.NewEvent(snap.RoomCode, types.EventPlayerList, map[string]interface{}{"players": players})
}

func mapEngineError(err error) error {
	switch err {
	case engine.ErrRoomFull:
		return types.NewError(types.ErrRoomFull, err.Error())
	case engine.ErrRoomInProgress:
		return types.NewError(types.ErrRoomInProgress, err.Error())
	case engine.ErrPlayerNotFound:
		return types.NewError(types.ErrNotFound, err.Error())
	case engine.ErrNotDiscussion, engine.ErrNotVoting, engine.ErrSelfVote, engine.ErrAlreadyVoted, engine.ErrTargetIneligible, engine.ErrEliminatedActor:
		return types.NewError(types.ErrPhaseViolation, err.Error())
	default:
		return types.WrapError(types.ErrInternal, "command failed", err)
	}
}

// terminate closes every connection with a terminal event, cancels the
// orchestrator, and removes the room from the registry. Safe to call
// more than once.
func (a *Actor) terminate(reason string) {
	select {
	case <-a.ctx.Done():
		return
	default:
	}
	a.bus.Publish(types.NewEvent(a.code, types.EventRoomTerminated, map[string]interface{}{"reason": reason}))
	a.cancel()
	a.bus.CloseAll()
	if a.onTerminate != nil {
		a.onTerminate()
	}
}

// tryEnterProcessing attempts to claim the agent for a generation task.
// It returns false if the agent is already processing, so at most one
// generation task per agent is ever in flight.
func (a *Actor) tryEnterProcessing(agentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.processing[agentID]; busy {
		return false
	}
	a.processing[agentID] = struct{}{}
	return true
}

func (a *Actor) leaveProcessing(agentID string) {
	a.mu.Lock()
	delete(a.processing, agentID)
	a.mu.Unlock()
}

// phaseNow returns the current phase under the lock; used for the
// defense-in-depth re-checks between suspension points.
func (a *Actor) phaseNow() engine.Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Phase
}

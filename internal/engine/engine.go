package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/qingchang/social-deduction-arena/internal/types"
)

var (
	ErrRoomFull         = errors.New("room is full")
	ErrRoomInProgress   = errors.New("room already in progress")
	ErrPlayerNotFound   = errors.New("player not found")
	ErrNotDiscussion    = errors.New("not in discussion phase")
	ErrNotVoting        = errors.New("not in voting phase")
	ErrSelfVote         = errors.New("cannot vote for self")
	ErrAlreadyVoted     = errors.New("already voted")
	ErrTargetIneligible = errors.New("vote target is not active")
	ErrEliminatedActor  = errors.New("eliminated players cannot act")
)

// Event is an engine-level state transition record. Unlike a full
// event-sourcing log, Events here are not persisted; they exist purely so
// HandleCommand stays a pure function and the room actor applies Reduce
// under its own lock.
type Event struct {
	Type    string
	Actor   string
	Payload map[string]string
	At      int64
}

// HandleCommand validates cmd against the current state and, if accepted,
// returns the events that would apply it plus a result payload suitable
// for an immediate REST/WS response. It never mutates state; Reduce does.
func HandleCommand(state State, cmd types.Command, now time.Time) ([]Event, map[string]interface{}, error) {
	switch cmd.Type {
	case "join":
		return handleJoin(state, now)
	case "leave":
		return handleLeave(state, cmd, now)
	case "message":
		return handleMessage(state, cmd, now)
	case "vote":
		return handleVote(state, cmd, now)
	default:
		return nil, nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func handleJoin(state State, now time.Time) ([]Event, map[string]interface{}, error) {
	if state.Status == StatusInProgress || state.Status == StatusCompleted {
		return nil, nil, ErrRoomInProgress
	}
	if len(state.SlotPool) == 0 {
		return nil, nil, ErrRoomFull
	}

	n := state.SlotPool[0]
	playerID := PlayerID(n)

	humansAfter := countHumans(state) + 1
	willStart := humansAfter >= state.MaxHumans

	ev := Event{
		Type:  "player.joined",
		Actor: playerID,
		Payload: map[string]string{
			"slot":       itoa(n),
			"will_start": boolStr(willStart),
		},
		At: now.UnixMilli(),
	}

	result := map[string]interface{}{
		"success":        true,
		"player_id":      playerID,
		"can_start":      willStart,
		"current_humans": humansAfter,
		"max_humans":     state.MaxHumans,
	}
	return []Event{ev}, result, nil
}

func countHumans(state State) int {
	n := 0
	for _, p := range state.Players {
		if p.Role == RoleHuman {
			n++
		}
	}
	return n
}

func handleLeave(state State, cmd types.Command, now time.Time) ([]Event, map[string]interface{}, error) {
	playerID := cmd.Payload["player_id"]
	p, ok := state.Players[playerID]
	if !ok {
		// Leaving twice is a no-op, not an error.
		return nil, map[string]interface{}{"action": "removed"}, nil
	}

	// The room dies when any player bails out of the lobby, when the
	// creator walks, or when the last human is gone mid-game.
	lastHuman := p.Role == RoleHuman && countHumans(state) == 1
	terminate := state.Status == StatusWaiting || playerID == state.CreatorID || lastHuman

	action := "removed"
	if terminate {
		action = "terminated"
	}

	ev := Event{
		Type:  "player.left",
		Actor: playerID,
		Payload: map[string]string{
			"slot":      itoa(slotOf(playerID)),
			"terminate": boolStr(terminate),
			"was_human": boolStr(p.Role == RoleHuman),
		},
		At: now.UnixMilli(),
	}
	return []Event{ev}, map[string]interface{}{"action": action}, nil
}

func handleMessage(state State, cmd types.Command, now time.Time) ([]Event, map[string]interface{}, error) {
	if state.Phase != PhaseDiscussion {
		return nil, nil, ErrNotDiscussion
	}
	playerID := cmd.Payload["player_id"]
	p, ok := state.Players[playerID]
	if !ok {
		return nil, nil, ErrPlayerNotFound
	}
	if p.Eliminated {
		return nil, nil, ErrEliminatedActor
	}
	text := cmd.Payload["text"]

	ev := Event{
		Type:  "message.sent",
		Actor: playerID,
		Payload: map[string]string{
			"text": text,
		},
		At: now.UnixMilli(),
	}
	return []Event{ev}, map[string]interface{}{"success": true}, nil
}

func handleVote(state State, cmd types.Command, now time.Time) ([]Event, map[string]interface{}, error) {
	if state.Phase != PhaseVoting {
		return nil, nil, ErrNotVoting
	}
	voter := cmd.Payload["player_id"]
	target := cmd.Payload["target_id"]

	vp, ok := state.Players[voter]
	if !ok {
		return nil, nil, ErrPlayerNotFound
	}
	if vp.Eliminated {
		return nil, nil, ErrEliminatedActor
	}
	if voter == target {
		return nil, nil, ErrSelfVote
	}
	tp, ok := state.Players[target]
	if !ok || tp.Eliminated {
		return nil, nil, ErrTargetIneligible
	}
	if _, already := state.Votes[voter]; already {
		return nil, nil, ErrAlreadyVoted
	}

	ev := Event{
		Type:  "vote.cast",
		Actor: voter,
		Payload: map[string]string{
			"target": target,
		},
		At: now.UnixMilli(),
	}
	return []Event{ev}, map[string]interface{}{"success": true}, nil
}

// Reduce applies a single event to the state in place. It is the only
// function in this package that mutates State; HandleCommand and the orchestrator-driven
// transition helpers below only ever produce Events.
func (s *State) Reduce(ev Event) {
	switch ev.Type {
	case "player.joined":
		s.SlotPool = s.SlotPool[1:]
		if s.CreatorID == "" {
			s.CreatorID = ev.Actor
		}
		s.Players[ev.Actor] = Player{ID: ev.Actor, Role: RoleHuman}
		if ev.Payload["will_start"] == "true" {
			s.Status = StatusInProgress
		}

	case "player.left":
		slot := slotOf(ev.Actor)
		delete(s.Players, ev.Actor)
		if ev.Payload["was_human"] == "true" {
			s.SlotPool = append(s.SlotPool, slot)
		}
		if ev.Payload["terminate"] == "true" {
			s.Status = StatusCompleted
			s.Phase = PhaseGameOver
		}

	case "message.sent":
		s.ChatLog = append(s.ChatLog, ChatMessage{
			Sender:    ev.Actor,
			Text:      ev.Payload["text"],
			Timestamp: ev.At,
		})
		s.LastMessageTime = ev.At
		s.LastSpokeAt[ev.Actor] = ev.At
		removeString(&s.PendingAIMessages, ev.Actor)

	case "vote.cast":
		s.Votes[ev.Actor] = ev.Payload["target"]
		if p, ok := s.Players[ev.Actor]; ok {
			p.Voted = true
			s.Players[ev.Actor] = p
		}
		removeString(&s.PendingAIVotes, ev.Actor)

	case "round.started":
		s.Phase = PhaseDiscussion
		s.Round++
		s.Topic = ev.Payload["topic"]
		s.Votes = map[string]string{}
		s.PendingAIVotes = []string{}
		s.PendingAIMessages = []string{}
		s.RoundStartTime = ev.At
		s.LastMessageTime = ev.At
		for id, p := range s.Players {
			p.Voted = false
			s.Players[id] = p
		}

	case "phase.voting":
		s.Phase = PhaseVoting
		s.PendingAIMessages = []string{}
		s.PendingAIVotes = ev.splitIDs("agents")

	case "elimination.resolved":
		s.Phase = PhaseElimination
		target := ev.Payload["target"]
		if p, ok := s.Players[target]; ok {
			p.Eliminated = true
			s.Players[target] = p
		}
		s.SelectedSuspect = target
		s.SuspectRole = ev.Payload["role"]

	case "game.ended":
		s.Phase = PhaseGameOver
		s.Status = StatusCompleted
		s.Winner = ev.Payload["winner"]
	}
}

func (ev Event) splitIDs(key string) []string {
	raw, ok := ev.Payload[key]
	if !ok || raw == "" {
		return []string{}
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func removeString(s *[]string, v string) {
	out := (*s)[:0]
	for _, x := range *s {
		if x != v {
			out = append(out, x)
		}
	}
	*s = out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// StartRound is the orchestrator-driven transition entering a new
// discussion phase: pick a topic, reset per-round bookkeeping.
func StartRound(now time.Time, topic string) Event {
	return Event{
		Type: "round.started",
		At:   now.UnixMilli(),
		Payload: map[string]string{
			"topic": topic,
		},
	}
}

// TransitionToVoting closes discussion and opens the voting window for
// every currently active agent.
func TransitionToVoting(state State, now time.Time) Event {
	agents := []string{}
	for _, id := range state.ActivePlayers() {
		if state.Players[id].Role == RoleAI {
			agents = append(agents, id)
		}
	}
	joined := ""
	for i, id := range agents {
		if i > 0 {
			joined += ","
		}
		joined += id
	}
	return Event{
		Type: "phase.voting",
		At:   now.UnixMilli(),
		Payload: map[string]string{
			"agents": joined,
		},
	}
}

// ResolveElimination tallies votes, breaks ties uniformly at random via
// rng, and returns the elimination event plus the game-ended event when
// the outcome is terminal. noVotes is true when nobody voted at all, in
// which case no elimination event is produced; the survival win predicate
// is still evaluated so an all-abstention final round ends the game.
func ResolveElimination(state State, now time.Time, rng *rand.Rand) (elimination Event, outcome *Event, noVotes bool) {
	counts := map[string]int{}
	for _, target := range state.Votes {
		counts[target]++
	}
	if len(counts) == 0 {
		if ended, winner := state.CheckWinCondition(); ended {
			ev := Event{
				Type: "game.ended",
				At:   now.UnixMilli(),
				Payload: map[string]string{
					"winner": winner,
				},
			}
			return Event{}, &ev, true
		}
		return Event{}, nil, true
	}

	best := -1
	var tied []string
	for id, c := range counts {
		if c > best {
			best = c
			tied = []string{id}
		} else if c == best {
			tied = append(tied, id)
		}
	}
	sortPlayerIDs(tied)
	target := tied[rng.Intn(len(tied))]

	role := "human"
	if p, ok := state.Players[target]; ok && p.Role == RoleAI {
		role = "ai"
	}

	elimination = Event{
		Type:  "elimination.resolved",
		Actor: target,
		At:    now.UnixMilli(),
		Payload: map[string]string{
			"target": target,
			"role":   role,
		},
	}

	next := state.Copy()
	next.Reduce(elimination)
	ended, winner := next.CheckWinCondition()
	if ended {
		ev := Event{
			Type: "game.ended",
			At:   now.UnixMilli(),
			Payload: map[string]string{
				"winner": winner,
			},
		}
		return elimination, &ev, false
	}
	return elimination, nil, false
}

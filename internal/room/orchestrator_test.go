package room

import (
	"testing"
	"time"

	"github.com/qingchang/social-deduction-arena/internal/clock"
	"github.com/qingchang/social-deduction-arena/internal/engine"
	"github.com/qingchang/social-deduction-arena/internal/types"
)

// startedTestActor builds an actor already inside round 1's discussion
// phase, without launching the orchestrator goroutine, so the phase
// transitions under test can be driven explicitly.
func startedTestActor(t *testing.T) (*Actor, *clock.Manual) {
	t.Helper()
	deps := testDeps()
	manual := deps.Clock.(*clock.Manual)
	state := engine.NewState("AB12CD", "room", 1, 5, []int{3, 1, 5, 2}, []int{4}, func(int) string { return "skeptic" })
	a := newActor("AB12CD", state, deps, func() {})

	a.mu.Lock()
	a.state.Players["Player 4"] = engine.Player{ID: "Player 4", Role: engine.RoleHuman}
	a.state.SlotPool = nil
	a.state.Status = engine.StatusInProgress
	a.state.CreatorID = "Player 4"
	a.state.Reduce(engine.StartRound(manual.Now(), "test topic"))
	a.mu.Unlock()
	return a, manual
}

func (s *recordingSink) countOf(evType types.EventType, match func(types.Event) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type != evType {
			continue
		}
		if match == nil || match(ev) {
			n++
		}
	}
	return n
}

func typingFrom(agent, state string) func(types.Event) bool {
	return func(ev types.Event) bool {
		return ev.Payload["agent"] == agent && ev.Payload["state"] == state
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestAgentMessageTaskDropsWhenPhaseAlreadyLeftDiscussion(t *testing.T) {
	a, manual := startedTestActor(t)
	sink := &recordingSink{}
	a.Subscribe("conn-1", sink)
	defer a.terminate("end of test")

	a.mu.Lock()
	a.state.Reduce(engine.TransitionToVoting(a.state, manual.Now()))
	a.mu.Unlock()

	if !a.tryEnterProcessing("Player 3") {
		t.Fatalf("expected to claim Player 3")
	}
	a.runAgentMessageTask(a.ctx, "Player 3", "skeptic")

	snap := a.Snapshot()
	if len(snap.ChatLog) != 0 {
		t.Fatalf("expected no chat commit after phase change, got %+v", snap.ChatLog)
	}
	a.mu.Lock()
	_, busy := a.processing["Player 3"]
	a.mu.Unlock()
	if busy {
		t.Fatalf("expected processing entry released after the drop")
	}
	time.Sleep(20 * time.Millisecond)
	if n := sink.countOf(types.EventMessage, nil); n != 0 {
		t.Fatalf("expected no message event from the dropped task, got %d", n)
	}
}

func TestLateAgentMessageIsDiscardedAtCommit(t *testing.T) {
	a, manual := startedTestActor(t)
	sink := &recordingSink{}
	a.Subscribe("conn-1", sink)
	defer a.terminate("end of test")

	if !a.tryEnterProcessing("Player 3") {
		t.Fatalf("expected to claim Player 3")
	}
	done := make(chan struct{})
	go func() {
		a.runAgentMessageTask(a.ctx, "Player 3", "skeptic")
		close(done)
	}()

	// The task publishes typing(start) and then parks in the typing delay.
	waitUntil(t, func() bool {
		return sink.countOf(types.EventTyping, typingFrom("Player 3", "start")) > 0
	}, "typing(start) from Player 3")

	// Voting opens while the agent is still "typing".
	a.mu.Lock()
	a.state.Reduce(engine.TransitionToVoting(a.state, manual.Now()))
	a.mu.Unlock()

	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case <-done:
			break loop
		case <-deadline:
			t.Fatalf("agent message task did not return")
		default:
			manual.Advance(time.Second)
			time.Sleep(2 * time.Millisecond)
		}
	}

	snap := a.Snapshot()
	if len(snap.ChatLog) != 0 {
		t.Fatalf("expected chat history unchanged after the discard, got %+v", snap.ChatLog)
	}
	waitUntil(t, func() bool {
		return sink.countOf(types.EventTyping, typingFrom("Player 3", "stop")) > 0
	}, "typing(stop) after the discard")
	if n := sink.countOf(types.EventMessage, nil); n != 0 {
		t.Fatalf("expected no message event after the phase change, got %d", n)
	}
}

func TestAgentMessageTaskCommitsWhileDiscussionHolds(t *testing.T) {
	a, manual := startedTestActor(t)
	sink := &recordingSink{}
	a.Subscribe("conn-1", sink)
	defer a.terminate("end of test")

	if !a.tryEnterProcessing("Player 3") {
		t.Fatalf("expected to claim Player 3")
	}
	done := make(chan struct{})
	go func() {
		a.runAgentMessageTask(a.ctx, "Player 3", "skeptic")
		close(done)
	}()

	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case <-done:
			break loop
		case <-deadline:
			t.Fatalf("agent message task did not return")
		default:
			manual.Advance(time.Second)
			time.Sleep(2 * time.Millisecond)
		}
	}

	snap := a.Snapshot()
	if len(snap.ChatLog) != 1 || snap.ChatLog[0].Sender != "Player 3" {
		t.Fatalf("expected one committed message from Player 3, got %+v", snap.ChatLog)
	}
	for _, id := range snap.PendingAIMessages {
		if id == "Player 3" {
			t.Fatalf("expected Player 3 removed from pending after commit")
		}
	}
	waitUntil(t, func() bool {
		return sink.countOf(types.EventMessage, func(ev types.Event) bool {
			return ev.Payload["sender"] == "Player 3"
		}) == 1
	}, "message event from Player 3")
	waitUntil(t, func() bool {
		return sink.countOf(types.EventTyping, typingFrom("Player 3", "stop")) == 1
	}, "typing(stop) after the commit")
}

func TestAgentVoteTaskCommitsVoteForActiveNonSelfPlayer(t *testing.T) {
	a, manual := startedTestActor(t)
	sink := &recordingSink{}
	a.Subscribe("conn-1", sink)
	defer a.terminate("end of test")

	a.mu.Lock()
	a.state.Reduce(engine.TransitionToVoting(a.state, manual.Now()))
	a.mu.Unlock()

	if !a.tryEnterProcessing("Player 3") {
		t.Fatalf("expected to claim Player 3")
	}
	a.runAgentVoteTask(a.ctx, "Player 3", "skeptic")

	snap := a.Snapshot()
	target, voted := snap.Votes["Player 3"]
	if !voted {
		t.Fatalf("expected Player 3's vote to be committed")
	}
	if target == "Player 3" {
		t.Fatalf("agent voted for itself")
	}
	if p, ok := snap.Players[target]; !ok || p.Eliminated {
		t.Fatalf("agent voted for an ineligible target %q", target)
	}
	if !snap.Players["Player 3"].Voted {
		t.Fatalf("expected the voter's voted flag to be set")
	}
	waitUntil(t, func() bool {
		return sink.countOf(types.EventVoted, func(ev types.Event) bool {
			return ev.Payload["voter"] == "Player 3"
		}) == 1
	}, "voted event for Player 3")
}

func TestAgentVoteTaskSkipsWhenPhaseIsNotVoting(t *testing.T) {
	a, _ := startedTestActor(t)
	defer a.terminate("end of test")

	if !a.tryEnterProcessing("Player 3") {
		t.Fatalf("expected to claim Player 3")
	}
	a.runAgentVoteTask(a.ctx, "Player 3", "skeptic")

	snap := a.Snapshot()
	if len(snap.Votes) != 0 {
		t.Fatalf("expected no vote commit outside voting, got %v", snap.Votes)
	}
}

func TestEligibleCandidatesAppliesAllRules(t *testing.T) {
	a, manual := startedTestActor(t)
	defer a.terminate("end of test")
	cfg := a.Snapshot().Config

	now := manual.Now().UnixMilli()
	a.mu.Lock()
	// Player 3 wrote the most recent message: ineligible (no back-to-back).
	a.state.ChatLog = append(a.state.ChatLog, engine.ChatMessage{Sender: "Player 3", Text: "hm", Timestamp: now})
	a.state.LastSpokeAt["Player 3"] = now
	// Player 1 spoke 5s ago with a 15s cooldown: ineligible.
	a.state.LastSpokeAt["Player 1"] = now - 5_000
	// Player 5 spoke long ago: eligible.
	a.state.LastSpokeAt["Player 5"] = now - 60_000
	// Player 2 is eliminated: ineligible.
	p2 := a.state.Players["Player 2"]
	p2.Eliminated = true
	a.state.Players["Player 2"] = p2
	a.mu.Unlock()

	candidates, _, topic, ok := a.eligibleCandidates(cfg)
	if !ok {
		t.Fatalf("expected discussion phase to be active")
	}
	if topic != "test topic" {
		t.Fatalf("expected snapshot topic, got %q", topic)
	}
	if len(candidates) != 1 || candidates[0].id != "Player 5" {
		t.Fatalf("expected only Player 5 eligible, got %+v", candidates)
	}

	// A processing claim removes the last eligible agent.
	if !a.tryEnterProcessing("Player 5") {
		t.Fatalf("expected to claim Player 5")
	}
	candidates, _, _, ok = a.eligibleCandidates(cfg)
	if !ok || len(candidates) != 0 {
		t.Fatalf("expected no candidates with Player 5 in processing, got %+v", candidates)
	}
	a.leaveProcessing("Player 5")

	// Outside discussion the pass reports not-ok.
	a.mu.Lock()
	a.state.Reduce(engine.TransitionToVoting(a.state, manual.Now()))
	a.mu.Unlock()
	if _, _, _, ok := a.eligibleCandidates(cfg); ok {
		t.Fatalf("expected ok=false outside discussion")
	}
}

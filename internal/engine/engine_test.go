package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/qingchang/social-deduction-arena/internal/types"
)

func testNow() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func newTestState() State {
	return NewState("AB12CD", "Solo", 1, 5, []int{3, 1, 5, 2}, []int{4}, func(int) string { return "skeptic" })
}

func TestHandleJoinAssignsPoolSlot(t *testing.T) {
	s := newTestState()
	events, result, err := HandleCommand(s, types.Command{Type: "join"}, testNow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	s.Reduce(events[0])

	if result["player_id"] != "Player 4" {
		t.Fatalf("expected Player 4, got %v", result["player_id"])
	}
	if result["can_start"] != true {
		t.Fatalf("expected can_start=true for max_humans=1")
	}
	if s.Status != StatusInProgress {
		t.Fatalf("expected status in_progress, got %s", s.Status)
	}
	if len(s.SlotPool) != 0 {
		t.Fatalf("expected empty pool after single join, got %v", s.SlotPool)
	}
}

func TestHandleJoinRoomFull(t *testing.T) {
	s := newTestState()
	s.SlotPool = nil
	if _, _, err := HandleCommand(s, types.Command{Type: "join"}, testNow()); err != ErrRoomFull {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
}

func TestHandleJoinRejectsInProgress(t *testing.T) {
	s := newTestState()
	s.Status = StatusInProgress
	if _, _, err := HandleCommand(s, types.Command{Type: "join"}, testNow()); err != ErrRoomInProgress {
		t.Fatalf("expected ErrRoomInProgress, got %v", err)
	}
}

func joinedState(t *testing.T) State {
	t.Helper()
	s := newTestState()
	events, _, err := HandleCommand(s, types.Command{Type: "join"}, testNow())
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	s.Reduce(events[0])
	return s
}

func TestMessageRejectedOutsideDiscussion(t *testing.T) {
	s := joinedState(t)
	s.Phase = PhaseLobby
	cmd := types.Command{Type: "message", Payload: map[string]string{"player_id": "Player 4", "text": "hi"}}
	if _, _, err := HandleCommand(s, cmd, testNow()); err != ErrNotDiscussion {
		t.Fatalf("expected ErrNotDiscussion, got %v", err)
	}
}

func TestMessageCommittedDuringDiscussion(t *testing.T) {
	s := joinedState(t)
	ev := StartRound(testNow(), "favorite movies")
	s.Reduce(ev)

	cmd := types.Command{Type: "message", Payload: map[string]string{"player_id": "Player 4", "text": "hi all"}}
	events, _, err := HandleCommand(s, cmd, testNow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Reduce(events[0])
	if len(s.ChatLog) != 1 || s.ChatLog[0].Sender != "Player 4" {
		t.Fatalf("expected committed message from Player 4, got %+v", s.ChatLog)
	}
}

func TestVoteRejectsSelfAndDuplicate(t *testing.T) {
	s := joinedState(t)
	s.Reduce(StartRound(testNow(), "topic"))
	s.Reduce(TransitionToVoting(s, testNow()))

	if _, _, err := HandleCommand(s, types.Command{Type: "vote", Payload: map[string]string{"player_id": "Player 4", "target_id": "Player 4"}}, testNow()); err != ErrSelfVote {
		t.Fatalf("expected ErrSelfVote, got %v", err)
	}

	events, _, err := HandleCommand(s, types.Command{Type: "vote", Payload: map[string]string{"player_id": "Player 4", "target_id": "Player 3"}}, testNow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Reduce(events[0])

	if _, _, err := HandleCommand(s, types.Command{Type: "vote", Payload: map[string]string{"player_id": "Player 4", "target_id": "Player 1"}}, testNow()); err != ErrAlreadyVoted {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	if s.Votes["Player 4"] != "Player 3" {
		t.Fatalf("expected vote to remain on first target, got %v", s.Votes)
	}
}

func TestResolveEliminationTieBreakIsUniform(t *testing.T) {
	s := joinedState(t)
	s.Votes = map[string]string{
		"Player 1": "Player 3",
		"Player 2": "Player 3",
		"Player 3": "Player 5",
		"Player 4": "Player 5",
		"Player 5": "Player 3",
	}
	elim, outcome, noVotes := ResolveElimination(s, testNow(), rand.New(rand.NewSource(1)))
	if noVotes {
		t.Fatalf("expected votes to be tallied")
	}
	if elim.Payload["target"] != "Player 3" {
		t.Fatalf("expected Player 3 (3 votes) eliminated, got %s", elim.Payload["target"])
	}
	if outcome != nil {
		t.Fatalf("did not expect game to end yet")
	}

	// Two-way tie at 2 votes each: both tied players must be reachable
	// across rng seeds, so the lower id is not always the one eliminated.
	s.Votes = map[string]string{
		"Player 1": "Player 5",
		"Player 2": "Player 5",
		"Player 3": "Player 1",
		"Player 4": "Player 1",
	}
	picked := map[string]int{}
	for seed := int64(1); seed <= 50; seed++ {
		tieElim, _, _ := ResolveElimination(s, testNow(), rand.New(rand.NewSource(seed)))
		picked[tieElim.Payload["target"]]++
	}
	if len(picked) != 2 || picked["Player 1"] == 0 || picked["Player 5"] == 0 {
		t.Fatalf("expected both tied players to be chosen across seeds, got %v", picked)
	}
}

func TestResolveEliminationNoVotesCast(t *testing.T) {
	s := joinedState(t)
	_, _, noVotes := ResolveElimination(s, testNow(), rand.New(rand.NewSource(1)))
	if !noVotes {
		t.Fatalf("expected noVotes=true when nobody voted")
	}
}

func TestWinByHumanElimination(t *testing.T) {
	s := joinedState(t)
	s.Votes = map[string]string{"Player 1": "Player 4"}
	_, outcome, _ := ResolveElimination(s, testNow(), rand.New(rand.NewSource(1)))
	if outcome == nil || outcome.Payload["winner"] != "ai" {
		t.Fatalf("expected ai win on human elimination, got %+v", outcome)
	}
}

func TestWinBySurvival(t *testing.T) {
	s := joinedState(t)
	s.Config.RoundsToWin = 1
	s.Round = 1
	s.Votes = map[string]string{"Player 4": "Player 3"}
	_, outcome, _ := ResolveElimination(s, testNow(), rand.New(rand.NewSource(1)))
	if outcome == nil || outcome.Payload["winner"] != "human" {
		t.Fatalf("expected human win on survival, got %+v", outcome)
	}
}

func TestLeaveDuringWaitingTerminates(t *testing.T) {
	s := NewState("ZZ99AA", "duo", 2, 5, []int{3, 1, 5}, []int{2, 4}, func(int) string { return "skeptic" })
	events, _, err := HandleCommand(s, types.Command{Type: "join"}, testNow())
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	s.Reduce(events[0])
	if s.Status != StatusWaiting {
		t.Fatalf("expected room still waiting with 1/2 humans, got %s", s.Status)
	}

	events, result, err := HandleCommand(s, types.Command{Type: "leave", Payload: map[string]string{"player_id": "Player 2"}}, testNow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Reduce(events[0])
	if result["action"] != "terminated" {
		t.Fatalf("expected terminated action, got %v", result["action"])
	}
	if s.Status != StatusCompleted {
		t.Fatalf("expected room terminated, got status %s", s.Status)
	}
}

func TestLeaveByCreatorMidGameTerminates(t *testing.T) {
	s := NewState("ZZ99AB", "duo", 2, 6, []int{3, 1, 5, 6}, []int{2, 4}, func(int) string { return "skeptic" })
	for i := 0; i < 2; i++ {
		events, _, err := HandleCommand(s, types.Command{Type: "join"}, testNow())
		if err != nil {
			t.Fatalf("join %d failed: %v", i, err)
		}
		s.Reduce(events[0])
	}
	if s.Status != StatusInProgress || s.CreatorID != "Player 2" {
		t.Fatalf("unexpected setup: status=%s creator=%s", s.Status, s.CreatorID)
	}

	events, result, err := HandleCommand(s, types.Command{Type: "leave", Payload: map[string]string{"player_id": "Player 2"}}, testNow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Reduce(events[0])
	if result["action"] != "terminated" {
		t.Fatalf("expected creator leave to terminate, got %v", result["action"])
	}
	if s.Status != StatusCompleted {
		t.Fatalf("expected room terminated, got status %s", s.Status)
	}
}

func TestLeaveByLastHumanMidGameTerminates(t *testing.T) {
	s := NewState("ZZ99AC", "duo", 2, 6, []int{3, 1, 5, 6}, []int{2, 4}, func(int) string { return "skeptic" })
	for i := 0; i < 2; i++ {
		events, _, err := HandleCommand(s, types.Command{Type: "join"}, testNow())
		if err != nil {
			t.Fatalf("join %d failed: %v", i, err)
		}
		s.Reduce(events[0])
	}
	// The creator's seat is already vacant (e.g. a dropped connection
	// reaped elsewhere), so the remaining human is not the creator.
	delete(s.Players, "Player 2")

	events, result, err := HandleCommand(s, types.Command{Type: "leave", Payload: map[string]string{"player_id": "Player 4"}}, testNow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["action"] != "terminated" {
		t.Fatalf("expected last human's leave to report terminated, got %v", result["action"])
	}
	s.Reduce(events[0])
	if s.Status != StatusCompleted {
		t.Fatalf("expected room terminated, got status %s", s.Status)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	s := joinedState(t)
	events, _, err := HandleCommand(s, types.Command{Type: "leave", Payload: map[string]string{"player_id": "Player 4"}}, testNow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Reduce(events[0])

	events, result, err := HandleCommand(s, types.Command{Type: "leave", Payload: map[string]string{"player_id": "Player 4"}}, testNow())
	if err != nil {
		t.Fatalf("expected second leave to be a no-op, got error %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events from a repeated leave, got %d", len(events))
	}
	if result["action"] != "removed" {
		t.Fatalf("expected removed action, got %v", result["action"])
	}
}

func TestResolveEliminationNoVotesStillChecksSurvivalWin(t *testing.T) {
	s := joinedState(t)
	s.Config.RoundsToWin = 3
	s.Round = 3
	_, outcome, noVotes := ResolveElimination(s, testNow(), rand.New(rand.NewSource(1)))
	if !noVotes {
		t.Fatalf("expected noVotes=true")
	}
	if outcome == nil || outcome.Payload["winner"] != "human" {
		t.Fatalf("expected an all-abstention final round to end with a human win, got %+v", outcome)
	}
}

package room

import (
	"strconv"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/qingchang/social-deduction-arena/internal/agent/llm"
	"github.com/qingchang/social-deduction-arena/internal/clock"
	"github.com/qingchang/social-deduction-arena/internal/engine"
	"github.com/qingchang/social-deduction-arena/internal/queue"
)

// playerSlot extracts the numeric suffix from a visible player id such as
// "Player 3"; engine.slotOf does the same but is unexported.
func playerSlot(id string) int {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == ' ' {
			n, _ := strconv.Atoi(id[i+1:])
			return n
		}
	}
	return 0
}

func testDeps() Dependencies {
	return Dependencies{
		Clock:      clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Provider:   llm.NewFallbackProvider(),
		Dispatcher: queue.NewDispatcher(nil),
		RoomConfig: engine.Config{
			DiscussionTimeSec:  180,
			VotingTimeSec:      60,
			RoundsToWin:        3,
			MessageCooldownSec: 15,
			MaxConcurrentSpeak: 2,
		},
	}
}

func TestCreateValidatesSizes(t *testing.T) {
	r := NewRegistry(testDeps())
	defer r.Close()

	if _, err := r.Create("room", 0, 5); err == nil {
		t.Fatalf("expected error for max_humans=0")
	}
	if _, err := r.Create("room", 5, 5); err == nil {
		t.Fatalf("expected error for max_humans=5 (above 4)")
	}
	if _, err := r.Create("room", 2, 1); err == nil {
		t.Fatalf("expected error for total_players < max_humans")
	}
	if _, err := r.Create("room", 1, 13); err == nil {
		t.Fatalf("expected error for total_players > 12")
	}
}

func TestCreateSlotPartitionIsExhaustive(t *testing.T) {
	r := NewRegistry(testDeps())
	defer r.Close()

	actor, err := r.Create("room", 3, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := actor.Snapshot()

	seen := make(map[int]bool, 10)
	for _, id := range snap.AllPlayerIDsSorted() {
		seen[playerSlot(id)] = true
	}
	for _, n := range snap.SlotPool {
		if seen[n] {
			t.Fatalf("slot %d appears both as a player and in the pool", n)
		}
		seen[n] = true
	}
	if len(seen) != 10 {
		t.Fatalf("expected union of players and pool to cover 1..10 exactly, got %v", seen)
	}
	if len(snap.SlotPool) != 3 {
		t.Fatalf("expected pool size 3 (max_humans), got %d", len(snap.SlotPool))
	}
}

func TestCreateUsesConfiguredRoomConfig(t *testing.T) {
	deps := testDeps()
	deps.RoomConfig.RoundsToWin = 7
	r := NewRegistry(deps)
	defer r.Close()

	actor, err := r.Create("room", 1, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.Snapshot().Config.RoundsToWin != 7 {
		t.Fatalf("expected room to inherit registry's RoomConfig, got %+v", actor.Snapshot().Config)
	}
}

func TestListOnlyReturnsWaitingRoomsNewestFirst(t *testing.T) {
	r := NewRegistry(testDeps())
	defer r.Close()

	first, err := r.Create("first", 2, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Create("second", 2, 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Force deterministic ordering independent of wall-clock resolution.
	r.mu.Lock()
	r.rooms[first.Code()].mu.Lock()
	r.rooms[first.Code()].state.CreatedAt = 1
	r.rooms[first.Code()].mu.Unlock()
	r.rooms[second.Code()].mu.Lock()
	r.rooms[second.Code()].state.CreatedAt = 2
	r.rooms[second.Code()].mu.Unlock()
	r.mu.Unlock()

	rooms, _ := r.List(1, 10)
	if len(rooms) != 2 {
		t.Fatalf("expected 2 waiting rooms, got %d", len(rooms))
	}
	if rooms[0].RoomCode != second.Code() {
		t.Fatalf("expected newest room first, got %+v", rooms)
	}
}

func TestTerminateRemovesRoomAndStopsGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRegistry(testDeps())
	actor, err := r.Create("room", 1, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code := actor.Code()

	if !r.Terminate(code) {
		t.Fatalf("expected Terminate to report success")
	}
	if r.Get(code) != nil {
		t.Fatalf("expected room to be removed from registry")
	}
	if r.Terminate(code) {
		t.Fatalf("expected second Terminate to report no-op")
	}
}

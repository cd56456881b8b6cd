package agent

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"

	"github.com/qingchang/social-deduction-arena/internal/agent/llm"
)

// DecisionInput is everything the Decision Engine needs to judge whether
// one agent should speak next. All fields are derived from a snapshot
// taken under the room lock; the generator never touches room state
// directly.
type DecisionInput struct {
	AgentID            string
	Personality        string
	Topic              string
	VisibleHistory     []string
	ParticipationCount int
}

type decisionResponse struct {
	ShouldRespond bool   `json:"should_respond"`
	Reason        string `json:"reason"`
}

// DecisionEngine answers "should this agent speak now?".
// One instance is shared by every concurrent agent task in a room, so the
// fallback's rng is guarded by a mutex rather than relying on a fresh
// *rand.Rand per call.
type DecisionEngine struct {
	provider llm.Provider
	mu       sync.Mutex
	rng      *rand.Rand
}

func NewDecisionEngine(provider llm.Provider) *DecisionEngine {
	return &DecisionEngine{provider: provider, rng: rand.New(rand.NewSource(42))}
}

// Decide returns true if the agent should speak now. On any provider
// error or unparsable response it falls back to a 0.3 speak probability,
// per the documented fallback behavior.
func (d *DecisionEngine) Decide(ctx context.Context, in DecisionInput) bool {
	sys := decisionSystemPrompt
	user := buildDecisionPrompt(in.Personality, in.Topic, in.VisibleHistory, in.ParticipationCount)

	raw, err := d.provider.Decide(ctx, sys, user)
	if err != nil {
		return d.fallback()
	}

	var resp decisionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return d.fallback()
	}
	return resp.ShouldRespond
}

func (d *DecisionEngine) fallback() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < 0.3
}

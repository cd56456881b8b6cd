package agent

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"

	"github.com/qingchang/social-deduction-arena/internal/agent/llm"
)

// VoteInput carries everything a vote generation call needs: chat
// history, the agent's own id, the active non-self candidates by
// visible name, and personality.
type VoteInput struct {
	AgentID        string
	Personality    string
	Candidates     []string
	VisibleHistory []string
}

type voteResponse struct {
	Vote   string `json:"vote"`
	Reason string `json:"reason"`
}

// VoteGenerator decides which active player an agent votes to
// eliminate. Shared across concurrent per-agent vote tasks, so the
// fallback rng is guarded by a mutex.
type VoteGenerator struct {
	provider llm.Provider
	mu       sync.Mutex
	rng      *rand.Rand
}

func NewVoteGenerator(provider llm.Provider) *VoteGenerator {
	return &VoteGenerator{provider: provider, rng: rand.New(rand.NewSource(99))}
}

// Generate returns the visible player id the agent votes to eliminate.
// On malformed output or an unrecognized candidate name it falls back to
// a uniform random choice among candidates. With an empty candidate set
// it returns the empty string without calling the provider.
func (v *VoteGenerator) Generate(ctx context.Context, in VoteInput) string {
	if len(in.Candidates) == 0 {
		return ""
	}

	sys := voteSystemPrompt
	user := buildVotePrompt(in.AgentID, in.Personality, in.Candidates, in.VisibleHistory)

	raw, err := v.provider.GenerateVote(ctx, sys, user)
	if err == nil {
		var resp voteResponse
		if json.Unmarshal([]byte(raw), &resp) == nil {
			for _, c := range in.Candidates {
				if c == resp.Vote {
					return c
				}
			}
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return in.Candidates[v.rng.Intn(len(in.Candidates))]
}

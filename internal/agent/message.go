package agent

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	"github.com/qingchang/social-deduction-arena/internal/agent/llm"
)

// MessageInput carries everything a message generation call needs:
// room-visible chat history, the current topic, the agent's
// personality, and its own visible id.
type MessageInput struct {
	AgentID        string
	Personality    string
	Topic          string
	VisibleHistory []string
}

// bareAgreements are the fallback utterances substituted when the LLM
// call fails or returns an empty string. They are deliberately bland
// and never reference the agent's ai identity.
var bareAgreements = []string{
	"I think that's a fair point.",
	"Makes sense to me.",
	"I'm still thinking it over.",
	"Could go either way, honestly.",
}

// MessageGenerator produces an agent's next chat utterance. Shared
// across concurrent per-agent message tasks, so the fallback rng is
// guarded by a mutex.
type MessageGenerator struct {
	provider llm.Provider
	mu       sync.Mutex
	rng      *rand.Rand
}

func NewMessageGenerator(provider llm.Provider) *MessageGenerator {
	return &MessageGenerator{provider: provider, rng: rand.New(rand.NewSource(7))}
}

// Generate returns the agent's next chat line. On LLM failure it
// substitutes a bland agreement phrase that never references the
// agent's ai identity.
func (g *MessageGenerator) Generate(ctx context.Context, in MessageInput) string {
	sys := messageSystemPrompt
	user := buildMessagePrompt(in.AgentID, in.Personality, in.Topic, in.VisibleHistory)

	raw, err := g.provider.GenerateMessage(ctx, sys, user)
	if err != nil || strings.TrimSpace(raw) == "" {
		g.mu.Lock()
		defer g.mu.Unlock()
		return bareAgreements[g.rng.Intn(len(bareAgreements))]
	}
	return strings.TrimSpace(raw)
}

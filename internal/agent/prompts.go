// Package agent implements the three narrow LLM-backed generators the
// phase orchestrator calls into: should-this-agent-speak decisions,
// message generation, and vote generation. Each generator composes a
// prompt pair and calls through the llm.Provider contract; callers never
// see raw HTTP or provider-specific details.
package agent

import (
	"fmt"
	"strings"
)

const decisionSystemPrompt = `You are deciding whether a game agent should speak next in a group discussion.
Respond with a compact JSON object of the form {"should_respond": true|false, "reason": "..."}.
Only ever reply with that JSON object, nothing else.`

func buildDecisionPrompt(personality, topic string, history []string, participationCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your personality: %s\n", personality)
	fmt.Fprintf(&b, "Discussion topic: %s\n", topic)
	fmt.Fprintf(&b, "Your message count so far this round: %d\n", participationCount)
	b.WriteString("Recent chat history:\n")
	if len(history) == 0 {
		b.WriteString("(no messages yet)\n")
	}
	for _, line := range history {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("Should you speak now? Reply with the JSON object only.")
	return b.String()
}

const messageSystemPrompt = `You are playing a social deduction game as one of several numbered players.
Always refer to other players using their visible names exactly as they appear in the chat history
(for example "Player 3"), never by any other label. Stay in character for your personality. Keep
your reply to one or two short sentences, as a real chat message, with no quotation marks.`

func buildMessagePrompt(selfID, personality, topic string, history []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Your personality: %s\n", selfID, personality)
	fmt.Fprintf(&b, "Discussion topic: %s\n", topic)
	b.WriteString("Chat history so far:\n")
	if len(history) == 0 {
		b.WriteString("(no messages yet, open the discussion around the topic)\n")
	}
	for _, line := range history {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("Write your next chat message now.")
	return b.String()
}

const voteSystemPrompt = `You are playing a social deduction game and must vote to eliminate one other
player. Respond with a compact JSON object of the form {"vote": "<visible player name>", "reason": "..."}
using one of the candidate names exactly as given. Only ever reply with that JSON object, nothing else.`

func buildVotePrompt(selfID, personality string, candidates []string, history []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Your personality: %s\n", selfID, personality)
	fmt.Fprintf(&b, "Candidates you may vote for: %s\n", strings.Join(candidates, ", "))
	b.WriteString("Chat history so far:\n")
	for _, line := range history {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("Who do you vote to eliminate? Reply with the JSON object only.")
	return b.String()
}

package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/social-deduction-arena/internal/agent"
	"github.com/qingchang/social-deduction-arena/internal/engine"
	"github.com/qingchang/social-deduction-arena/internal/types"
)

// gameOverLinger is how long a finished room stays readable before it is
// torn down, so clients can fetch the final state after game_over.
const gameOverLinger = 60 * time.Second

// runOrchestrator is the per-room driver: it runs rounds back to back
// until the room is terminated or the game ends.
func (a *Actor) runOrchestrator() {
	if !a.waitForStart() {
		return
	}
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}
		if a.runRound() {
			a.lingerAfterGameOver()
			return
		}
	}
}

func (a *Actor) lingerAfterGameOver() {
	if err := a.deps.Clock.Sleep(a.ctx, gameOverLinger); err != nil {
		return
	}
	a.terminate("game complete")
}

func (a *Actor) waitForStart() bool {
	select {
	case <-a.startCh:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// runRound drives one discussion -> voting -> elimination cycle and
// returns true once the game has reached game_over.
func (a *Actor) runRound() bool {
	topic := a.deps.Topics[a.rng.Intn(len(a.deps.Topics))]
	now := a.deps.Clock.Now()

	a.mu.Lock()
	a.state.Reduce(engine.StartRound(now, topic))
	cfg := a.state.Config
	snap := a.state.Copy()
	a.mu.Unlock()

	a.bus.Publish(playerListEvent(snap))
	a.bus.Publish(types.NewEvent(a.code, types.EventTopic, map[string]interface{}{"topic": snap.Topic}))
	a.bus.Publish(types.NewEvent(a.code, types.EventPhase, map[string]interface{}{"phase": string(engine.PhaseDiscussion)}))
	a.bus.Publish(types.NewEvent(a.code, types.EventNewRound, map[string]interface{}{"round": snap.Round}))

	a.runDiscussion(cfg)
	if a.ctx.Err() != nil {
		return true
	}
	a.transitionToVoting()
	a.runVoting(cfg)
	if a.ctx.Err() != nil {
		return true
	}
	return a.resolveElimination()
}

func (a *Actor) runDiscussion(cfg engine.Config) {
	deadline := a.deps.Clock.After(time.Duration(cfg.DiscussionTimeSec) * time.Second)
	proactive := a.deps.Clock.After(10 * time.Second)
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-deadline:
			return
		case <-proactive:
			a.mu.Lock()
			idleMs := a.deps.Clock.Now().UnixMilli() - a.state.LastMessageTime
			a.mu.Unlock()
			if idleMs >= 10_000 {
				a.runDecisionPass(cfg)
			}
			proactive = a.deps.Clock.After(10 * time.Second)
		case <-a.wakeCh:
			a.runDecisionPass(cfg)
		}
	}
}

type decisionCandidate struct {
	id            string
	personality   string
	participation int
}

// runDecisionPass is one discussion tick: snapshot under lock, run the
// Decision Engine for eligible agents concurrently, then atomically move
// the chosen ones into pending_ai_messages/processing before launching
// their message tasks outside the lock.
func (a *Actor) runDecisionPass(cfg engine.Config) {
	candidates, history, topic, ok := a.eligibleCandidates(cfg)
	if !ok {
		return
	}
	if len(candidates) == 0 {
		if a.deps.Metrics != nil {
			a.deps.Metrics.DuplicateTriggerTotal.Inc()
		}
		return
	}

	type yes struct {
		id          string
		personality string
	}
	results := make(chan yes, len(candidates))
	for _, c := range candidates {
		go func(c decisionCandidate) {
			ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
			defer cancel()
			should := a.decision.Decide(ctx, agent.DecisionInput{
				AgentID:            c.id,
				Personality:        c.personality,
				Topic:              topic,
				VisibleHistory:     history,
				ParticipationCount: c.participation,
			})
			if should {
				results <- yes{id: c.id, personality: c.personality}
			} else {
				results <- yes{}
			}
		}(c)
	}

	var chosen []yes
	for range candidates {
		if y := <-results; y.id != "" {
			chosen = append(chosen, y)
		}
	}
	if len(chosen) > cfg.MaxConcurrentSpeak {
		chosen = chosen[:cfg.MaxConcurrentSpeak]
	}

	a.mu.Lock()
	var launch []yes
	for _, c := range chosen {
		if a.state.Phase != engine.PhaseDiscussion {
			break
		}
		if _, busy := a.processing[c.id]; busy {
			continue
		}
		a.processing[c.id] = struct{}{}
		a.state.PendingAIMessages = append(a.state.PendingAIMessages, c.id)
		launch = append(launch, c)
	}
	a.mu.Unlock()

	for _, c := range launch {
		personality := c.personality
		agentID := c.id
		a.deps.Dispatcher.Dispatch(a.ctx, a.code, agentID, "message", func(ctx context.Context) {
			a.runAgentMessageTask(ctx, agentID, personality)
		})
	}
}

// eligibleCandidates snapshots the discussion state under the lock and
// applies the eligibility rules: never the most recent speaker, never an
// agent inside its message cooldown, never one already in processing.
// ok is false when the room is no longer in discussion.
func (a *Actor) eligibleCandidates(cfg engine.Config) (candidates []decisionCandidate, history []string, topic string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Phase != engine.PhaseDiscussion {
		return nil, nil, "", false
	}
	var lastSender string
	if n := len(a.state.ChatLog); n > 0 {
		lastSender = a.state.ChatLog[n-1].Sender
	}
	history = chatHistoryLines(a.state.ChatLog)
	topic = a.state.Topic
	now := a.deps.Clock.Now().UnixMilli()

	for _, id := range a.state.ActivePlayers() {
		p := a.state.Players[id]
		if p.Role != engine.RoleAI {
			continue
		}
		if id == lastSender {
			continue
		}
		if _, busy := a.processing[id]; busy {
			continue
		}
		if last, spoke := a.state.LastSpokeAt[id]; spoke {
			cooldownMs := int64(cfg.MessageCooldownSec) * 1000
			if now-last < cooldownMs {
				continue
			}
		}
		participation := 0
		for _, m := range a.state.ChatLog {
			if m.Sender == id && m.Timestamp >= a.state.RoundStartTime {
				participation++
			}
		}
		candidates = append(candidates, decisionCandidate{id: id, personality: p.Personality, participation: participation})
	}
	return candidates, history, topic, true
}

// runAgentMessageTask is the defense-in-depth message task: four
// mandatory phase re-checks, one for each suspension point.
func (a *Actor) runAgentMessageTask(ctx context.Context, agentID, personality string) {
	defer a.leaveProcessing(agentID)

	// Layer 1: before starting any UI-visible action.
	if a.phaseNow() != engine.PhaseDiscussion {
		a.dropPendingMessage(agentID)
		a.logger.Debug("message task dropped before generation", zap.String("agent", agentID))
		return
	}

	a.mu.Lock()
	history := chatHistoryLines(a.state.ChatLog)
	topic := a.state.Topic
	a.mu.Unlock()

	genCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	text := a.message.Generate(genCtx, agent.MessageInput{
		AgentID:        agentID,
		Personality:    personality,
		Topic:          topic,
		VisibleHistory: history,
	})
	cancel()

	// Layer 2: before emitting the typing indicator.
	if a.phaseNow() != engine.PhaseDiscussion {
		a.dropPendingMessage(agentID)
		a.logger.Debug("message dropped before typing indicator because phase changed", zap.String("agent", agentID))
		return
	}
	a.bus.Publish(typingEvent(a.code, agentID, "start"))
	_ = a.deps.Clock.Sleep(ctx, typingDelayFor(text))

	// Layer 3: after the typing delay, before commit.
	a.mu.Lock()
	if a.state.Phase != engine.PhaseDiscussion {
		a.mu.Unlock()
		a.bus.Publish(typingEvent(a.code, agentID, "stop"))
		a.logger.Debug("message dropped before commit because phase is no longer discussion", zap.String("agent", agentID))
		return
	}
	now := a.deps.Clock.Now().UnixMilli()
	a.state.ChatLog = append(a.state.ChatLog, engine.ChatMessage{Sender: agentID, Text: text, Timestamp: now})
	a.state.LastMessageTime = now
	a.state.LastSpokeAt[agentID] = now
	removeFromPending(&a.state.PendingAIMessages, agentID)
	a.mu.Unlock()

	a.bus.Publish(types.NewEvent(a.code, types.EventMessage, map[string]interface{}{"sender": agentID, "text": text}))
	a.bus.Publish(typingEvent(a.code, agentID, "stop"))

	// Layer 4: cascade gate. Only re-trigger if discussion is still open.
	if a.phaseNow() == engine.PhaseDiscussion {
		select {
		case a.wakeCh <- struct{}{}:
		default:
		}
	}
}

func (a *Actor) dropPendingMessage(agentID string) {
	a.mu.Lock()
	removeFromPending(&a.state.PendingAIMessages, agentID)
	a.mu.Unlock()
}

func removeFromPending(s *[]string, v string) {
	out := (*s)[:0]
	for _, x := range *s {
		if x != v {
			out = append(out, x)
		}
	}
	*s = out
}

func typingDelayFor(text string) time.Duration {
	ms := 200 + len(text)*20
	if ms > 3000 {
		ms = 3000
	}
	return time.Duration(ms) * time.Millisecond
}

func typingEvent(roomCode, agentID, state string) types.Event {
	return types.NewEvent(roomCode, types.EventTyping, map[string]interface{}{"agent": agentID, "state": state})
}

func chatHistoryLines(log []engine.ChatMessage) []string {
	lines := make([]string, 0, len(log))
	for _, m := range log {
		lines = append(lines, m.Sender+": "+m.Text)
	}
	return lines
}

// transitionToVoting closes discussion, cancels dangling typing
// indicators, and opens the voting window for every active agent.
func (a *Actor) transitionToVoting() {
	a.mu.Lock()
	var danglingAgents []string
	for _, id := range a.state.ActivePlayers() {
		if a.state.Players[id].Role == engine.RoleAI {
			danglingAgents = append(danglingAgents, id)
		}
	}
	ev := engine.TransitionToVoting(a.state, a.deps.Clock.Now())
	a.state.Reduce(ev)
	a.mu.Unlock()

	for _, id := range danglingAgents {
		a.bus.Publish(typingEvent(a.code, id, "stop"))
	}
	a.bus.Publish(types.NewEvent(a.code, types.EventPhase, map[string]interface{}{"phase": string(engine.PhaseVoting)}))

	for _, id := range danglingAgents {
		a.launchAgentVoteTask(id)
	}
}

func (a *Actor) launchAgentVoteTask(agentID string) {
	if !a.tryEnterProcessing(agentID) {
		return
	}
	personality := a.Snapshot().Players[agentID].Personality
	a.deps.Dispatcher.Dispatch(a.ctx, a.code, agentID, "vote", func(ctx context.Context) {
		a.runAgentVoteTask(ctx, agentID, personality)
	})
}

func (a *Actor) runAgentVoteTask(ctx context.Context, agentID, personality string) {
	defer a.leaveProcessing(agentID)
	if a.phaseNow() != engine.PhaseVoting {
		return
	}

	a.mu.Lock()
	history := chatHistoryLines(a.state.ChatLog)
	var candidates []string
	for _, id := range a.state.ActivePlayers() {
		if id != agentID {
			candidates = append(candidates, id)
		}
	}
	a.mu.Unlock()

	genCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	target := a.vote.Generate(genCtx, agent.VoteInput{
		AgentID:        agentID,
		Personality:    personality,
		Candidates:     candidates,
		VisibleHistory: history,
	})
	cancel()
	if target == "" {
		return
	}

	if a.phaseNow() != engine.PhaseVoting {
		return
	}
	a.mu.Lock()
	if a.state.Phase != engine.PhaseVoting {
		a.mu.Unlock()
		return
	}
	if _, already := a.state.Votes[agentID]; already {
		a.mu.Unlock()
		return
	}
	a.state.Votes[agentID] = target
	if p, ok := a.state.Players[agentID]; ok {
		p.Voted = true
		a.state.Players[agentID] = p
	}
	removeFromPending(&a.state.PendingAIVotes, agentID)
	a.mu.Unlock()

	a.bus.Publish(types.NewEvent(a.code, types.EventVoted, map[string]interface{}{"voter": agentID}))
	select {
	case a.voteCh <- struct{}{}:
	default:
	}
}

func (a *Actor) runVoting(cfg engine.Config) {
	deadline := a.deps.Clock.After(time.Duration(cfg.VotingTimeSec) * time.Second)
	for {
		if a.allActiveVoted() {
			return
		}
		select {
		case <-a.ctx.Done():
			return
		case <-deadline:
			return
		case <-a.voteCh:
		}
	}
}

func (a *Actor) allActiveVoted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.state.ActivePlayers() {
		if _, voted := a.state.Votes[id]; !voted {
			return false
		}
	}
	return true
}

// resolveElimination tallies votes, emits the elimination/voting_result
// events, and handles the terminal game_over transition. It returns true
// once the game has ended.
func (a *Actor) resolveElimination() bool {
	a.mu.Lock()
	elim, outcome, noVotes := engine.ResolveElimination(a.state, a.deps.Clock.Now(), a.rng)
	if !noVotes {
		a.state.Reduce(elim)
	}
	var ended bool
	if outcome != nil {
		a.state.Reduce(*outcome)
		ended = true
	}
	snap := a.state.Copy()
	a.mu.Unlock()

	if !noVotes {
		counts := map[string]int{}
		for _, target := range snap.Votes {
			counts[target]++
		}
		a.bus.Publish(types.NewEvent(a.code, types.EventVotingResult, map[string]interface{}{
			"counts":  counts,
			"suspect": elim.Payload["target"],
			"role":    elim.Payload["role"],
		}))
		a.bus.Publish(types.NewEvent(a.code, types.EventElimination, map[string]interface{}{
			"player_id": elim.Payload["target"],
			"role":      elim.Payload["role"],
		}))
	}

	if outcome != nil {
		a.bus.Publish(types.NewEvent(a.code, types.EventGameOver, map[string]interface{}{
			"winner":           outcome.Payload["winner"],
			"selected_suspect": snap.SelectedSuspect,
			"suspect_role":     snap.SuspectRole,
		}))
	}
	return ended
}

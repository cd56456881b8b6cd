package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// TaskTypeAgentGeneration is the one task type the dispatch fabric
// carries: "run this agent-generation closure". The closure itself
// cannot cross the wire, so it is kept in a local registry keyed by task
// ID and the published message only carries the ID; the same process's
// worker resolves and executes it.
const TaskTypeAgentGeneration = "agent_generation"

// Dispatcher decides where agent-generation work executes: by default
// every Dispatch call just launches a goroutine; when a Queue is
// attached, Dispatch instead publishes a handle and a background worker
// executes it, falling back to inline execution if the publish fails or
// no queue is attached at all.
type Dispatcher struct {
	queue *Queue

	mu      sync.Mutex
	pending map[string]func(ctx context.Context)
}

// NewDispatcher builds a Dispatcher. Pass a nil queue to always run
// inline (the default when no broker is configured).
func NewDispatcher(q *Queue) *Dispatcher {
	d := &Dispatcher{queue: q, pending: make(map[string]func(ctx context.Context))}
	if q != nil {
		q.RegisterHandler(TaskTypeAgentGeneration, d.runPending)
	}
	return d
}

// Dispatch runs fn, either inline as a goroutine or via the attached
// queue. agentID and kind ("message" or "vote") are carried on the
// published Task purely for broker-side observability (logging,
// metrics on the consumer side); they play no role in what fn does,
// since the single-flight/defense-in-depth discipline inside fn is
// identical either way — only where it runs changes.
func (d *Dispatcher) Dispatch(ctx context.Context, roomCode, agentID, kind string, fn func(ctx context.Context)) {
	if d.queue == nil {
		go fn(ctx)
		return
	}

	id := uuid.NewString()
	d.mu.Lock()
	d.pending[id] = fn
	d.mu.Unlock()

	err := d.queue.Publish(ctx, Task{
		ID:      id,
		Type:    TaskTypeAgentGeneration,
		RoomID:  roomCode,
		AgentID: agentID,
		Kind:    kind,
	})
	if err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		go fn(ctx)
	}
}

func (d *Dispatcher) runPending(ctx context.Context, task Task) (map[string]interface{}, error) {
	d.mu.Lock()
	fn, ok := d.pending[task.ID]
	delete(d.pending, task.ID)
	d.mu.Unlock()
	if !ok {
		return map[string]interface{}{"skipped": true}, nil
	}
	fn(ctx)
	return map[string]interface{}{"ran": true}, nil
}

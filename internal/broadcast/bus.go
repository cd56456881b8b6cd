// Package broadcast implements the per-room connection fan-out: an
// ordered, best-effort delivery bus that the room actor and phase
// orchestrator push events through. A failed send closes that one
// connection without affecting the room or other subscribers.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/qingchang/social-deduction-arena/internal/observability"
	"github.com/qingchang/social-deduction-arena/internal/types"
)

// Sink receives events for one connection, in enqueue order. Send must
// not block for long; a slow or failing sink should return an error so
// the bus can drop it.
type Sink interface {
	Send(ev types.Event) error
}

// Bus is a per-room set of connections. Each subscriber gets its own
// buffered queue and delivery goroutine so one slow connection never
// blocks delivery to the others, while still preserving per-connection
// order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	seq         int64
	metrics     *observability.Metrics
}

type subscriber struct {
	sink  Sink
	queue chan queuedEvent
	done  chan struct{}
}

type queuedEvent struct {
	ev       types.Event
	enqueued time.Time
}

func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// NewWithMetrics is New plus a Metrics bundle the bus reports
// publish-to-delivery-attempt latency into.
func NewWithMetrics(metrics *observability.Metrics) *Bus {
	return &Bus{subscribers: make(map[string]*subscriber), metrics: metrics}
}

// Subscribe registers sink under id (typically a connection id) and
// starts its delivery goroutine. Calling Subscribe with an id already in
// use replaces the previous subscriber.
func (b *Bus) Subscribe(id string, sink Sink) {
	sub := &subscriber{
		sink:  sink,
		queue: make(chan queuedEvent, 64),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	go sub.run(b.metrics, func() { b.Unsubscribe(id) })
}

func (s *subscriber) run(metrics *observability.Metrics, onFailure func()) {
	for {
		select {
		case qe, ok := <-s.queue:
			if !ok {
				return
			}
			if !s.deliver(qe, metrics) {
				onFailure()
				return
			}
		case <-s.done:
			// Drain anything enqueued before the close so terminal events
			// (room_terminated) published just ahead of teardown still land.
			for {
				select {
				case qe := <-s.queue:
					if !s.deliver(qe, metrics) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *subscriber) deliver(qe queuedEvent, metrics *observability.Metrics) bool {
	if metrics != nil {
		metrics.BroadcastLatency.Observe(float64(time.Since(qe.enqueued).Milliseconds()))
	}
	return s.sink.Send(qe.ev) == nil
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish enqueues ev to every current subscriber. Delivery is best
// effort: a full queue drops the event for that connection rather than
// blocking the publisher (a backed-up client should not stall the room).
// Every event is stamped with a room-wide monotonic sequence number and
// server timestamp before fan-out, so a client can detect a gap in its
// own delivered subsequence even though cross-connection ordering is not
// guaranteed.
func (b *Bus) Publish(ev types.Event) {
	ev.Seq = atomic.AddInt64(&b.seq, 1)
	ev.ServerTSMs = time.Now().UnixMilli()
	qe := queuedEvent{ev: ev, enqueued: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.queue <- qe:
		default:
		}
	}
}

// Count returns the number of active subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// CloseAll tears down every subscriber, e.g. on room termination.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
	}
}

package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qingchang/social-deduction-arena/internal/types"
)

type orderedSink struct {
	mu   sync.Mutex
	seqs []int64
}

func (s *orderedSink) Send(ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, ev.Seq)
	return nil
}

func (s *orderedSink) snapshot() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.seqs))
	copy(out, s.seqs)
	return out
}

func TestPublishPreservesPerConnectionOrder(t *testing.T) {
	b := New()
	sink := &orderedSink{}
	b.Subscribe("conn-1", sink)

	for i := 0; i < 20; i++ {
		b.Publish(types.NewEvent("AB12CD", types.EventMessage, map[string]interface{}{"i": i}))
	}

	deadline := time.Now().Add(time.Second)
	for len(sink.snapshot()) < 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	seqs := sink.snapshot()
	if len(seqs) != 20 {
		t.Fatalf("expected 20 delivered events, got %d", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("events delivered out of enqueue order: %v", seqs)
		}
	}
}

type failingSink struct{}

func (failingSink) Send(types.Event) error { return errors.New("boom") }

func TestFailingSinkIsDroppedWithoutAffectingOthers(t *testing.T) {
	b := New()
	sink := &orderedSink{}
	b.Subscribe("good", sink)
	b.Subscribe("bad", failingSink{})

	b.Publish(types.NewEvent("AB12CD", types.EventMessage, nil))

	deadline := time.Now().Add(time.Second)
	for b.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if b.Count() != 1 {
		t.Fatalf("expected the failing subscriber to be dropped, count=%d", b.Count())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sink := &orderedSink{}
	b.Subscribe("conn-1", sink)
	b.Unsubscribe("conn-1")

	b.Publish(types.NewEvent("AB12CD", types.EventMessage, nil))
	time.Sleep(20 * time.Millisecond)

	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %v", sink.snapshot())
	}
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.Count())
	}
}

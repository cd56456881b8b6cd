package llm

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/qingchang/social-deduction-arena/internal/observability"
)

// FallbackProvider returns deterministic canned responses. It backs the
// degraded mode when LLM_API_KEY is unset and is the provider exercised
// directly in tests that don't want network calls. A single instance is
// shared process-wide across every room's agent tasks, so rng access is
// mutex-guarded.
type FallbackProvider struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewFallbackProvider() *FallbackProvider {
	return &FallbackProvider{rng: rand.New(rand.NewSource(1))}
}

func (f *FallbackProvider) Decide(ctx context.Context, sys, user string) (string, error) {
	f.mu.Lock()
	speak := f.rng.Float64() < 0.3
	f.mu.Unlock()
	if speak {
		return `{"should_respond": true, "reason": "fallback"}`, nil
	}
	return `{"should_respond": false, "reason": "fallback"}`, nil
}

var fallbackAgreements = []string{
	"I think that's a fair point.",
	"Makes sense to me.",
	"I'm still thinking it over.",
	"Could go either way, honestly.",
}

func (f *FallbackProvider) GenerateMessage(ctx context.Context, sys, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fallbackAgreements[f.rng.Intn(len(fallbackAgreements))], nil
}

func (f *FallbackProvider) GenerateVote(ctx context.Context, sys, user string) (string, error) {
	return `{"vote": "", "reason": "fallback"}`, nil
}

// Router wraps a selected Provider with a bounded concurrency semaphore
// and a circuit breaker, so a flaky or overloaded provider degrades to
// the fallback instead of stalling every room's agent tasks.
type Router struct {
	primary  Provider
	fallback Provider
	// sem caps in-flight provider calls: a slot is held for the full
	// duration of each call, not merely at admission time.
	sem     chan struct{}
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Metrics
}

// RouterConfig tunes the semaphore and breaker wrapping the primary
// provider.
type RouterConfig struct {
	// MaxConcurrent bounds in-flight provider calls across all rooms.
	MaxConcurrent int
	// ConsecutiveFailures opens the breaker after this many failures in a row.
	ConsecutiveFailures uint32
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{MaxConcurrent: 8, ConsecutiveFailures: 5}
}

func NewRouter(primary Provider, cfg RouterConfig) *Router {
	return NewRouterWithMetrics(primary, cfg, nil)
}

// NewRouterWithMetrics is NewRouter plus an optional Metrics bundle the
// router reports per-kind generation latency and fallback counts into.
func NewRouterWithMetrics(primary Provider, cfg RouterConfig, metrics *observability.Metrics) *Router {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "llm-provider",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	})
	return &Router{
		primary:  primary,
		fallback: NewFallbackProvider(),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		breaker:  breaker,
		metrics:  metrics,
	}
}

func (r *Router) call(ctx context.Context, kind string, fn func(Provider) (string, error), fallbackFn func(Provider) (string, error)) (string, error) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.AgentLatency.WithLabelValues(kind).Observe(float64(time.Since(start).Milliseconds()))
		}
	}()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		r.recordFallback(kind)
		return fallbackFn(r.fallback)
	}
	defer func() { <-r.sem }()

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return fn(r.primary)
	})
	if err != nil {
		r.recordFallback(kind)
		return fallbackFn(r.fallback)
	}
	return result.(string), nil
}

func (r *Router) recordFallback(kind string) {
	if r.metrics != nil {
		r.metrics.AgentErrorTotal.WithLabelValues(kind).Inc()
	}
}

func (r *Router) Decide(ctx context.Context, sys, user string) (string, error) {
	return r.call(ctx, "decide",
		func(p Provider) (string, error) { return p.Decide(ctx, sys, user) },
		func(p Provider) (string, error) { return p.Decide(ctx, sys, user) })
}

func (r *Router) GenerateMessage(ctx context.Context, sys, user string) (string, error) {
	return r.call(ctx, "message",
		func(p Provider) (string, error) { return p.GenerateMessage(ctx, sys, user) },
		func(p Provider) (string, error) { return p.GenerateMessage(ctx, sys, user) })
}

func (r *Router) GenerateVote(ctx context.Context, sys, user string) (string, error) {
	return r.call(ctx, "vote",
		func(p Provider) (string, error) { return p.GenerateVote(ctx, sys, user) },
		func(p Provider) (string, error) { return p.GenerateVote(ctx, sys, user) })
}

var _ Provider = (*Router)(nil)

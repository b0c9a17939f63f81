// Package guard bounds recursion depth and live invocations.
package guard

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/vinayprograms/rlm/internal/invocation"
)

// Limits configures a Guard.
type Limits struct {
	MaxDepth    int // requests with Depth >= MaxDepth are rejected
	MaxLive     int // live invocations for the task
	TokenBudget int // 0 = unbounded
}

// Pool is a process-wide ceiling shared by per-task guards.
type Pool struct {
	sem *semaphore.Weighted
	max int64
}

// NewPool creates a pool admitting at most max live invocations.
func NewPool(max int) *Pool {
	return &Pool{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Guard validates depth and concurrency for one top-level task. It never
// queues: a request that cannot be admitted is rejected immediately.
type Guard struct {
	limits Limits
	live   *semaphore.Weighted
	pool   *Pool

	count  atomic.Int64
	tokens atomic.Int64

	mu   sync.Mutex
	peak int64
}

// New creates a guard for one task. pool may be nil.
func New(limits Limits, pool *Pool) *Guard {
	if limits.MaxLive < 1 {
		limits.MaxLive = 1
	}
	return &Guard{
		limits: limits,
		live:   semaphore.NewWeighted(int64(limits.MaxLive)),
		pool:   pool,
	}
}

// Admit checks req against the limits. On success the caller must call
// release exactly once when the invocation finishes.
func (g *Guard) Admit(req invocation.Request) (release func(), rejection *invocation.Error) {
	if req.Depth >= g.limits.MaxDepth {
		return nil, invocation.NewError(invocation.RecursionLimitExceeded,
			"depth %d exceeds maximum depth %d", req.Depth, g.limits.MaxDepth-1)
	}
	if g.limits.TokenBudget > 0 && g.tokens.Load() >= int64(g.limits.TokenBudget) {
		return nil, invocation.NewError(invocation.BudgetExceeded,
			"token budget %d spent", g.limits.TokenBudget)
	}
	if !g.live.TryAcquire(1) {
		return nil, invocation.NewError(invocation.ConcurrencyLimitExceeded,
			"%d live invocations for task", g.limits.MaxLive)
	}
	if g.pool != nil && !g.pool.sem.TryAcquire(1) {
		g.live.Release(1)
		return nil, invocation.NewError(invocation.ConcurrencyLimitExceeded,
			"%d live invocations in process", g.pool.max)
	}

	n := g.count.Add(1)
	g.mu.Lock()
	if n > g.peak {
		g.peak = n
	}
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.count.Add(-1)
			if g.pool != nil {
				g.pool.sem.Release(1)
			}
			g.live.Release(1)
		})
	}, nil
}

// Charge records tokens spent by the task.
func (g *Guard) Charge(tokens int) {
	if tokens > 0 {
		g.tokens.Add(int64(tokens))
	}
}

// Live returns the number of admitted, unreleased invocations.
func (g *Guard) Live() int {
	return int(g.count.Load())
}

// Peak returns the highest live count observed.
func (g *Guard) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.peak)
}

// Tokens returns tokens charged so far.
func (g *Guard) Tokens() int {
	return int(g.tokens.Load())
}

// MaxDepth returns the configured depth limit.
func (g *Guard) MaxDepth() int {
	return g.limits.MaxDepth
}

// Package engine drives a task recorded in the focus record through a bounded
// tree of recursive model invocations, one plan step at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/rlm/internal/archive"
	"github.com/vinayprograms/rlm/internal/config"
	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/escalation"
	"github.com/vinayprograms/rlm/internal/focus"
	"github.com/vinayprograms/rlm/internal/guard"
	"github.com/vinayprograms/rlm/internal/invocation"
	"github.com/vinayprograms/rlm/internal/metrics"
	"github.com/vinayprograms/rlm/internal/router"
	"github.com/vinayprograms/rlm/internal/sandbox"
)

// Report summarizes a Run.
type Report struct {
	Task       focus.Task
	Final      focus.State // the record as it stood when Run returned, before any reset
	Status     focus.Status
	Iterations int
}

// Options wires an Engine. Store, Gateway and Port are required.
type Options struct {
	Store    *focus.Store
	Gateway  Completer
	Router   *router.Router
	Port     sandbox.Port
	Registry *contextobj.Registry
	Index    *contextobj.Index // optional knowledge snippets
	Planner  Planner           // defaults to a ModelPlanner on Gateway
	Archiver archive.Archiver
	Notifier escalation.Notifier
	Metrics  *metrics.Metrics
	Pool     *guard.Pool // process-wide live ceiling, optional
	Watcher  *focus.Watcher
	Config   config.EngineConfig
	Snippets int
	Owner    string // lease owner id; generated when empty
}

// Engine is the control loop over one focus record.
type Engine struct {
	store    *focus.Store
	gateway  Completer
	router   *router.Router
	port     sandbox.Port
	registry *contextobj.Registry
	index    *contextobj.Index
	planner  Planner
	archiver archive.Archiver
	notifier escalation.Notifier
	metrics  *metrics.Metrics
	pool     *guard.Pool
	watcher  *focus.Watcher
	cfg      config.EngineConfig
	snippets int
	owner    string
	logger   *logging.Logger

	mu           sync.Mutex
	guards       map[string]*guard.Guard
	journals     map[string]*archive.Journal
	planFailures map[string]int
	backoff      time.Duration
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Gateway == nil || opts.Port == nil {
		return nil, errors.New("engine requires a focus store, a gateway and a sandbox port")
	}
	cfg := opts.Config
	def := config.New().Engine
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxLive <= 0 {
		cfg.MaxLive = def.MaxLive
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.ScratchTail < 0 {
		cfg.ScratchTail = 0
	}
	if cfg.LeaseTTL.Duration <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}

	e := &Engine{
		store:        opts.Store,
		gateway:      opts.Gateway,
		router:       opts.Router,
		port:         opts.Port,
		registry:     opts.Registry,
		index:        opts.Index,
		planner:      opts.Planner,
		archiver:     opts.Archiver,
		metrics:      opts.Metrics,
		pool:         opts.Pool,
		watcher:      opts.Watcher,
		cfg:          cfg,
		snippets:     opts.Snippets,
		owner:        opts.Owner,
		logger:       logging.New().WithComponent("engine"),
		guards:       make(map[string]*guard.Guard),
		journals:     make(map[string]*archive.Journal),
		planFailures: make(map[string]int),
	}
	if e.router == nil {
		e.router = router.New(nil)
	}
	if e.registry == nil {
		reg, err := contextobj.NewRegistry(contextobj.DefaultCapacity)
		if err != nil {
			return nil, err
		}
		e.registry = reg
	}
	if e.planner == nil {
		e.planner = NewModelPlanner(opts.Gateway)
	}
	if opts.Notifier != nil {
		e.notifier = escalation.NewOnce(opts.Notifier)
	}
	if e.owner == "" {
		e.owner = uuid.New().String()
	}
	return e, nil
}

// Store returns the focus store the engine drives.
func (e *Engine) Store() *focus.Store { return e.store }

// Run starts a new task when directive is non-empty, then iterates until the
// task completes, blocks, is abandoned or the iteration limit is reached.
// Optional steps skip planning.
func (e *Engine) Run(ctx context.Context, directive string, steps ...string) (report *Report, err error) {
	lease, release, err := e.hold(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := startRunSpan(ctx, "")
	defer func() { endRunSpan(span, report, err) }()

	if strings.TrimSpace(directive) != "" {
		if err := e.begin(directive, steps); err != nil {
			return nil, err
		}
	}

	report = &Report{}
	for report.Iterations < e.cfg.MaxIterations {
		if err := e.wait(ctx); err != nil {
			e.logger.Info("cancelled during back-off", nil)
		}
		if err := lease.Renew(); err != nil {
			return report, err
		}
		st, err := e.step(ctx)
		report.Iterations++
		if err != nil {
			return report, err
		}
		report.Final = st
		report.Task = st.Task
		report.Status = e.store.Status(st)

		switch report.Status {
		case focus.StatusCompleted, focus.StatusAbandoned, focus.StatusBlocked, focus.StatusIdle:
			return report, nil
		}
	}
	e.logger.Warn("iteration limit reached", map[string]interface{}{
		"task":       report.Task.ID,
		"iterations": report.Iterations,
		"status":     string(report.Status),
	})
	return report, nil
}

// RunStep performs one iteration under the focus lease.
func (e *Engine) RunStep(ctx context.Context) (focus.State, error) {
	_, release, err := e.hold(ctx)
	if err != nil {
		return focus.State{}, err
	}
	defer release()
	return e.step(ctx)
}

// Begin starts a new task without running it.
func (e *Engine) Begin(directive string, steps []string) (focus.State, error) {
	_, release, err := e.hold(context.Background())
	if err != nil {
		return focus.State{}, err
	}
	defer release()
	if err := e.begin(directive, steps); err != nil {
		return focus.State{}, err
	}
	return e.store.Load()
}

// hold takes the focus lease, binds it to the store and renews it in the
// background until release is called.
func (e *Engine) hold(ctx context.Context) (*focus.Lease, func(), error) {
	lease, err := focus.AcquireLease(e.store.Path(), e.owner, e.cfg.LeaseTTL.Duration)
	if err != nil {
		return nil, nil, err
	}
	e.store.Bind(lease)

	keepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.keepAlive(keepCtx, lease)
	}()

	release := func() {
		cancel()
		<-done
		e.store.Bind(nil)
		if err := lease.Release(); err != nil {
			e.logger.Warn("lease release failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return lease, release, nil
}

// keepAlive renews lease at a third of its TTL until ctx is done or the
// lease is lost.
func (e *Engine) keepAlive(ctx context.Context, lease *focus.Lease) {
	interval := lease.TTL() / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Renew(); err != nil {
				e.logger.Error("focus lease lost", map[string]interface{}{"error": err.Error()})
				return
			}
		}
	}
}

func (e *Engine) begin(directive string, steps []string) error {
	st, err := e.store.Begin(directive, directive)
	if err != nil {
		return err
	}
	e.journal(st.Task.ID).Add(archive.Event{Type: archive.EventTaskStart, Content: truncate(directive, 2000)})
	e.logger.Info("task started", map[string]interface{}{"task": st.Task.ID})
	if len(steps) > 0 {
		if _, err := e.store.ApplyPlan(steps); err != nil {
			return err
		}
		e.journal(st.Task.ID).Add(archive.Event{Type: archive.EventPlan, Content: strings.Join(steps, "\n")})
	}
	return nil
}

// step is one iteration. The record is re-read every time; nothing is cached
// across iterations so human edits are always honoured.
func (e *Engine) step(ctx context.Context) (focus.State, error) {
	st, err := e.store.Load()
	if err != nil {
		return focus.State{}, err
	}
	if e.watcher != nil {
		e.watcher.Clear()
	}

	status := e.store.Status(st)
	if st.Terminal() {
		return e.finish(ctx, st)
	}
	if status == focus.StatusIdle {
		return st, nil
	}

	if st.CancelRequested || ctx.Err() != nil {
		reason := "cancellation requested"
		if ctx.Err() != nil {
			reason = "cancelled: " + ctx.Err().Error()
		}
		st, err = e.store.Abandon(reason)
		if err != nil {
			return focus.State{}, err
		}
		e.journal(st.Task.ID).Add(archive.Event{Type: archive.EventAbandoned, Content: reason})
		return e.finish(ctx, st)
	}

	switch status {
	case focus.StatusPlanning:
		return e.plan(ctx, st)
	case focus.StatusBlocked:
		e.escalate(ctx, st)
		return st, nil
	case focus.StatusCompleted:
		return e.complete(ctx)
	default:
		return e.execute(ctx, st)
	}
}

// plan asks the planner for steps. Repeated planning failures abandon the task.
func (e *Engine) plan(ctx context.Context, st focus.State) (focus.State, error) {
	runCtx, cancel := e.detached(ctx)
	defer cancel()

	handle := e.registry.Create(contextobj.Scope{
		TaskID:    st.Task.ID,
		Directive: st.Directive,
		Scratch:   st.ScratchTail(e.cfg.ScratchTail),
		Snippets:  e.search(runCtx, st.Directive),
	})
	defer e.registry.Release(handle)

	steps, err := e.planner.Plan(runCtx, st.Directive, handle)
	if err == nil {
		st, err = e.store.ApplyPlan(steps)
		if err != nil {
			return focus.State{}, err
		}
		e.mu.Lock()
		delete(e.planFailures, st.Task.ID)
		e.mu.Unlock()
		e.journal(st.Task.ID).Add(archive.Event{Type: archive.EventPlan, Content: strings.Join(steps, "\n")})
		e.logger.Info("plan applied", map[string]interface{}{"task": st.Task.ID, "steps": len(steps)})
		return st, nil
	}

	e.mu.Lock()
	e.planFailures[st.Task.ID]++
	failures := e.planFailures[st.Task.ID]
	e.mu.Unlock()
	e.logger.Warn("planning failed", map[string]interface{}{
		"task":    st.Task.ID,
		"attempt": failures,
		"error":   err.Error(),
	})
	if st, err2 := e.store.Note("planning failed: " + err.Error()); err2 != nil {
		return st, err2
	}
	if failures <= e.store.Threshold() {
		return e.store.Load()
	}
	st, err = e.store.Abandon(fmt.Sprintf("planning failed %d times", failures))
	if err != nil {
		return focus.State{}, err
	}
	return e.finish(ctx, st)
}

// execute attempts the current step, feeding Intermediate output back until a
// terminal result, a failure or the round limit.
func (e *Engine) execute(ctx context.Context, st focus.State) (focus.State, error) {
	idx := st.CurrentIndex()
	step := st.Plan[idx]
	journal := e.journal(st.Task.ID)
	journal.Add(archive.Event{Type: archive.EventStepStart, Step: idx + 1, Content: step.Text})

	// In-flight work is not interrupted by cancellation; it is bounded by its timeout.
	runCtx, cancel := e.detached(ctx)
	defer cancel()
	runCtx, span := startStepSpan(runCtx, st, idx)

	handle := e.buildHandle(runCtx, st, step)
	defer e.registry.Release(handle)

	inv := e.invoker(st.Task.ID)
	prompt := &StepPrompt{
		TaskID:    st.Task.ID,
		Directive: st.Directive,
		Step:      step.Text,
		Index:     idx + 1,
		Total:     len(st.Plan),
		Attempt:   step.RetryCount + 1,
	}
	if step.RetryCount > 0 {
		prompt.LastFailure = st.LastFailure
	}

	var res invocation.Result
	stale := false
	for round := 1; ; round++ {
		res = inv.Invoke(runCtx, invocation.Request{
			TaskID:       st.Task.ID,
			Depth:        0,
			Instructions: prompt.Build(),
			Handle:       handle,
			Hint:         StepHint(step.Text),
			Root:         idx == 0 && step.RetryCount == 0 && round == 1,
		})
		if res.Kind != invocation.KindIntermediate || round >= e.cfg.MaxRounds {
			break
		}
		if e.watcher != nil && e.watcher.Stale() {
			stale = true
			break
		}
		prompt.AddRound(res.Output)
	}

	// The record may have changed while the invocation ran.
	cur, err := e.store.Load()
	if err != nil {
		endStepSpan(span, "error", err)
		return focus.State{}, err
	}
	if moved(st, cur, idx) {
		journal.Add(archive.Event{Type: archive.EventExternalEdit, Step: idx + 1, Content: "record changed during step; result discarded"})
		e.logger.Info("focus record changed during step, discarding result", map[string]interface{}{"task": st.Task.ID, "step": idx + 1})
		endStepSpan(span, "discarded", nil)
		return cur, nil
	}

	switch {
	case res.Terminal():
		endStepSpan(span, "done", nil)
		return e.advance(ctx, st.Task.ID, idx, res.Value)
	case res.Kind == invocation.KindIntermediate && stale:
		journal.Add(archive.Event{Type: archive.EventExternalEdit, Step: idx + 1, Content: "record edited externally; step interrupted"})
		endStepSpan(span, "interrupted", nil)
		return e.store.Note(fmt.Sprintf("step %d interrupted by an external edit", idx+1))
	case res.Kind == invocation.KindIntermediate && e.cfg.AcceptIntermediate:
		endStepSpan(span, "done", nil)
		return e.advance(ctx, st.Task.ID, idx, res.Output)
	case res.Kind == invocation.KindIntermediate:
		ferr := invocation.NewError(invocation.RoundLimitExceeded,
			"no final result after %d rounds: %s", prompt.Rounds()+1, truncate(res.Output, 300))
		endStepSpan(span, "failed", ferr)
		return e.fail(ctx, st.Task.ID, idx, ferr)
	default:
		ferr := res.Err
		if ferr == nil {
			ferr = invocation.NewError(invocation.SandboxError, "invocation failed without detail")
		}
		endStepSpan(span, "failed", ferr)
		return e.fail(ctx, st.Task.ID, idx, ferr)
	}
}

// moved reports whether a human edit changed the task or its current step.
func moved(before, after focus.State, idx int) bool {
	if before.Task.ID != after.Task.ID || after.Terminal() {
		return true
	}
	if after.CurrentIndex() != idx {
		return true
	}
	return after.Plan[idx].Text != before.Plan[idx].Text
}

func (e *Engine) advance(ctx context.Context, taskID string, idx int, value string) (focus.State, error) {
	st, err := e.store.Advance(value)
	if err != nil {
		return focus.State{}, err
	}
	e.metrics.Step("done")
	e.journal(taskID).Add(archive.Event{Type: archive.EventStepDone, Step: idx + 1, Content: truncate(value, 2000)})
	e.logger.Info("step done", map[string]interface{}{"task": taskID, "step": idx + 1, "of": len(st.Plan)})
	if e.store.Status(st) == focus.StatusCompleted {
		return e.complete(ctx)
	}
	return st, nil
}

func (e *Engine) fail(ctx context.Context, taskID string, idx int, ferr *invocation.Error) (focus.State, error) {
	st, err := e.store.RecordFailure(ferr.Error())
	if err != nil {
		return focus.State{}, err
	}
	e.metrics.Step("failed")
	e.journal(taskID).Add(archive.Event{Type: archive.EventStepFailed, Step: idx + 1, Error: ferr.Error()})
	e.logger.Warn("step failed", map[string]interface{}{
		"task":    taskID,
		"step":    idx + 1,
		"retries": st.Plan[idx].RetryCount,
		"kind":    string(ferr.Kind),
	})
	if ferr.Kind == invocation.ConcurrencyLimitExceeded {
		e.mu.Lock()
		e.backoff = e.cfg.Backoff.Duration
		e.mu.Unlock()
	}
	if e.store.Status(st) == focus.StatusBlocked {
		e.journal(taskID).Add(archive.Event{Type: archive.EventBlocked, Step: idx + 1, Error: ferr.Error()})
		e.metrics.Task(string(focus.StatusBlocked))
		e.escalate(ctx, st)
	}
	return st, nil
}

func (e *Engine) complete(ctx context.Context) (focus.State, error) {
	st, err := e.store.Complete()
	if err != nil {
		return focus.State{}, err
	}
	e.journal(st.Task.ID).Add(archive.Event{Type: archive.EventCompleted, Content: fmt.Sprintf("%d steps", len(st.Plan))})
	return e.finish(ctx, st)
}

// finish archives a terminal record and resets the focus to Idle. The record
// is left in place when archival fails, so the next iteration retries it.
func (e *Engine) finish(ctx context.Context, st focus.State) (focus.State, error) {
	record, err := focus.Marshal(st)
	if err != nil {
		return st, err
	}
	status := e.store.Status(st)
	entry := archive.Entry{
		Task:      st.Task,
		Status:    status,
		Summary:   Summarize(st),
		Directive: st.Directive,
		Record:    string(record),
		Events:    e.journal(st.Task.ID).Events(),
	}
	if e.archiver != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		err := e.archiver.Archive(actx, entry)
		cancel()
		if err != nil {
			e.logger.Error("archive failed, keeping record", map[string]interface{}{"task": st.Task.ID, "error": err.Error()})
			return st, fmt.Errorf("failed to archive task %s: %w", st.Task.ID, err)
		}
	}
	if err := e.store.Reset(); err != nil {
		return st, err
	}
	e.metrics.Task(string(status))
	e.logger.Info("task finished", map[string]interface{}{
		"task":    st.Task.ID,
		"outcome": string(st.Task.Outcome),
		"summary": entry.Summary,
	})

	e.mu.Lock()
	delete(e.guards, st.Task.ID)
	delete(e.journals, st.Task.ID)
	delete(e.planFailures, st.Task.ID)
	e.mu.Unlock()
	return st, nil
}

// Summarize renders the one-line archive summary of a finished task.
func Summarize(st focus.State) string {
	directive := strings.TrimSpace(st.Directive)
	if i := strings.IndexByte(directive, '\n'); i >= 0 {
		directive = directive[:i]
	}
	return fmt.Sprintf("%s: %s (%d/%d steps)", st.Task.Outcome, truncate(directive, 120), st.Done(), len(st.Plan))
}

func (e *Engine) escalate(ctx context.Context, st focus.State) {
	if e.notifier == nil {
		return
	}
	idx := st.CurrentIndex()
	if idx < 0 {
		return
	}
	n := escalation.Notice{
		TaskID:     st.Task.ID,
		Directive:  st.Directive,
		Step:       idx + 1,
		StepText:   st.Plan[idx].Text,
		RetryCount: st.Plan[idx].RetryCount,
		Detail:     st.LastFailure,
		Scratch:    st.ScratchTail(e.cfg.ScratchTail),
		RecordPath: e.store.Path(),
		At:         time.Now().UTC(),
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.notifier.Escalate(nctx, n); err != nil {
		e.logger.Error("escalation failed", map[string]interface{}{"task": st.Task.ID, "error": err.Error()})
	}
}

// buildHandle scopes the context for a step attempt.
func (e *Engine) buildHandle(ctx context.Context, st focus.State, step focus.Step) contextobj.Handle {
	scope := contextobj.Scope{
		TaskID:    st.Task.ID,
		Directive: st.Directive,
		Step:      step.Text,
		Scratch:   st.ScratchTail(e.cfg.ScratchTail),
		Snippets:  e.search(ctx, st.Directive+"\n"+step.Text),
	}
	if step.RetryCount > 0 {
		scope.LastFailure = st.LastFailure
	}
	return e.registry.Create(scope)
}

func (e *Engine) search(ctx context.Context, q string) []contextobj.Snippet {
	if e.index == nil || e.snippets <= 0 {
		return nil
	}
	snippets, err := e.index.Search(ctx, q, e.snippets)
	if err != nil {
		e.logger.Warn("knowledge search failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return snippets
}

func (e *Engine) invoker(taskID string) *Invoker {
	e.mu.Lock()
	g, ok := e.guards[taskID]
	if !ok {
		g = guard.New(guard.Limits{
			MaxDepth:    e.cfg.MaxDepth,
			MaxLive:     e.cfg.MaxLive,
			TokenBudget: e.cfg.TokenBudget,
		}, e.pool)
		e.guards[taskID] = g
	}
	e.mu.Unlock()

	return NewInvoker(InvokerConfig{
		Guard:            g,
		Router:           e.router,
		Gateway:          e.gateway,
		Port:             e.port,
		Registry:         e.registry,
		Metrics:          e.metrics,
		Journal:          e.journal(taskID),
		Timeout:          e.cfg.InvocationTimeout.Duration,
		ParallelSiblings: e.cfg.ParallelSiblings,
	})
}

func (e *Engine) journal(taskID string) *archive.Journal {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.journals[taskID]
	if !ok {
		j = archive.NewJournal(taskID)
		e.journals[taskID] = j
	}
	return j
}

// detached returns a context that survives cancellation of ctx but is
// bounded by the invocation timeout times the round limit.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	limit := e.cfg.InvocationTimeout.Duration
	if limit <= 0 {
		limit = 2 * time.Minute
	}
	return context.WithTimeout(context.WithoutCancel(ctx), limit*time.Duration(e.cfg.MaxRounds+1))
}

// wait sleeps for a pending back-off, returning early on cancellation.
func (e *Engine) wait(ctx context.Context) error {
	e.mu.Lock()
	d := e.backoff
	e.backoff = 0
	e.mu.Unlock()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

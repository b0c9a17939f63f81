package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/rlm/internal/archive"
	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/guard"
	"github.com/vinayprograms/rlm/internal/invocation"
	"github.com/vinayprograms/rlm/internal/metrics"
	"github.com/vinayprograms/rlm/internal/router"
	"github.com/vinayprograms/rlm/internal/sandbox"
)

// maxRepeats is how many identical nested calls in a row end an execution.
const maxRepeats = 3

// Completer sends one prompt to the model serving a class.
type Completer interface {
	Complete(ctx context.Context, req router.CompletionRequest) (*router.Completion, error)
}

// Invoker runs depth-tagged sub-invocations for one task: guard, route,
// complete, execute, interpret.
type Invoker struct {
	guard    *guard.Guard
	router   *router.Router
	gateway  Completer
	port     sandbox.Port
	registry *contextobj.Registry
	metrics  *metrics.Metrics
	journal  *archive.Journal

	timeout  time.Duration
	parallel bool
	logger   *logging.Logger
}

// InvokerConfig wires an Invoker.
type InvokerConfig struct {
	Guard    *guard.Guard
	Router   *router.Router
	Gateway  Completer
	Port     sandbox.Port
	Registry *contextobj.Registry
	Metrics  *metrics.Metrics
	Journal  *archive.Journal

	Timeout          time.Duration
	ParallelSiblings bool
}

// NewInvoker creates an invoker.
func NewInvoker(cfg InvokerConfig) *Invoker {
	if cfg.Router == nil {
		cfg.Router = router.New(nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Invoker{
		guard:    cfg.Guard,
		router:   cfg.Router,
		gateway:  cfg.Gateway,
		port:     cfg.Port,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		journal:  cfg.Journal,
		timeout:  cfg.Timeout,
		parallel: cfg.ParallelSiblings,
		logger:   logging.New().WithComponent("invoker"),
	}
}

// Invoke runs req to a result. It never returns an error: every failure is a
// Failed result carrying its kind.
func (v *Invoker) Invoke(ctx context.Context, req invocation.Request) invocation.Result {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	start := time.Now()

	release, rejection := v.guard.Admit(req)
	if rejection != nil {
		return v.finish(req, invocation.Failed(rejection), start)
	}
	defer release()
	v.metrics.LiveAdd(1)
	defer v.metrics.LiveAdd(-1)

	req.Class = v.router.Route(req)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = v.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := startInvocationSpan(ctx, req)
	comp, err := v.gateway.Complete(ctx, router.CompletionRequest{
		Class:  req.Class,
		System: SystemPrompt(req.Depth, v.guard.MaxDepth()),
		Prompt: req.Instructions,
		Handle: req.Handle,
	})
	if err != nil {
		res := invocation.Failed(classify(ctx, err, invocation.ProviderError))
		res = v.finish(req, res, start)
		endInvocationSpan(span, res)
		return res
	}
	v.guard.Charge(comp.InputTokens + comp.OutputTokens)

	res := v.interpret(ctx, req, comp.Text)
	res.Class = comp.Class
	res.InputTokens = comp.InputTokens
	res.OutputTokens = comp.OutputTokens
	res = v.finish(req, res, start)
	endInvocationSpan(span, res)
	return res
}

// interpret turns a completion into a result, running any code it carries.
func (v *Invoker) interpret(ctx context.Context, req invocation.Request, text string) invocation.Result {
	code, lang, ok := sandbox.ExtractCode(text)
	if !ok {
		if sig, found := sandbox.ParseSignal(text); found && sig.Kind == sandbox.SignalFinal {
			return invocation.Final(sig.Value)
		}
		return invocation.Intermediate(strings.TrimSpace(text))
	}

	c := &caller{inv: v, parent: req}
	out, err := v.port.Execute(ctx, sandbox.Execution{
		Code:   code,
		Lang:   lang,
		Handle: req.Handle,
		Depth:  req.Depth,
		Caller: c,
	})
	if err != nil {
		return invocation.Failed(classify(ctx, err, invocation.SandboxError))
	}
	if out == nil {
		return invocation.Failed(invocation.NewError(invocation.SandboxError, "sandbox returned no outcome"))
	}
	if detail := c.loopDetail(); detail != "" {
		return invocation.Failed(invocation.NewError(invocation.SandboxError, "%s", detail))
	}
	if out.ExitCode != 0 {
		return invocation.Failed(invocation.NewError(invocation.SandboxError,
			"exit status %d: %s", out.ExitCode, tail(out.Stderr, 400)))
	}

	var res invocation.Result
	switch out.Signal.Kind {
	case sandbox.SignalFinal:
		res = invocation.Final(out.Signal.Value)
	case sandbox.SignalFinalVar:
		value, bound := out.Vars[out.Signal.Value]
		if !bound {
			return invocation.Failed(invocation.NewError(invocation.SandboxError,
				"variable %q was never bound", out.Signal.Value))
		}
		res = invocation.FinalVar(out.Signal.Value, value)
	default:
		return invocation.Intermediate(strings.TrimSpace(out.Stdout))
	}
	res.Output = out.Stdout

	if failures := c.failures(); len(failures) > 0 {
		// A result built on a failed delegation is progress, not an answer.
		return invocation.Intermediate(strings.TrimSpace(res.Value + "\n\nnested call failed: " + strings.Join(failures, "; ")))
	}
	return res
}

func (v *Invoker) finish(req invocation.Request, res invocation.Result, start time.Time) invocation.Result {
	res.Depth = req.Depth
	res.Duration = time.Since(start)
	if res.Class == "" {
		res.Class = req.Class
	}

	v.metrics.Invocation(string(res.Class), strconv.Itoa(req.Depth), string(res.Kind), res.Duration, res.InputTokens+res.OutputTokens)
	fields := map[string]interface{}{
		"task":        req.TaskID,
		"depth":       req.Depth,
		"class":       string(res.Class),
		"result":      string(res.Kind),
		"duration_ms": res.Duration.Milliseconds(),
	}
	ev := archive.Event{
		Type:       archive.EventInvocation,
		Depth:      req.Depth,
		Class:      string(res.Class),
		Result:     string(res.Kind),
		Content:    truncate(res.Text(), 2000),
		DurationMs: res.Duration.Milliseconds(),
		TokensIn:   res.InputTokens,
		TokensOut:  res.OutputTokens,
	}
	if res.Err != nil {
		v.metrics.Failure(string(res.Err.Kind))
		fields["error"] = res.Err.Error()
		ev.Error = res.Err.Error()
		v.logger.Warn("invocation failed", fields)
	} else {
		v.logger.Debug("invocation finished", fields)
	}
	if v.journal != nil {
		v.journal.Add(ev)
	}
	return res
}

// classify maps an error to the failure taxonomy.
func classify(ctx context.Context, err error, fallback invocation.ErrorKind) *invocation.Error {
	var ie *invocation.Error
	if errors.As(err, &ie) {
		return ie
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return invocation.NewError(invocation.Timeout, "%v", err)
	}
	return invocation.NewError(fallback, "%v", err)
}

// caller serves nested calls for one execution, one level deeper.
type caller struct {
	inv    *Invoker
	parent invocation.Request

	mu      sync.Mutex
	last    string
	repeats int
	loop    string
	failed  []string
}

// Call implements sandbox.Caller.
func (c *caller) Call(ctx context.Context, call sandbox.Call) invocation.Result {
	if res, stop := c.admit(call); stop {
		return res
	}
	return c.run(ctx, call)
}

// CallAll implements sandbox.Caller. Siblings run concurrently unless the
// invoker is configured for sequential calls; the guard still bounds them.
func (c *caller) CallAll(ctx context.Context, calls []sandbox.Call) []invocation.Result {
	results := make([]invocation.Result, len(calls))
	runnable := make([]bool, len(calls))
	for i, call := range calls {
		res, stop := c.admit(call)
		if stop {
			results[i] = res
			continue
		}
		runnable[i] = true
	}

	if !c.inv.parallel {
		for i, call := range calls {
			if runnable[i] {
				results[i] = c.run(ctx, call)
			}
		}
		return results
	}

	var g errgroup.Group
	for i, call := range calls {
		if !runnable[i] {
			continue
		}
		g.Go(func() error {
			results[i] = c.run(ctx, call)
			return nil
		})
	}
	g.Wait()
	return results
}

// admit applies loop detection in issue order.
func (c *caller) admit(call sandbox.Call) (invocation.Result, bool) {
	key, _ := json.Marshal(call)
	c.mu.Lock()
	defer c.mu.Unlock()
	if string(key) == c.last {
		c.repeats++
	} else {
		c.last = string(key)
		c.repeats = 1
	}
	if c.repeats >= maxRepeats {
		c.loop = "nested call repeated " + strconv.Itoa(c.repeats) + " times: " + truncate(call.Instructions, 120)
		err := invocation.NewError(invocation.SandboxError, "%s", c.loop)
		c.failed = append(c.failed, err.Error())
		return invocation.Failed(err), true
	}
	return invocation.Result{}, false
}

func (c *caller) run(ctx context.Context, call sandbox.Call) invocation.Result {
	handle := c.parent.Handle
	if !handle.IsZero() && c.inv.registry != nil && (len(call.Keys) > 0 || call.Query != "") {
		derived, err := c.inv.registry.Derive(handle, contextobj.DeriveOptions{Keys: call.Keys, Query: call.Query})
		if err != nil {
			res := invocation.Failed(invocation.NewError(invocation.SandboxError, "%v", err))
			c.record(res)
			return res
		}
		handle = derived
		defer c.inv.registry.Release(derived)
	}

	depth := c.parent.Depth + 1
	res := c.inv.Invoke(ctx, invocation.Request{
		TaskID:       c.parent.TaskID,
		Depth:        depth,
		Instructions: BuildCallPrompt(depth, call.Instructions),
		Handle:       handle,
		Hint:         call.Hint,
	})
	c.record(res)
	return res
}

func (c *caller) record(res invocation.Result) {
	if res.Kind != invocation.KindFailed {
		return
	}
	c.mu.Lock()
	c.failed = append(c.failed, res.Text())
	c.mu.Unlock()
}

func (c *caller) failures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failed...)
}

func (c *caller) loopDetail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

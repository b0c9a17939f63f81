package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/rlm/internal/archive"
	"github.com/vinayprograms/rlm/internal/config"
	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/escalation"
	"github.com/vinayprograms/rlm/internal/focus"
	"github.com/vinayprograms/rlm/internal/guard"
	"github.com/vinayprograms/rlm/internal/invocation"
	"github.com/vinayprograms/rlm/internal/router"
	"github.com/vinayprograms/rlm/internal/sandbox"
)

type harness struct {
	engine   *Engine
	store    *focus.Store
	archive  *archive.FileStore
	notices  []escalation.Notice
	prompts  []string
	mu       sync.Mutex
	registry *contextobj.Registry
}

func (h *harness) promptsSeen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.prompts...)
}

// newHarness builds an engine over a temp focus record. reply answers each
// prompt; port may be nil when replies never carry code.
func newHarness(t *testing.T, reply func(prompt string) (string, error), port sandbox.Port, mutate func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{store: focus.NewStore(filepath.Join(dir, "FOCUS.md"), focus.DefaultThreshold)}

	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		prompt := req.Messages[len(req.Messages)-1].Content
		h.mu.Lock()
		h.prompts = append(h.prompts, prompt)
		h.mu.Unlock()
		text, err := reply(prompt)
		if err != nil {
			return nil, err
		}
		return &llm.ChatResponse{Content: text}, nil
	}

	reg, err := contextobj.NewRegistry(32)
	if err != nil {
		t.Fatal(err)
	}
	h.registry = reg
	gw := router.NewGateway(router.New(nil), reg)
	gw.Register(invocation.ClassCapable, provider, false)

	h.archive, err = archive.NewFileStore(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatal(err)
	}
	if port == nil {
		port = sandbox.PortFunc(func(ctx context.Context, ex sandbox.Execution) (*sandbox.Outcome, error) {
			return nil, errors.New("no sandbox in this test")
		})
	}

	cfg := config.New().Engine
	cfg.InvocationTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Backoff = config.Duration{Duration: time.Millisecond}
	opts := Options{
		Store:    h.store,
		Gateway:  gw,
		Port:     port,
		Registry: reg,
		Archiver: h.archive,
		Notifier: escalation.NotifierFunc(func(ctx context.Context, n escalation.Notice) error {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
			return nil
		}),
		Config: cfg,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.engine, err = New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func final(value string) func(string) (string, error) {
	return func(string) (string, error) { return "FINAL(" + value + ")", nil }
}

func TestScenarioA_StepSucceeds(t *testing.T) {
	h := newHarness(t, final("s1 done"), nil, nil)
	if _, err := h.engine.Begin("Do two things", []string{"s1", "s2"}); err != nil {
		t.Fatal(err)
	}

	st, err := h.engine.RunStep(context.Background())
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if st.Cursor != 1 || !st.Plan[0].Done || st.Plan[1].Done {
		t.Fatalf("expected cursor=1 plan=[done,pending], got cursor=%d plan=%+v", st.Cursor, st.Plan)
	}
	if got := h.store.Read(); got.Cursor != 1 || !got.Plan[0].Done {
		t.Errorf("record not persisted: %+v", got.Plan)
	}
	if !strings.Contains(st.Scratch, "step 1 done: s1 done") {
		t.Errorf("scratch missing step note:\n%s", st.Scratch)
	}
}

func TestScenarioB_RetryEscalation(t *testing.T) {
	h := newHarness(t, func(string) (string, error) { return "", errors.New("provider unavailable") }, nil, nil)
	h.engine.Begin("Flaky", []string{"s1", "s2"})

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		st, err := h.engine.RunStep(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got := h.store.Status(st); got != focus.StatusExecuting {
			t.Fatalf("after failure %d expected executing, got %s", i, got)
		}
	}
	if len(h.notices) != 0 {
		t.Fatal("escalated before the threshold was exceeded")
	}

	st, _ := h.engine.RunStep(ctx)
	if got := h.store.Status(st); got != focus.StatusBlocked {
		t.Fatalf("expected blocked after 4th failure, got %s", got)
	}
	if st.Plan[0].RetryCount != 4 {
		t.Errorf("expected retryCount 4, got %d", st.Plan[0].RetryCount)
	}
	if !strings.Contains(st.LastFailure, "provider_error") {
		t.Errorf("last failure should carry the kind: %q", st.LastFailure)
	}

	// Blocked tasks stay blocked, and the human is told once.
	st, _ = h.engine.RunStep(ctx)
	if h.store.Status(st) != focus.StatusBlocked || st.Plan[0].RetryCount != 4 {
		t.Errorf("blocked task must not be retried: %+v", st.Plan[0])
	}
	if len(h.notices) != 1 {
		t.Fatalf("expected one escalation, got %d", len(h.notices))
	}
	if n := h.notices[0]; n.Step != 1 || n.RetryCount != 4 || n.StepText != "s1" {
		t.Errorf("unexpected notice %+v", n)
	}
}

func TestScenarioC_DepthBoundInsideStep(t *testing.T) {
	var nested invocation.Result
	port := sandbox.PortFunc(func(ctx context.Context, ex sandbox.Execution) (*sandbox.Outcome, error) {
		if ex.Depth == 1 {
			nested = ex.Caller.Call(ctx, sandbox.Call{Instructions: "depth two"})
			return finalOutcome("claimed"), nil
		}
		r := ex.Caller.Call(ctx, sandbox.Call{Instructions: "depth one"})
		if r.Kind == invocation.KindFailed {
			return &sandbox.Outcome{ExitCode: 1, Stderr: r.Text()}, nil
		}
		return &sandbox.Outcome{Stdout: r.Text()}, nil
	})
	h := newHarness(t, func(string) (string, error) { return codeReply, nil }, port, func(o *Options) {
		o.Config.MaxDepth = 2
		o.Config.MaxRounds = 1
	})
	h.engine.Begin("Nest", []string{"s1"})

	st, err := h.engine.RunStep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if nested.Kind != invocation.KindFailed || nested.Err.Kind != invocation.RecursionLimitExceeded {
		t.Fatalf("depth-2 request should be rejected, got %+v", nested)
	}
	if st.Plan[0].Done {
		t.Fatal("step must not complete on a result built over a rejected call")
	}
	if st.Plan[0].RetryCount != 1 || !strings.Contains(st.LastFailure, "round_limit_exceeded") {
		t.Errorf("expected a round-limit failure, got retries=%d failure=%q", st.Plan[0].RetryCount, st.LastFailure)
	}
}

func TestScenarioD_CancelBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	h := newHarness(t, func(string) (string, error) {
		calls++
		cancel() // arrives while s1's invocation is in flight
		return "FINAL(s1 done)", nil
	}, nil, nil)

	report, err := h.engine.Run(ctx, "Two steps", "s1", "s2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != focus.StatusAbandoned {
		t.Fatalf("expected abandoned, got %s", report.Status)
	}
	if !report.Final.Plan[0].Done || report.Final.Plan[1].Done {
		t.Errorf("s1 should stay done, s2 pending: %+v", report.Final.Plan)
	}
	if report.Final.Task.Outcome != focus.OutcomeAbandoned {
		t.Errorf("expected abandoned outcome, got %s", report.Final.Task.Outcome)
	}
	if calls != 1 {
		t.Errorf("s2 must never be invoked, got %d calls", calls)
	}
	if got := h.store.Status(h.store.Read()); got != focus.StatusIdle {
		t.Errorf("record should be reset after archival, got %s", got)
	}
	entry, err := h.archive.Load(report.Task.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if entry.Task.Outcome != focus.OutcomeAbandoned || !strings.Contains(entry.Record, "- [x] s1") {
		t.Errorf("unexpected archive entry %+v", entry)
	}
}

func TestRun_CompletesAndArchives(t *testing.T) {
	h := newHarness(t, func(prompt string) (string, error) {
		if strings.Contains(prompt, "<planning>") {
			return "Here is the plan:\n- [ ] gather\n- [ ] write\n", nil
		}
		return "FINAL(ok)", nil
	}, nil, nil)

	report, err := h.engine.Run(context.Background(), "Write a report")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != focus.StatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	if len(report.Final.Plan) != 2 || report.Final.Done() != 2 {
		t.Errorf("unexpected final plan %+v", report.Final.Plan)
	}
	if report.Iterations != 3 {
		t.Errorf("expected plan + 2 steps = 3 iterations, got %d", report.Iterations)
	}
	if h.store.Status(h.store.Read()) != focus.StatusIdle {
		t.Error("record should be idle after completion")
	}

	list, err := h.archive.List()
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one archived task, got %v %v", list, err)
	}
	if list[0].Outcome != "succeeded" || !strings.Contains(list[0].Summary, "2/2 steps") {
		t.Errorf("unexpected summary %+v", list[0])
	}
	entry, _ := h.archive.Load(report.Task.ID)
	var types []string
	for _, ev := range entry.Events {
		types = append(types, ev.Type)
	}
	joined := strings.Join(types, ",")
	for _, want := range []string{archive.EventTaskStart, archive.EventPlan, archive.EventStepDone, archive.EventCompleted} {
		if !strings.Contains(joined, want) {
			t.Errorf("journal missing %s: %s", want, joined)
		}
	}
}

func TestRun_StepsInPlanOrder(t *testing.T) {
	h := newHarness(t, final("ok"), nil, nil)
	if _, err := h.engine.Run(context.Background(), "Ordered", "alpha", "beta", "gamma"); err != nil {
		t.Fatal(err)
	}
	prompts := h.promptsSeen()
	if len(prompts) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(prompts))
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if !strings.Contains(prompts[i], "<current-step n=\"") || !strings.Contains(prompts[i], want) {
			t.Errorf("invocation %d should target %s:\n%s", i, want, prompts[i])
		}
	}
}

func TestRun_ResumesFromRecord(t *testing.T) {
	h := newHarness(t, final("ok"), nil, nil)
	h.engine.Begin("Resume me", []string{"first", "second"})
	h.engine.RunStep(context.Background())

	// A fresh engine (new process) over the same record continues at step 2.
	h2 := newHarness(t, final("ok"), nil, func(o *Options) { o.Store = h.store })
	st, err := h2.engine.RunStep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	prompts := h2.promptsSeen()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "second") || strings.Contains(prompts[0], "<current-step n=\"1\"") {
		t.Fatalf("resumed engine should run step 2, prompts=%v", prompts)
	}
	if h.store.Status(st) != focus.StatusCompleted || st.Task.Outcome != focus.OutcomeSucceeded {
		t.Errorf("expected completion on resume, got %s", h.store.Status(st))
	}
}

func TestRun_IdleRecord(t *testing.T) {
	h := newHarness(t, final("ok"), nil, nil)
	report, err := h.engine.Run(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != focus.StatusIdle || report.Iterations != 1 {
		t.Errorf("expected a single idle iteration, got %+v", report)
	}
}

func TestRun_RefusesSecondTask(t *testing.T) {
	h := newHarness(t, func(string) (string, error) { return "", errors.New("down") }, nil, nil)
	h.engine.Begin("first", []string{"s1"})
	if _, err := h.engine.Run(context.Background(), "second"); !errors.Is(err, focus.ErrTaskActive) {
		t.Errorf("expected ErrTaskActive, got %v", err)
	}
}

func TestRunStep_LeaseHeld(t *testing.T) {
	h := newHarness(t, final("ok"), nil, nil)
	lease, err := focus.AcquireLease(h.store.Path(), "someone-else", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()
	if _, err := h.engine.RunStep(context.Background()); !errors.Is(err, focus.ErrLeaseHeld) {
		t.Errorf("expected ErrLeaseHeld, got %v", err)
	}
}

func TestRunStep_RoundLimit(t *testing.T) {
	h := newHarness(t, func(string) (string, error) { return "partial progress", nil }, nil, func(o *Options) {
		o.Config.MaxRounds = 3
	})
	h.engine.Begin("Rounds", []string{"s1"})

	st, err := h.engine.RunStep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Plan[0].Done || st.Plan[0].RetryCount != 1 {
		t.Fatalf("expected a failed attempt, got %+v", st.Plan[0])
	}
	if !strings.Contains(st.LastFailure, "round_limit_exceeded") {
		t.Errorf("unexpected failure %q", st.LastFailure)
	}
	prompts := h.promptsSeen()
	if len(prompts) != 3 {
		t.Fatalf("expected 3 rounds, got %d", len(prompts))
	}
	if !strings.Contains(prompts[2], "<round n=\"2\">") || !strings.Contains(prompts[2], "partial progress") {
		t.Errorf("later rounds should replay earlier output:\n%s", prompts[2])
	}

	// The retry carries the failure detail.
	h.engine.RunStep(context.Background())
	prompts = h.promptsSeen()
	if !strings.Contains(prompts[3], "<previous-failure") {
		t.Errorf("retry prompt should include the previous failure:\n%s", prompts[3])
	}
}

func TestRunStep_AcceptIntermediate(t *testing.T) {
	h := newHarness(t, func(string) (string, error) { return "good enough", nil }, nil, func(o *Options) {
		o.Config.MaxRounds = 2
		o.Config.AcceptIntermediate = true
	})
	h.engine.Begin("Lenient", []string{"s1", "s2"})
	st, _ := h.engine.RunStep(context.Background())
	if !st.Plan[0].Done {
		t.Errorf("last intermediate should count as success: %+v", st.Plan[0])
	}
}

func TestRunStep_HumanEditDuringStep(t *testing.T) {
	var h *harness
	h = newHarness(t, func(string) (string, error) {
		// The operator rewrites the plan while the model is working.
		if _, err := h.store.Revise([]string{"different step"}); err != nil {
			return "", err
		}
		return "FINAL(done)", nil
	}, nil, nil)
	h.engine.Begin("Edited", []string{"initial step"})

	st, err := h.engine.RunStep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Plan) != 1 || st.Plan[0].Text != "different step" || st.Plan[0].Done {
		t.Errorf("result for the replaced step must be discarded: %+v", st.Plan)
	}
}

func TestRunStep_ExternalCancelFlag(t *testing.T) {
	h := newHarness(t, final("ok"), nil, nil)
	h.engine.Begin("Cancel me", []string{"s1", "s2"})
	h.engine.RunStep(context.Background())
	if _, err := h.store.RequestCancel(); err != nil {
		t.Fatal(err)
	}

	st, err := h.engine.RunStep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Task.Outcome != focus.OutcomeAbandoned || !st.Plan[0].Done {
		t.Errorf("expected abandoned with s1 done, got %s %+v", st.Task.Outcome, st.Plan)
	}
	if len(h.promptsSeen()) != 1 {
		t.Error("no invocation may start after cancellation")
	}
}

func TestRunStep_ArchiveFailureKeepsRecord(t *testing.T) {
	fail := true
	h := newHarness(t, final("ok"), nil, func(o *Options) {
		o.Archiver = archive.ArchiverFunc(func(ctx context.Context, e archive.Entry) error {
			if fail {
				return errors.New("disk full")
			}
			return nil
		})
	})
	h.engine.Begin("One step", []string{"s1"})

	if _, err := h.engine.RunStep(context.Background()); err == nil {
		t.Fatal("expected archive error")
	}
	if st := h.store.Read(); st.Task.Outcome != focus.OutcomeSucceeded {
		t.Fatalf("terminal record must be kept for another archive attempt, got %s", st.Task.Outcome)
	}

	fail = false
	st, err := h.engine.RunStep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Task.Outcome != focus.OutcomeSucceeded {
		t.Errorf("expected the terminal snapshot, got %+v", st.Task)
	}
	if h.store.Status(h.store.Read()) != focus.StatusIdle {
		t.Error("record should be reset once archived")
	}
}

func TestRunStep_PlanningFailuresAbandon(t *testing.T) {
	h := newHarness(t, func(string) (string, error) { return "I cannot plan this.", nil }, nil, nil)
	if _, err := h.store.Begin("Impossible", "Impossible"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < focus.DefaultThreshold; i++ {
		st, err := h.engine.RunStep(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if h.store.Status(st) != focus.StatusPlanning {
			t.Fatalf("attempt %d: expected planning, got %s", i+1, h.store.Status(st))
		}
	}
	st, _ := h.engine.RunStep(ctx)
	if st.Task.Outcome != focus.OutcomeAbandoned {
		t.Errorf("expected abandonment after repeated planning failures, got %s", st.Task.Outcome)
	}
}

func TestRunStep_ContextHandleScope(t *testing.T) {
	var snap *contextobj.Snapshot
	var h *harness
	port := sandbox.PortFunc(func(ctx context.Context, ex sandbox.Execution) (*sandbox.Outcome, error) {
		s, err := h.registry.Resolve(ex.Handle)
		if err != nil {
			return nil, err
		}
		snap = s
		return finalOutcome("ok"), nil
	})
	h = newHarness(t, func(string) (string, error) { return codeReply, nil }, port, func(o *Options) {
		o.Config.ScratchTail = 2
	})
	h.engine.Begin("Scoped", []string{"s1", "s2"})
	h.store.Note("older note")
	h.store.RecordFailure("timeout: slow")

	if _, err := h.engine.RunStep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snap == nil {
		t.Fatal("sandbox never saw the handle")
	}
	if snap.Directive != "Scoped" || snap.Step != "s1" {
		t.Errorf("unexpected scope %+v", snap)
	}
	if len(snap.Scratch) != 2 {
		t.Errorf("expected last 2 scratch lines, got %v", snap.Scratch)
	}
	if snap.LastFailure != "timeout: slow" {
		t.Errorf("retry attempt should carry last failure, got %q", snap.LastFailure)
	}
}

func TestSummarize(t *testing.T) {
	st := focus.State{
		Task:      focus.Task{Outcome: focus.OutcomeSucceeded},
		Directive: "Write docs\nwith details",
		Plan:      []focus.Step{{Text: "a", Done: true}, {Text: "b", Done: true}},
	}
	if got := Summarize(st); got != "succeeded: Write docs (2/2 steps)" {
		t.Errorf("unexpected summary %q", got)
	}
}

func TestRun_LeaseRenewedDuringLongStep(t *testing.T) {
	slow := func(string) (string, error) {
		time.Sleep(400 * time.Millisecond)
		return "FINAL(ok)", nil
	}
	h := newHarness(t, slow, nil, func(o *Options) {
		o.Config.LeaseTTL = config.Duration{Duration: 200 * time.Millisecond}
	})

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := h.engine.Run(context.Background(), "two slow steps", "s1", "s2")
		done <- result{report, err}
	}()

	time.Sleep(300 * time.Millisecond)
	if other, err := focus.AcquireLease(h.store.Path(), "other-loop", time.Minute); !errors.Is(err, focus.ErrLeaseHeld) {
		if other != nil {
			other.Release()
		}
		t.Fatalf("second loop took the record while Run held it: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if res.report.Status != focus.StatusCompleted {
		t.Errorf("status = %s, want completed", res.report.Status)
	}
	if _, err := focus.ReadLease(h.store.Path()); err == nil {
		t.Error("lease left behind after Run")
	}
}

func TestRunStep_LostLeaseDiscardsResult(t *testing.T) {
	var path string
	h := newHarness(t, func(string) (string, error) {
		os.Remove(focus.LeasePath(path))
		if _, err := focus.AcquireLease(path, "thief", time.Minute); err != nil {
			return "", err
		}
		return "FINAL(stale)", nil
	}, nil, nil)
	path = h.store.Path()
	if _, err := h.engine.Begin("d", []string{"s1", "s2"}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.RunStep(context.Background()); !errors.Is(err, focus.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	st := h.store.Read()
	if st.Cursor != 0 || st.Plan[0].Done {
		t.Errorf("step completed without the lease: cursor=%d plan=%+v", st.Cursor, st.Plan)
	}
	if held, err := focus.ReadLease(path); err != nil || held.Owner != "thief" {
		t.Errorf("new owner's lease disturbed: %+v %v", held, err)
	}
}

func TestRunStep_StepTextIsNotARoutingHint(t *testing.T) {
	var fastCalls atomic.Int32
	fast := llm.NewMockProvider()
	fast.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		fastCalls.Add(1)
		return &llm.ChatResponse{Content: "FINAL(fast)"}, nil
	}
	h := newHarness(t, final("capable"), nil, func(o *Options) {
		o.Gateway.(*router.Gateway).Register(invocation.ClassFast, fast, false)
	})
	steps := []string{
		"Read the incident timeline",
		"Extract the root cause of the production outage and write a remediation plan",
		"Summarize the legal risks in the merger contract and recommend negotiation terms",
		"[fast] list the affected services",
	}
	if _, err := h.engine.Begin("postmortem", steps); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := h.engine.RunStep(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if n := fastCalls.Load(); n != 0 {
		t.Fatalf("untagged steps reached the fast model %d times", n)
	}
	if got := len(h.promptsSeen()); got != 3 {
		t.Errorf("capable model saw %d prompts, want 3", got)
	}

	if _, err := h.engine.RunStep(ctx); err != nil {
		t.Fatal(err)
	}
	if n := fastCalls.Load(); n != 1 {
		t.Errorf("tagged step should route to fast, got %d fast calls", n)
	}
}

func TestRunStep_InvocationDeadlineIsRetriedAsTimeout(t *testing.T) {
	slow := llm.NewMockProvider()
	slow.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, final("unused"), nil, func(o *Options) {
		o.Config.InvocationTimeout = config.Duration{Duration: 50 * time.Millisecond}
		gw := router.NewGateway(router.New(nil), o.Registry)
		gw.Register(invocation.ClassCapable, slow, false)
		o.Gateway = gw
	})
	h.engine.Begin("slow", []string{"s1"})

	start := time.Now()
	st, err := h.engine.RunStep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("step took %s, deadline not applied", elapsed)
	}
	if st.Plan[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", st.Plan[0].RetryCount)
	}
	if !strings.HasPrefix(st.LastFailure, "timeout") {
		t.Errorf("last failure = %q, want a timeout", st.LastFailure)
	}
	if got := h.store.Status(st); got != focus.StatusExecuting {
		t.Errorf("status = %s, want executing", got)
	}
}

func TestRun_BacksOffWhenPoolSaturated(t *testing.T) {
	const backoff = 100 * time.Millisecond
	pool := guard.NewPool(1)
	holder := guard.New(guard.Limits{MaxDepth: 1, MaxLive: 1}, pool)
	release, rej := holder.Admit(invocation.Request{})
	if rej != nil {
		t.Fatal(rej)
	}
	defer release()

	h := newHarness(t, final("unused"), nil, func(o *Options) {
		o.Pool = pool
		o.Config.Backoff = config.Duration{Duration: backoff}
	})

	start := time.Now()
	report, err := h.engine.Run(context.Background(), "busy", "s1")
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if report.Status != focus.StatusBlocked {
		t.Fatalf("status = %s, want blocked", report.Status)
	}
	if report.Iterations < 2 {
		t.Fatalf("expected several iterations, got %d", report.Iterations)
	}
	if want := time.Duration(report.Iterations-1) * backoff; elapsed < want {
		t.Errorf("%d iterations took %s, want at least %s of back-off", report.Iterations, elapsed, want)
	}
	if !strings.HasPrefix(report.Final.LastFailure, "concurrency") {
		t.Errorf("last failure = %q", report.Final.LastFailure)
	}
	if len(h.promptsSeen()) != 0 {
		t.Error("provider called while the pool was saturated")
	}
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"

	"github.com/vinayprograms/rlm/internal/archive"
	"github.com/vinayprograms/rlm/internal/focus"
)

func TestCLI_ParseRun(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	ctx, err := parser.Parse([]string{"run", "port the parser", "-s", "read", "--step", "write", "--once"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ctx.Command() != "run <directive>" {
		t.Errorf("unexpected command %q", ctx.Command())
	}
	if cli.Run.Directive != "port the parser" || len(cli.Run.Step) != 2 || !cli.Run.Once {
		t.Errorf("unexpected run flags: %+v", cli.Run)
	}
}

func TestCLI_ParseOperatorCommands(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"override", "2"}, "override <step>"},
		{[]string{"revise", "-s", "a", "-s", "b"}, "revise"},
		{[]string{"abandon", "--now"}, "abandon"},
		{[]string{"history", "task-1"}, "history <task>"},
		{[]string{"serve", "--schedule", "@hourly"}, "serve"},
		{[]string{"-vv", "status"}, "status"},
	}
	for _, tc := range cases {
		var cli CLI
		parser, err := kong.New(&cli, kongVars())
		if err != nil {
			t.Fatalf("kong.New: %v", err)
		}
		ctx, err := parser.Parse(tc.args)
		if err != nil {
			t.Errorf("parse %v: %v", tc.args, err)
			continue
		}
		if ctx.Command() != tc.want {
			t.Errorf("parse %v: got %q, want %q", tc.args, ctx.Command(), tc.want)
		}
	}
}

func TestCLI_ReviseRequiresSteps(t *testing.T) {
	var cli CLI
	parser, _ := kong.New(&cli, kongVars())
	if _, err := parser.Parse([]string{"revise"}); err == nil {
		t.Error("expected an error without --step")
	}
}

// testApp writes an rlm.toml rooted in a temp dir and returns an app
// capturing output.
func testApp(t *testing.T) (*app, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rlm.toml")
	cfg := fmt.Sprintf(`[storage]
path = %q
focus_file = %q

[engine]
retry_threshold = 1
`, filepath.Join(dir, "data"), filepath.Join(dir, "FOCUS.md"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	a := &app{ctx: context.Background(), cli: &CLI{Config: cfgPath}, out: &out}
	return a, &out, dir
}

// seedBlocked leaves a task blocked on its second step.
func seedBlocked(t *testing.T, dir string) focus.State {
	t.Helper()
	store := focus.NewStore(filepath.Join(dir, "FOCUS.md"), 1)
	if _, err := store.Begin("ship it", "ship it"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ApplyPlan([]string{"build", "test"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Advance("built"); err != nil {
		t.Fatal(err)
	}
	var st focus.State
	for i := 0; i < 2; i++ {
		var err error
		if st, err = store.RecordFailure("flaky"); err != nil {
			t.Fatal(err)
		}
	}
	if got := store.Status(st); got != focus.StatusBlocked {
		t.Fatalf("seed status = %s, want blocked", got)
	}
	return st
}

func TestStatusCmd_Idle(t *testing.T) {
	a, out, _ := testApp(t)
	if err := (&StatusCmd{}).Run(a); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "idle") {
		t.Errorf("expected idle status:\n%s", out.String())
	}
}

func TestOverrideCmd_UnblocksStep(t *testing.T) {
	a, out, dir := testApp(t)
	seedBlocked(t, dir)

	if err := (&OverrideCmd{Step: 2}).Run(a); err != nil {
		t.Fatalf("override: %v", err)
	}
	st, err := focus.NewStore(filepath.Join(dir, "FOCUS.md"), 1).Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Plan[1].RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", st.Plan[1].RetryCount)
	}
	if !strings.Contains(out.String(), "executing") {
		t.Errorf("expected executing status:\n%s", out.String())
	}

	if err := (&OverrideCmd{Step: 9}).Run(a); err == nil {
		t.Error("expected error for a missing step")
	}
}

func TestReviseCmd_KeepsDonePrefix(t *testing.T) {
	a, _, dir := testApp(t)
	seedBlocked(t, dir)

	if err := (&ReviseCmd{Step: []string{"build", "test with retries", "release"}}).Run(a); err != nil {
		t.Fatalf("revise: %v", err)
	}
	st, _ := focus.NewStore(filepath.Join(dir, "FOCUS.md"), 1).Load()
	if len(st.Plan) != 3 || !st.Plan[0].Done || st.Plan[1].Done {
		t.Errorf("unexpected plan: %+v", st.Plan)
	}
}

func TestAbandonCmd_RequestsCancel(t *testing.T) {
	a, out, dir := testApp(t)
	seedBlocked(t, dir)

	if err := (&AbandonCmd{}).Run(a); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	st, _ := focus.NewStore(filepath.Join(dir, "FOCUS.md"), 1).Load()
	if !st.CancelRequested {
		t.Error("cancel flag not set")
	}
	if !strings.Contains(out.String(), "cancellation requested") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestResetCmd(t *testing.T) {
	a, _, dir := testApp(t)
	seedBlocked(t, dir)

	if err := (&ResetCmd{}).Run(a); err == nil {
		t.Fatal("expected reset of an active task to be refused")
	}
	if err := (&ResetCmd{Force: true}).Run(a); err != nil {
		t.Fatalf("forced reset: %v", err)
	}
	store := focus.NewStore(filepath.Join(dir, "FOCUS.md"), 1)
	st, _ := store.Load()
	if store.Status(st) != focus.StatusIdle {
		t.Errorf("status after reset = %s", store.Status(st))
	}
}

func TestResetCmd_LeaseHeld(t *testing.T) {
	a, _, dir := testApp(t)
	path := filepath.Join(dir, "FOCUS.md")
	lease, err := focus.AcquireLease(path, "someone-else", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	if err := (&ResetCmd{Force: true}).Run(a); err == nil {
		t.Error("expected reset to fail while another loop holds the lease")
	}
}

func TestHistoryCmd(t *testing.T) {
	a, out, dir := testApp(t)
	if err := (&HistoryCmd{}).Run(a); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "No archived tasks") {
		t.Errorf("unexpected empty history:\n%s", out.String())
	}

	store, err := archive.NewFileStore(filepath.Join(dir, "data", "episodes"))
	if err != nil {
		t.Fatal(err)
	}
	entry := archive.Entry{
		Task:      focus.Task{ID: "task-42", Outcome: focus.OutcomeSucceeded},
		Status:    focus.StatusCompleted,
		Summary:   "succeeded: ship it (2/2 steps)",
		Directive: "ship it",
		Events:    []archive.Event{{Seq: 1, Type: archive.EventTaskStart, Timestamp: time.Now()}},
	}
	if err := store.Archive(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	if err := (&HistoryCmd{Limit: 5}).Run(a); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "task-42") {
		t.Errorf("history missing task:\n%s", out.String())
	}

	out.Reset()
	if err := (&HistoryCmd{Task: "task-42"}).Run(a); err != nil {
		t.Fatalf("history task: %v", err)
	}
	if !strings.Contains(out.String(), "task started") {
		t.Errorf("episode missing timeline:\n%s", out.String())
	}
}

func TestIndexCmd(t *testing.T) {
	a, out, dir := testApp(t)
	doc := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(doc, []byte("The parser lives in internal/parse and handles UTF-8 input."), 0644); err != nil {
		t.Fatal(err)
	}
	if err := (&IndexCmd{Paths: []string{doc}}).Run(a); err != nil {
		t.Fatalf("index: %v", err)
	}
	if !strings.Contains(out.String(), "added 1 chunks") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "knowledge.bleve")); err != nil {
		t.Errorf("index not created: %v", err)
	}
}

func TestVersionCmd(t *testing.T) {
	a, out, _ := testApp(t)
	if err := (&VersionCmd{}).Run(a); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "rlm version dev") {
		t.Errorf("unexpected version output %q", out.String())
	}
}

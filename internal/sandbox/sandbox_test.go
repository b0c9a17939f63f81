package sandbox

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/invocation"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

type recordingCaller struct {
	mu    sync.Mutex
	calls []Call
}

func (c *recordingCaller) Call(ctx context.Context, call Call) invocation.Result {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	return invocation.Final("sub:" + call.Instructions)
}

func (c *recordingCaller) CallAll(ctx context.Context, calls []Call) []invocation.Result {
	out := make([]invocation.Result, len(calls))
	for i, call := range calls {
		out[i] = c.Call(ctx, call)
	}
	return out
}

func TestExtractCode(t *testing.T) {
	reply := "Let me check.\n```python\nprint(1)\n```\nthen more"
	code, lang, ok := ExtractCode(reply)
	require.True(t, ok)
	assert.Equal(t, "print(1)", code)
	assert.Equal(t, "python", lang)

	_, _, ok = ExtractCode("no code here")
	assert.False(t, ok)
	_, _, ok = ExtractCode("```\n\n```")
	assert.False(t, ok)
}

func TestParseSignal(t *testing.T) {
	sig, ok := ParseSignal("Done.\nFINAL(the total is 42)")
	require.True(t, ok)
	assert.Equal(t, Signal{Kind: SignalFinal, Value: "the total is 42"}, sig)

	sig, ok = ParseSignal("FINAL_VAR(answer)")
	require.True(t, ok)
	assert.Equal(t, Signal{Kind: SignalFinalVar, Value: "answer"}, sig)

	_, ok = ParseSignal("still thinking about FINAL answers")
	assert.False(t, ok)
}

func TestSubprocess_FinalAndVars(t *testing.T) {
	requireShell(t)
	p := NewSubprocess(SubprocessConfig{Interpreter: "sh", Timeout: 5 * time.Second})

	out, err := p.Execute(context.Background(), Execution{Code: `
echo "working"
printf '%s\n' '@@VAR total "line1\nline2"'
echo '@@FINAL_VAR total'
`})
	require.NoError(t, err)
	assert.Equal(t, "working\n", out.Stdout)
	assert.Equal(t, Signal{Kind: SignalFinalVar, Value: "total"}, out.Signal)
	assert.Equal(t, "line1\nline2", out.Vars["total"])
	assert.Equal(t, 0, out.ExitCode)
}

func TestSubprocess_NestedCall(t *testing.T) {
	requireShell(t)
	p := NewSubprocess(SubprocessConfig{Interpreter: "sh", Timeout: 5 * time.Second})
	caller := &recordingCaller{}

	out, err := p.Execute(context.Background(), Execution{
		Depth:  1,
		Caller: caller,
		Code: `
echo '@@CALL {"instructions":"count rows","hint":"simple"}'
read reply
echo "@@FINAL $reply"
`,
	})
	require.NoError(t, err)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "count rows", caller.calls[0].Instructions)
	assert.Equal(t, "simple", caller.calls[0].Hint)

	var rep Reply
	require.NoError(t, json.Unmarshal([]byte(out.Signal.Value), &rep))
	assert.Equal(t, "final", rep.Kind)
	assert.Equal(t, "sub:count rows", rep.Value)
}

func TestSubprocess_ParallelCalls(t *testing.T) {
	requireShell(t)
	p := NewSubprocess(SubprocessConfig{Interpreter: "sh", Timeout: 5 * time.Second})
	caller := &recordingCaller{}

	out, err := p.Execute(context.Background(), Execution{
		Caller: caller,
		Code: `
echo '@@CALLS [{"instructions":"a"},{"instructions":"b"}]'
read reply
echo "@@FINAL $reply"
`,
	})
	require.NoError(t, err)
	var reps []Reply
	require.NoError(t, json.Unmarshal([]byte(out.Signal.Value), &reps))
	require.Len(t, reps, 2)
	assert.Equal(t, "sub:a", reps[0].Value)
	assert.Equal(t, "sub:b", reps[1].Value)
}

func TestSubprocess_ContextFile(t *testing.T) {
	requireShell(t)
	reg, err := contextobj.NewRegistry(4)
	require.NoError(t, err)
	h := reg.Create(contextobj.Scope{Step: "tally invoices"})

	p := NewSubprocess(SubprocessConfig{Interpreter: "sh", Timeout: 5 * time.Second, Registry: reg})
	out, err := p.Execute(context.Background(), Execution{Handle: h, Depth: 1, Code: `
cat "$RLM_CONTEXT_FILE"
echo
echo "depth=$RLM_DEPTH"
`})
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, `"step":"tally invoices"`)
	assert.Contains(t, out.Stdout, "depth=1")
}

func TestSubprocess_NonZeroExit(t *testing.T) {
	requireShell(t)
	p := NewSubprocess(SubprocessConfig{Interpreter: "sh", Timeout: 5 * time.Second})
	out, err := p.Execute(context.Background(), Execution{Code: "echo boom >&2\nexit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "boom\n", out.Stderr)
}

func TestSubprocess_Timeout(t *testing.T) {
	requireShell(t)
	p := NewSubprocess(SubprocessConfig{Interpreter: "sh", Timeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := p.Execute(context.Background(), Execution{Code: "exec sleep 5"})
	assert.Equal(t, invocation.Timeout, invocation.KindOf(err))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestSubprocess_OversizedLine(t *testing.T) {
	requireShell(t)
	p := NewSubprocess(SubprocessConfig{Interpreter: "sh", Timeout: 10 * time.Second})
	code := "head -c 9437184 /dev/zero | tr '\\0' a\necho\necho '@@FINAL ok'"
	start := time.Now()
	_, err := p.Execute(context.Background(), Execution{Code: code})
	require.Error(t, err)
	assert.Equal(t, invocation.SandboxError, invocation.KindOf(err))
	assert.Contains(t, err.Error(), "8 MiB")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSubprocess_BlockedImports(t *testing.T) {
	p := NewSubprocess(SubprocessConfig{BlockedImports: []string{"os", "subprocess"}})

	for _, code := range []string{
		"import os\nprint(1)",
		"from subprocess import run",
		"x = __import__('os')",
	} {
		err := p.Validate(code)
		assert.Equal(t, invocation.SandboxError, invocation.KindOf(err), code)
	}
	assert.NoError(t, p.Validate("import json\nimport osmosis"))

	_, err := p.Execute(context.Background(), Execution{Code: "import os"})
	assert.True(t, strings.Contains(err.Error(), "blocked import"))
}

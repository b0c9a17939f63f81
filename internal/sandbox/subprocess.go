package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/invocation"
)

// Line protocol written by code on stdout. Replies to CALL and CALLS are
// single JSON lines written to the code's stdin.
const (
	markFinal    = "@@FINAL "
	markFinalVar = "@@FINAL_VAR "
	markVar      = "@@VAR "
	markCall     = "@@CALL "
	markCalls    = "@@CALLS "
)

// maxLine bounds one line of code output.
const maxLine = 8 << 20

// Environment variables exposed to code.
const (
	EnvContextFile = "RLM_CONTEXT_FILE"
	EnvHandle      = "RLM_HANDLE"
	EnvDepth       = "RLM_DEPTH"
)

// Reply is the JSON answer to a nested call.
type Reply struct {
	Kind   string `json:"kind"`
	Value  string `json:"value,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ReplyFor converts an invocation result into its wire form.
func ReplyFor(r invocation.Result) Reply {
	rep := Reply{Kind: string(r.Kind), Value: r.Value, Output: r.Output}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}
	return rep
}

// SubprocessConfig configures the subprocess port.
type SubprocessConfig struct {
	Interpreter    string
	Args           []string
	Timeout        time.Duration
	BlockedImports []string
	Registry       *contextobj.Registry // resolves handles into the read-only context file
	WorkDir        string
}

// Subprocess runs code with an external interpreter.
type Subprocess struct {
	cfg     SubprocessConfig
	blocked *regexp.Regexp
	logger  *logging.Logger
}

// NewSubprocess creates a subprocess port.
func NewSubprocess(cfg SubprocessConfig) *Subprocess {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &Subprocess{cfg: cfg, logger: logging.New().WithComponent("sandbox")}
	if len(cfg.BlockedImports) > 0 {
		quoted := make([]string, len(cfg.BlockedImports))
		for i, m := range cfg.BlockedImports {
			quoted[i] = regexp.QuoteMeta(m)
		}
		alt := strings.Join(quoted, "|")
		p.blocked = regexp.MustCompile(`(?m)^\s*(?:import\s+(?:` + alt + `)\b|from\s+(?:` + alt + `)\b|.*__import__\(\s*['"](?:` + alt + `)['"])`)
	}
	return p
}

// Validate rejects code importing blocked modules.
func (p *Subprocess) Validate(code string) error {
	if p.blocked == nil {
		return nil
	}
	if m := p.blocked.FindString(code); m != "" {
		return invocation.NewError(invocation.SandboxError, "blocked import: %s", strings.TrimSpace(m))
	}
	return nil
}

// Execute runs ex.Code and serves nested calls until the process exits.
func (p *Subprocess) Execute(ctx context.Context, ex Execution) (*Outcome, error) {
	if err := p.Validate(ex.Code); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "rlm-exec-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	defer os.RemoveAll(dir)

	codePath := filepath.Join(dir, "main"+extFor(ex.Lang))
	if err := os.WriteFile(codePath, []byte(ex.Code), 0600); err != nil {
		return nil, fmt.Errorf("failed to write code: %w", err)
	}
	env := append(os.Environ(),
		EnvDepth+"="+strconv.Itoa(ex.Depth),
		EnvHandle+"="+ex.Handle.ID,
	)
	if ctxPath, err := p.writeContext(dir, ex.Handle); err != nil {
		return nil, err
	} else if ctxPath != "" {
		env = append(env, EnvContextFile+"="+ctxPath)
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), p.cfg.Args...), codePath)
	cmd := exec.CommandContext(runCtx, p.cfg.Interpreter, args...)
	cmd.Env = env
	cmd.Dir = p.cfg.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = dir
	}
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, invocation.NewError(invocation.SandboxError, "failed to start %s: %v", p.cfg.Interpreter, err)
	}

	// Unblock the reader when the deadline hits even if a grandchild holds the pipe.
	stop := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			stdout.Close()
		case <-stop:
		}
	}()

	out := &Outcome{Vars: make(map[string]string)}
	var plain strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, markFinalVar):
			out.Signal = Signal{Kind: SignalFinalVar, Value: strings.TrimSpace(line[len(markFinalVar):])}
		case strings.HasPrefix(line, markFinal):
			out.Signal = Signal{Kind: SignalFinal, Value: decodeValue(line[len(markFinal):])}
		case strings.HasPrefix(line, markVar):
			name, value, _ := strings.Cut(line[len(markVar):], " ")
			if name != "" {
				out.Vars[name] = decodeValue(value)
			}
		case strings.HasPrefix(line, markCalls):
			p.serveCalls(ctx, ex.Caller, line[len(markCalls):], stdin)
		case strings.HasPrefix(line, markCall):
			p.serveCall(ctx, ex.Caller, line[len(markCall):], stdin)
		default:
			plain.WriteString(line)
			plain.WriteByte('\n')
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// stdout is no longer drained.
		cmd.Process.Kill()
	}
	stdin.Close()
	waitErr := cmd.Wait()
	close(stop)

	out.Stdout = plain.String()
	out.Stderr = stderr.String()

	if errors.Is(scanErr, bufio.ErrTooLong) {
		return nil, invocation.NewError(invocation.SandboxError, "output line exceeds %d MiB limit", maxLine>>20)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, invocation.NewError(invocation.Timeout, "execution exceeded %s", p.cfg.Timeout)
	}
	if scanErr != nil {
		return nil, invocation.NewError(invocation.SandboxError, "reading output: %v", scanErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, invocation.NewError(invocation.SandboxError, "%v", waitErr)
	}
	return out, nil
}

func (p *Subprocess) writeContext(dir string, h contextobj.Handle) (string, error) {
	if h.IsZero() || p.cfg.Registry == nil {
		return "", nil
	}
	snap, err := p.cfg.Registry.Resolve(h)
	if err != nil {
		return "", invocation.NewError(invocation.SandboxError, "%v", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "context.json")
	if err := os.WriteFile(path, data, 0400); err != nil {
		return "", fmt.Errorf("failed to write context: %w", err)
	}
	return path, nil
}

func (p *Subprocess) serveCall(ctx context.Context, caller Caller, payload string, w io.Writer) {
	var call Call
	var rep Reply
	switch {
	case caller == nil:
		rep = Reply{Kind: string(invocation.KindFailed), Error: "nested calls are not available"}
	case json.Unmarshal([]byte(payload), &call) != nil:
		rep = Reply{Kind: string(invocation.KindFailed), Error: "malformed call"}
	default:
		rep = ReplyFor(caller.Call(ctx, call))
	}
	p.reply(w, rep)
}

func (p *Subprocess) serveCalls(ctx context.Context, caller Caller, payload string, w io.Writer) {
	var calls []Call
	if caller == nil || json.Unmarshal([]byte(payload), &calls) != nil {
		p.reply(w, []Reply{{Kind: string(invocation.KindFailed), Error: "malformed or unavailable calls"}})
		return
	}
	results := caller.CallAll(ctx, calls)
	reps := make([]Reply, len(results))
	for i, r := range results {
		reps[i] = ReplyFor(r)
	}
	p.reply(w, reps)
}

func (p *Subprocess) reply(w io.Writer, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		p.logger.Warn("failed to deliver nested call reply", map[string]interface{}{"error": err.Error()})
	}
}

// decodeValue accepts a JSON string (for multi-line values) or raw text.
func decodeValue(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}

func extFor(lang string) string {
	switch lang {
	case "python", "py":
		return ".py"
	case "sh", "bash", "shell":
		return ".sh"
	case "js", "javascript":
		return ".js"
	default:
		return ""
	}
}

// Package sandbox defines the execution port invocations run code through,
// plus a subprocess adapter speaking a line protocol on stdio.
package sandbox

import (
	"context"
	"regexp"
	"strings"

	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/invocation"
)

// SignalKind is the terminal signal an execution emitted.
type SignalKind int

const (
	SignalNone SignalKind = iota
	SignalFinal
	SignalFinalVar
)

// Signal carries a Final value or a FinalVar variable name.
type Signal struct {
	Kind  SignalKind
	Value string
}

// Call is a nested sub-invocation issued by running code.
type Call struct {
	Instructions string   `json:"instructions"`
	Hint         string   `json:"hint,omitempty"`
	Keys         []string `json:"keys,omitempty"`  // narrow the derived context to these keys
	Query        string   `json:"query,omitempty"` // narrow the derived context to matching lines
}

// Caller issues nested sub-invocations one level deeper than the execution.
type Caller interface {
	Call(ctx context.Context, call Call) invocation.Result
	CallAll(ctx context.Context, calls []Call) []invocation.Result
}

// Execution is one run of model-produced code.
type Execution struct {
	Code   string
	Lang   string
	Handle contextobj.Handle
	Depth  int
	Caller Caller
}

// Outcome is what the code produced.
type Outcome struct {
	Stdout   string
	Stderr   string
	Signal   Signal
	Vars     map[string]string
	ExitCode int
}

// Port runs code. Errors are reserved for executions that could not run to
// completion (validation, timeout); a non-zero exit is reported in Outcome.
type Port interface {
	Execute(ctx context.Context, ex Execution) (*Outcome, error)
}

// PortFunc adapts a function to Port.
type PortFunc func(ctx context.Context, ex Execution) (*Outcome, error)

// Execute calls f.
func (f PortFunc) Execute(ctx context.Context, ex Execution) (*Outcome, error) {
	return f(ctx, ex)
}

var (
	fence      = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\n(.*?)```")
	finalVarRe = regexp.MustCompile(`(?m)^\s*FINAL_VAR\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)\s*$`)
	finalRe    = regexp.MustCompile(`(?ms)^\s*FINAL\((.*)\)\s*$`)
)

// ExtractCode returns the first fenced code block in a model reply.
func ExtractCode(text string) (code, lang string, ok bool) {
	m := fence.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	code = strings.TrimRight(m[2], "\n")
	if strings.TrimSpace(code) == "" {
		return "", "", false
	}
	return code, strings.ToLower(m[1]), true
}

// ParseSignal finds a FINAL(...) or FINAL_VAR(name) marker in plain text.
func ParseSignal(text string) (Signal, bool) {
	if m := finalVarRe.FindStringSubmatch(text); m != nil {
		return Signal{Kind: SignalFinalVar, Value: m[1]}, true
	}
	if m := finalRe.FindStringSubmatch(text); m != nil {
		return Signal{Kind: SignalFinal, Value: strings.TrimSpace(m[1])}, true
	}
	return Signal{}, false
}

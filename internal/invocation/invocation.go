// Package invocation defines sub-invocation requests, tagged results and the
// failure taxonomy shared by the guard, router, sandbox and engine.
package invocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/rlm/internal/contextobj"
)

// Class names a model class chosen by the router.
type Class string

const (
	ClassFast    Class = "fast"
	ClassCapable Class = "capable"
)

// DomainClass returns the class for a named persona.
func DomainClass(name string) Class {
	return Class("domain:" + name)
}

// Domain returns the persona name of a domain class, or "".
func (c Class) Domain() string {
	const prefix = "domain:"
	if len(c) > len(prefix) && string(c[:len(prefix)]) == prefix {
		return string(c[len(prefix):])
	}
	return ""
}

// Request is a depth-tagged sub-invocation.
type Request struct {
	ID           string
	TaskID       string
	Depth        int // 0 = root
	Instructions string
	Handle       contextobj.Handle
	Hint         string // domain or complexity hint for routing
	Class        Class  // set by the router
	Timeout      time.Duration
	Root         bool // first root invocation of a brand-new task
}

// Kind tags a Result.
type Kind string

const (
	KindFinal        Kind = "final"
	KindFinalVar     Kind = "final_var"
	KindIntermediate Kind = "intermediate"
	KindFailed       Kind = "failed"
)

// ErrorKind classifies invocation failures.
type ErrorKind string

const (
	RecursionLimitExceeded   ErrorKind = "recursion_limit_exceeded"
	ConcurrencyLimitExceeded ErrorKind = "concurrency_limit_exceeded"
	Timeout                  ErrorKind = "timeout"
	ProviderError            ErrorKind = "provider_error"
	SandboxError             ErrorKind = "sandbox_error"
	PlanRevisionRequired     ErrorKind = "plan_revision_required"
	RoundLimitExceeded       ErrorKind = "round_limit_exceeded"
	BudgetExceeded           ErrorKind = "budget_exceeded"
)

// Error is a classified invocation failure.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is matches errors of the same kind, so errors.Is(err, &Error{Kind: Timeout}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewError creates a classified error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Result is the tagged outcome of an invocation.
type Result struct {
	Kind   Kind
	Value  string // Final value, or the dereferenced variable for FinalVar
	Var    string // variable name for FinalVar
	Output string // Intermediate output, or captured stdout
	Err    *Error // set when Kind == KindFailed

	Class        Class
	Depth        int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Final creates a Final result.
func Final(value string) Result {
	return Result{Kind: KindFinal, Value: value}
}

// FinalVar creates a FinalVar result with its dereferenced value.
func FinalVar(name, value string) Result {
	return Result{Kind: KindFinalVar, Var: name, Value: value}
}

// Intermediate creates an Intermediate result.
func Intermediate(output string) Result {
	return Result{Kind: KindIntermediate, Output: output}
}

// Failed creates a Failed result.
func Failed(err *Error) Result {
	return Result{Kind: KindFailed, Err: err}
}

// Terminal reports whether the result completes the work it was issued for.
func (r Result) Terminal() bool {
	return r.Kind == KindFinal || r.Kind == KindFinalVar
}

// Text returns the most useful textual payload of the result.
func (r Result) Text() string {
	switch r.Kind {
	case KindFinal, KindFinalVar:
		return r.Value
	case KindFailed:
		if r.Err != nil {
			return r.Err.Error()
		}
		return string(KindFailed)
	default:
		return r.Output
	}
}

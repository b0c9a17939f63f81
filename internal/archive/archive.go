// Package archive records finished tasks: a per-task event journal while the
// task runs, and an episode entry once it reaches a terminal state.
package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vinayprograms/rlm/internal/focus"
)

// Event types recorded in a task journal.
const (
	EventTaskStart    = "task_start"
	EventPlan         = "plan"
	EventStepStart    = "step_start"
	EventInvocation   = "invocation"
	EventStepDone     = "step_done"
	EventStepFailed   = "step_failed"
	EventBlocked      = "blocked"
	EventExternalEdit = "external_edit"
	EventCompleted    = "completed"
	EventAbandoned    = "abandoned"
)

// Event is one journal entry.
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Step       int       `json:"step,omitempty"` // 1-based plan position
	Depth      int       `json:"depth,omitempty"`
	Class      string    `json:"class,omitempty"`
	Result     string    `json:"result,omitempty"`
	Content    string    `json:"content,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	TokensIn   int       `json:"tokens_in,omitempty"`
	TokensOut  int       `json:"tokens_out,omitempty"`
}

// Entry is the archived record of a finished task.
type Entry struct {
	Task       focus.Task   `json:"task"`
	Status     focus.Status `json:"status"`
	Summary    string       `json:"summary"`
	Directive  string       `json:"directive"`
	Record     string       `json:"record"` // the focus record as it stood at termination
	Events     []Event      `json:"events,omitempty"`
	ArchivedAt time.Time    `json:"archived_at"`
}

// Archiver stores finished tasks.
type Archiver interface {
	Archive(ctx context.Context, e Entry) error
}

// ArchiverFunc adapts a function to Archiver.
type ArchiverFunc func(ctx context.Context, e Entry) error

// Archive calls f.
func (f ArchiverFunc) Archive(ctx context.Context, e Entry) error { return f(ctx, e) }

// Multi fans an entry out to several archivers, returning every failure.
type Multi []Archiver

// Archive implements Archiver.
func (m Multi) Archive(ctx context.Context, e Entry) error {
	var errs []error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Archive(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Journal accumulates events for a running task.
type Journal struct {
	mu     sync.Mutex
	taskID string
	seq    uint64
	events []Event
}

// NewJournal creates an empty journal for taskID.
func NewJournal(taskID string) *Journal {
	return &Journal{taskID: taskID}
}

// TaskID returns the task the journal belongs to.
func (j *Journal) TaskID() string {
	return j.taskID
}

// Add appends ev, assigning its sequence number and timestamp.
func (j *Journal) Add(ev Event) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	ev.Seq = j.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	j.events = append(j.events, ev)
	return ev.Seq
}

// Events returns a copy of the journal.
func (j *Journal) Events() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Event(nil), j.events...)
}

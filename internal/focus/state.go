// Package focus maintains the durable Task-Focus record: the directive, the
// ordered plan with per-step retry counts, and the scratch notes that let a
// task survive restarts and human edits.
package focus

import (
	"strings"
	"time"
)

// Status is the derived state of a focus record.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Outcome is the terminal result recorded on a task.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

// DefaultThreshold is the retry count a step may reach before blocking.
const DefaultThreshold = 3

// Task identifies the unit of work a focus record belongs to.
type Task struct {
	ID        string
	Prompt    string
	CreatedAt time.Time
	Outcome   Outcome
}

// Step is one plan entry.
type Step struct {
	Text       string
	Done       bool
	RetryCount int
}

// State is the full focus record.
type State struct {
	Task            Task
	Directive       string
	Plan            []Step
	Scratch         string
	Cursor          int // index of the lowest undone step; len(Plan) when all done
	LastFailure     string
	CancelRequested bool
	UpdatedAt       time.Time
}

// Idle returns the default record.
func Idle() State {
	return State{}
}

// CurrentIndex returns the lowest-indexed undone step, or -1.
func (s State) CurrentIndex() int {
	for i, step := range s.Plan {
		if !step.Done {
			return i
		}
	}
	return -1
}

// Current returns the step under the cursor.
func (s State) Current() (Step, bool) {
	i := s.CurrentIndex()
	if i < 0 {
		return Step{}, false
	}
	return s.Plan[i], true
}

// Status derives the state machine position. threshold is the retry count a
// step may reach before the task blocks.
func (s State) Status(threshold int) Status {
	switch s.Task.Outcome {
	case OutcomeSucceeded:
		return StatusCompleted
	case OutcomeAbandoned, OutcomeFailed:
		return StatusAbandoned
	}
	if strings.TrimSpace(s.Directive) == "" && len(s.Plan) == 0 {
		return StatusIdle
	}
	if len(s.Plan) == 0 {
		return StatusPlanning
	}
	step, ok := s.Current()
	if !ok {
		return StatusCompleted
	}
	if step.RetryCount > threshold {
		return StatusBlocked
	}
	return StatusExecuting
}

// Terminal reports whether the record holds a finished task.
func (s State) Terminal() bool {
	switch s.Task.Outcome {
	case OutcomeSucceeded, OutcomeAbandoned, OutcomeFailed:
		return true
	}
	return false
}

// ScratchTail returns the last n non-empty scratch lines, oldest first.
func (s State) ScratchTail(n int) []string {
	if n <= 0 {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(s.Scratch, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Done counts completed steps.
func (s State) Done() int {
	n := 0
	for _, step := range s.Plan {
		if step.Done {
			n++
		}
	}
	return n
}

// normalize restores the cursor invariant.
func (s *State) normalize() {
	if i := s.CurrentIndex(); i >= 0 {
		s.Cursor = i
	} else {
		s.Cursor = len(s.Plan)
	}
}

func (s State) clone() State {
	c := s
	c.Plan = append([]Step(nil), s.Plan...)
	return c
}

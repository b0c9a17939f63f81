// Package escalation surfaces blocked tasks to a human. The human answers by
// editing the focus record or overriding a step; nothing here waits for them.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
)

// Notice describes a task that stopped making progress.
type Notice struct {
	TaskID     string    `json:"task_id"`
	Directive  string    `json:"directive"`
	Step       int       `json:"step"` // 1-based
	StepText   string    `json:"step_text"`
	RetryCount int       `json:"retry_count"`
	Detail     string    `json:"detail"`
	Scratch    []string  `json:"scratch,omitempty"`
	RecordPath string    `json:"record_path,omitempty"`
	At         time.Time `json:"at"`
}

// Key identifies one blocking episode. A new failure on the same step after
// an override produces a different key.
func (n Notice) Key() string {
	return fmt.Sprintf("%s/%d/%d", n.TaskID, n.Step, n.RetryCount)
}

// Notifier delivers notices.
type Notifier interface {
	Escalate(ctx context.Context, n Notice) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice) error

// Escalate calls f.
func (f NotifierFunc) Escalate(ctx context.Context, n Notice) error { return f(ctx, n) }

// Multi delivers to every notifier, returning all failures.
type Multi []Notifier

// Escalate implements Notifier.
func (m Multi) Escalate(ctx context.Context, n Notice) error {
	var errs []error
	for _, x := range m {
		if x == nil {
			continue
		}
		if err := x.Escalate(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Writer logs notices and prints them for an operator.
type Writer struct {
	out    io.Writer
	logger *logging.Logger
}

// NewWriter creates a notifier printing to out (nil = log only).
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out, logger: logging.New().WithComponent("escalation")}
}

// Escalate implements Notifier.
func (w *Writer) Escalate(ctx context.Context, n Notice) error {
	w.logger.Warn("task blocked, human input required", map[string]interface{}{
		"task":    n.TaskID,
		"step":    n.Step,
		"retries": n.RetryCount,
		"detail":  n.Detail,
	})
	if w.out == nil {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\nTask %s is blocked on step %d after %d failed attempts.\n", n.TaskID, n.Step, n.RetryCount)
	fmt.Fprintf(&b, "  Step:   %s\n", n.StepText)
	fmt.Fprintf(&b, "  Reason: %s\n", n.Detail)
	if len(n.Scratch) > 0 {
		b.WriteString("  Recent notes:\n")
		for _, line := range n.Scratch {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}
	if n.RecordPath != "" {
		fmt.Fprintf(&b, "  Edit %s or run `rlm override %d` to continue.\n", n.RecordPath, n.Step)
	}
	_, err := io.WriteString(w.out, b.String())
	return err
}

// Once suppresses repeat deliveries of the same blocking episode, so a task
// re-read on every heartbeat is surfaced a single time.
type Once struct {
	next Notifier
	mu   sync.Mutex
	sent map[string]bool
}

// NewOnce wraps next.
func NewOnce(next Notifier) *Once {
	return &Once{next: next, sent: make(map[string]bool)}
}

// Escalate implements Notifier. Failed deliveries are retried next time.
func (o *Once) Escalate(ctx context.Context, n Notice) error {
	key := n.Key()
	o.mu.Lock()
	if o.sent[key] {
		o.mu.Unlock()
		return nil
	}
	o.sent[key] = true
	o.mu.Unlock()

	if err := o.next.Escalate(ctx, n); err != nil {
		o.mu.Lock()
		delete(o.sent, key)
		o.mu.Unlock()
		return err
	}
	return nil
}

package engine

import (
	"context"
	"regexp"
	"strings"

	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/invocation"
	"github.com/vinayprograms/rlm/internal/router"
)

// Planner turns a directive into an ordered list of steps.
type Planner interface {
	Plan(ctx context.Context, directive string, handle contextobj.Handle) ([]string, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, directive string, handle contextobj.Handle) ([]string, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, directive string, handle contextobj.Handle) ([]string, error) {
	return f(ctx, directive, handle)
}

// ModelPlanner asks the capable class for a checklist.
type ModelPlanner struct {
	gateway  Completer
	maxSteps int
}

// NewModelPlanner creates a planner over gateway.
func NewModelPlanner(gateway Completer) *ModelPlanner {
	return &ModelPlanner{gateway: gateway, maxSteps: 20}
}

// Plan implements Planner.
func (p *ModelPlanner) Plan(ctx context.Context, directive string, handle contextobj.Handle) ([]string, error) {
	comp, err := p.gateway.Complete(ctx, router.CompletionRequest{
		Class:  invocation.ClassCapable,
		System: "You plan work for an autonomous agent. Output only the checklist.",
		Prompt: PlanPrompt(directive),
		Handle: handle,
	})
	if err != nil {
		return nil, err
	}
	steps := ParsePlan(comp.Text)
	if len(steps) == 0 {
		return nil, invocation.NewError(invocation.PlanRevisionRequired, "planner returned no steps")
	}
	if len(steps) > p.maxSteps {
		steps = steps[:p.maxSteps]
	}
	return steps, nil
}

var planLine = regexp.MustCompile(`^\s*(?:[-*+]\s*(?:\[[ xX]\]\s*)?|\d+[.)]\s+)(.+)$`)

// ParsePlan extracts steps from a checklist, bullet or numbered list.
// Lines that are not list items are ignored.
func ParsePlan(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		m := planLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		step := strings.TrimSpace(m[1])
		step = strings.Trim(step, "*_`")
		if step == "" {
			continue
		}
		steps = append(steps, step)
	}
	return steps
}

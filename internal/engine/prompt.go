package engine

import (
	"fmt"
	"strings"
)

// StepPrompt builds the XML-structured instructions for one attempt at a
// plan step. Earlier Intermediate rounds of the same attempt are replayed so
// the model can continue from its own output.
type StepPrompt struct {
	TaskID      string
	Directive   string
	Step        string
	Index       int // 1-based
	Total       int
	Attempt     int // 1-based
	LastFailure string
	rounds      []string
}

// AddRound records the output of an Intermediate round.
func (p *StepPrompt) AddRound(output string) {
	p.rounds = append(p.rounds, output)
}

// Rounds returns how many Intermediate rounds were recorded.
func (p *StepPrompt) Rounds() int {
	return len(p.rounds)
}

// Build generates the prompt.
func (p *StepPrompt) Build() string {
	var buf strings.Builder

	buf.WriteString(fmt.Sprintf("<task id=%q>\n", p.TaskID))
	buf.WriteString("<directive>\n")
	writeBody(&buf, p.Directive)
	buf.WriteString("</directive>\n")

	if p.LastFailure != "" {
		buf.WriteString(fmt.Sprintf("\n<previous-failure attempt=\"%d\">\n", p.Attempt-1))
		writeBody(&buf, p.LastFailure)
		buf.WriteString("</previous-failure>\n")
	}

	if len(p.rounds) > 0 {
		buf.WriteString("\n<progress>\n")
		for i, out := range p.rounds {
			buf.WriteString(fmt.Sprintf("  <round n=\"%d\">\n", i+1))
			writeBody(&buf, out)
			buf.WriteString("  </round>\n")
		}
		buf.WriteString("</progress>\n")
	}

	buf.WriteString(fmt.Sprintf("\n<current-step n=\"%d\" of=\"%d\" attempt=\"%d\">\n", p.Index, p.Total, p.Attempt))
	writeBody(&buf, p.Step)
	buf.WriteString("</current-step>\n")

	if len(p.rounds) > 0 {
		buf.WriteString("\nContinue from your progress above and finish the current step.\n")
	}
	buf.WriteString("</task>")
	return buf.String()
}

// BuildCallPrompt wraps the instructions of a nested call.
func BuildCallPrompt(depth int, instructions string) string {
	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("<sub-task depth=\"%d\">\n", depth))
	writeBody(&buf, instructions)
	buf.WriteString("</sub-task>")
	return buf.String()
}

// PlanPrompt asks for an ordered checklist for directive.
func PlanPrompt(directive string) string {
	var buf strings.Builder
	buf.WriteString("<planning>\n<directive>\n")
	writeBody(&buf, directive)
	buf.WriteString("</directive>\n</planning>\n\n")
	buf.WriteString("Break the directive into a short ordered plan of concrete steps. ")
	buf.WriteString("Reply with a markdown checklist, one step per line, formatted as \"- [ ] step\". ")
	buf.WriteString("Each step must be completable on its own and checkable when done. ")
	buf.WriteString("A step that is a trivial lookup or reformatting may start with the tag [fast]; ")
	buf.WriteString("leave every other step untagged.")
	return buf.String()
}

// StepHint returns the routing tag declared at the start of a plan step,
// such as "fast" for "[fast] list the files". Untagged steps have no hint
// and route to the capable class.
func StepHint(step string) string {
	step = strings.TrimSpace(step)
	if !strings.HasPrefix(step, "[") {
		return ""
	}
	end := strings.IndexByte(step, ']')
	if end < 0 {
		return ""
	}
	tag := strings.TrimSpace(step[1:end])
	if tag == "" || strings.EqualFold(tag, "x") {
		return ""
	}
	return tag
}

// SystemPrompt describes the reply contract for an invocation at depth.
// Nested calls are only advertised while they can still be admitted.
func SystemPrompt(depth, maxDepth int) string {
	var buf strings.Builder
	buf.WriteString("You are one invocation in a bounded tree of model calls working on a single plan step.\n\n")
	buf.WriteString("Reply in exactly one of these ways:\n")
	buf.WriteString("1. Answer directly and end with a line FINAL(<answer>).\n")
	buf.WriteString("2. Reply with a single fenced code block. The program runs in a sandbox where\n")
	buf.WriteString("   RLM_CONTEXT_FILE names a read-only JSON snapshot of your context\n")
	buf.WriteString("   (directive, step, scratch, last_failure, snippets, values).\n")
	buf.WriteString("   Print `@@FINAL <text>` to return a result, or `@@VAR <name> <json>` then\n")
	buf.WriteString("   `@@FINAL_VAR <name>` to return a bound variable.\n")
	if depth+1 < maxDepth {
		buf.WriteString("   Print `@@CALL {\"instructions\": \"...\", \"hint\": \"...\", \"keys\": [...], \"query\": \"...\"}`\n")
		buf.WriteString("   to delegate a sub-question; one JSON reply line arrives on stdin.\n")
		buf.WriteString("   Print `@@CALLS [ ... ]` for independent sub-questions; the reply is a JSON array.\n")
	} else {
		buf.WriteString("   Nested calls are not available at this depth.\n")
	}
	buf.WriteString("\nAnything else you print is progress, shown back to you in the next round.\n")
	buf.WriteString("Do not claim success if a delegated call failed.")
	return buf.String()
}

func writeBody(buf *strings.Builder, text string) {
	buf.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		buf.WriteString("\n")
	}
}

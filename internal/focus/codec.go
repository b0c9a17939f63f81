package focus

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Record layout: YAML frontmatter, then markdown sections. Humans may edit
// any part; unknown headings are kept as content of the enclosing section.
const (
	headingDirective = "## Directive"
	headingPlan      = "## Plan"
	headingScratch   = "## Scratch"
)

var (
	stepLine     = regexp.MustCompile(`^\s*[-*]\s+\[([ xX])\]\s*(.*)$`)
	retryComment = regexp.MustCompile(`\s*<!--\s*retries:\s*(\d+)\s*-->\s*`)
)

type frontmatter struct {
	TaskID          string    `yaml:"task_id,omitempty"`
	Prompt          string    `yaml:"prompt,omitempty"`
	CreatedAt       time.Time `yaml:"created_at,omitempty"`
	Outcome         Outcome   `yaml:"outcome,omitempty"`
	Cursor          int       `yaml:"cursor"`
	LastFailure     string    `yaml:"last_failure,omitempty"`
	CancelRequested bool      `yaml:"cancel_requested,omitempty"`
	UpdatedAt       time.Time `yaml:"updated_at,omitempty"`
}

// Marshal renders a state as a focus record.
func Marshal(s State) ([]byte, error) {
	fm := frontmatter{
		TaskID:          s.Task.ID,
		Prompt:          s.Task.Prompt,
		CreatedAt:       s.Task.CreatedAt,
		Outcome:         s.Task.Outcome,
		Cursor:          s.Cursor,
		LastFailure:     s.LastFailure,
		CancelRequested: s.CancelRequested,
		UpdatedAt:       s.UpdatedAt,
	}
	head, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frontmatter: %w", err)
	}

	var buf strings.Builder
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n# Focus\n\n")

	buf.WriteString(headingDirective + "\n\n")
	if d := strings.TrimSpace(s.Directive); d != "" {
		buf.WriteString(d + "\n\n")
	}

	buf.WriteString(headingPlan + "\n\n")
	for _, step := range s.Plan {
		mark := " "
		if step.Done {
			mark = "x"
		}
		buf.WriteString(fmt.Sprintf("- [%s] %s", mark, oneLine(step.Text)))
		if step.RetryCount > 0 {
			buf.WriteString(fmt.Sprintf(" <!-- retries: %d -->", step.RetryCount))
		}
		buf.WriteString("\n")
	}
	if len(s.Plan) > 0 {
		buf.WriteString("\n")
	}

	buf.WriteString(headingScratch + "\n\n")
	if sc := strings.TrimSpace(s.Scratch); sc != "" {
		buf.WriteString(sc + "\n")
	}
	return []byte(buf.String()), nil
}

// Unmarshal parses a focus record. Missing sections are empty; a record
// without frontmatter is accepted. Only malformed frontmatter is an error.
func Unmarshal(data []byte) (State, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	fmText, body, err := splitFrontmatter(text)
	if err != nil {
		return State{}, err
	}

	var fm frontmatter
	if fmText != "" {
		if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
			return State{}, fmt.Errorf("invalid frontmatter: %w", err)
		}
	}

	s := State{
		Task: Task{
			ID:        fm.TaskID,
			Prompt:    fm.Prompt,
			CreatedAt: fm.CreatedAt,
			Outcome:   fm.Outcome,
		},
		Cursor:          fm.Cursor,
		LastFailure:     fm.LastFailure,
		CancelRequested: fm.CancelRequested,
		UpdatedAt:       fm.UpdatedAt,
	}

	var directive, scratch []string
	section := ""
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := sectionName(line); ok {
			section = name
			continue
		}
		switch section {
		case "directive":
			directive = append(directive, line)
		case "plan":
			if step, ok := parseStep(line); ok {
				s.Plan = append(s.Plan, step)
			}
		case "scratch":
			scratch = append(scratch, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return State{}, fmt.Errorf("failed to read record: %w", err)
	}

	s.Directive = strings.TrimSpace(strings.Join(directive, "\n"))
	s.Scratch = strings.TrimSpace(strings.Join(scratch, "\n"))
	s.normalize()
	return s, nil
}

func splitFrontmatter(text string) (string, string, error) {
	if !strings.HasPrefix(text, "---\n") {
		return "", text, nil
	}
	rest := text[len("---\n"):]
	if strings.HasPrefix(rest, "---\n") {
		return "", rest[len("---\n"):], nil
	}
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		if strings.HasSuffix(rest, "\n---") {
			return rest[:len(rest)-len("\n---")], "", nil
		}
		return "", "", fmt.Errorf("unclosed frontmatter")
	}
	return rest[:end], rest[end+len("\n---\n"):], nil
}

// sectionName recognizes known level-2 headings, including the longer forms
// people tend to write by hand.
func sectionName(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "## ") {
		return "", false
	}
	title := strings.ToLower(strings.TrimSpace(trimmed[3:]))
	switch title {
	case "directive", "prime directive":
		return "directive", true
	case "plan", "plan of action":
		return "plan", true
	case "scratch", "working memory", "notes":
		return "scratch", true
	}
	return "", false
}

func parseStep(line string) (Step, bool) {
	m := stepLine.FindStringSubmatch(line)
	if m == nil {
		return Step{}, false
	}
	text := m[2]
	retries := 0
	if rm := retryComment.FindStringSubmatch(text); rm != nil {
		retries, _ = strconv.Atoi(rm[1])
		text = retryComment.ReplaceAllString(text, " ")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Step{}, false
	}
	return Step{Text: text, Done: m[1] != " ", RetryCount: retries}, true
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Package contextobj provides read-only context snapshots addressed by handles.
//
// Invocations never receive context by value. The engine creates a snapshot
// between iterations and passes its Handle; sandboxes and the gateway resolve
// the handle through a Registry and read from the snapshot.
package contextobj

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Keys addressable through Get and Derive.
const (
	KeyDirective   = "directive"
	KeyStep        = "step"
	KeyScratch     = "scratch"
	KeyLastFailure = "last_failure"
	KeySnippets    = "snippets"
)

// Handle is an opaque reference to a Snapshot.
type Handle struct {
	ID string `json:"id"`
}

// IsZero reports whether the handle references nothing.
func (h Handle) IsZero() bool { return h.ID == "" }

func (h Handle) String() string { return h.ID }

// Snippet is a piece of knowledge retrieved for a step.
type Snippet struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Scope describes what a new root snapshot contains.
type Scope struct {
	TaskID      string
	Directive   string
	Step        string
	Scratch     []string // most recent lines, oldest first
	LastFailure string
	Snippets    []Snippet
	Values      map[string]string
}

// Snapshot is an immutable view of context. Fields are exported for
// serialization; callers must treat resolved snapshots as read-only.
type Snapshot struct {
	ID          string            `json:"id"`
	Parent      string            `json:"parent,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	Directive   string            `json:"directive,omitempty"`
	Step        string            `json:"step,omitempty"`
	Scratch     []string          `json:"scratch,omitempty"`
	LastFailure string            `json:"last_failure,omitempty"`
	Snippets    []Snippet         `json:"snippets,omitempty"`
	Values      map[string]string `json:"values,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Get returns a single value by key. Unknown keys fall through to Values.
func (s *Snapshot) Get(key string) (string, bool) {
	switch key {
	case KeyDirective:
		return s.Directive, s.Directive != ""
	case KeyStep:
		return s.Step, s.Step != ""
	case KeyScratch:
		return strings.Join(s.Scratch, "\n"), len(s.Scratch) > 0
	case KeyLastFailure:
		return s.LastFailure, s.LastFailure != ""
	case KeySnippets:
		if len(s.Snippets) == 0 {
			return "", false
		}
		parts := make([]string, len(s.Snippets))
		for i, sn := range s.Snippets {
			parts[i] = sn.Text
		}
		return strings.Join(parts, "\n\n"), true
	}
	v, ok := s.Values[key]
	return v, ok
}

// Keys lists the populated keys in a stable order.
func (s *Snapshot) Keys() []string {
	var keys []string
	for _, k := range []string{KeyDirective, KeyStep, KeyScratch, KeyLastFailure, KeySnippets} {
		if _, ok := s.Get(k); ok {
			keys = append(keys, k)
		}
	}
	extra := make([]string, 0, len(s.Values))
	for k := range s.Values {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

// Query returns scratch lines, snippet texts and values containing every
// term of q (case-insensitive).
func (s *Snapshot) Query(q string) []string {
	terms := strings.Fields(strings.ToLower(q))
	if len(terms) == 0 {
		return nil
	}
	var out []string
	match := func(text string) {
		lower := strings.ToLower(text)
		for _, t := range terms {
			if !strings.Contains(lower, t) {
				return
			}
		}
		out = append(out, text)
	}
	for _, line := range s.Scratch {
		match(line)
	}
	for _, sn := range s.Snippets {
		match(sn.Text)
	}
	for _, k := range s.Keys() {
		if v, ok := s.Values[k]; ok {
			match(v)
		}
	}
	return out
}

// clone returns a deep copy so registry contents are never aliased.
func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Scratch = append([]string(nil), s.Scratch...)
	c.Snippets = append([]Snippet(nil), s.Snippets...)
	if s.Values != nil {
		c.Values = make(map[string]string, len(s.Values))
		for k, v := range s.Values {
			c.Values[k] = v
		}
	}
	return &c
}

// Render formats the snapshot as an XML block for model prompts.
func (s *Snapshot) Render() string {
	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("<context handle=%q>\n", s.ID))
	writeElem(&buf, "directive", s.Directive)
	writeElem(&buf, "step", s.Step)
	if len(s.Scratch) > 0 {
		writeElem(&buf, "scratch", strings.Join(s.Scratch, "\n"))
	}
	writeElem(&buf, "last-failure", s.LastFailure)
	for _, sn := range s.Snippets {
		buf.WriteString(fmt.Sprintf("  <snippet source=%q>\n", sn.Source))
		buf.WriteString(sn.Text)
		if !strings.HasSuffix(sn.Text, "\n") {
			buf.WriteString("\n")
		}
		buf.WriteString("  </snippet>\n")
	}
	for _, k := range s.Keys() {
		if v, ok := s.Values[k]; ok {
			buf.WriteString(fmt.Sprintf("  <value key=%q>\n", k))
			buf.WriteString(v)
			if !strings.HasSuffix(v, "\n") {
				buf.WriteString("\n")
			}
			buf.WriteString("  </value>\n")
		}
	}
	buf.WriteString("</context>")
	return buf.String()
}

func writeElem(buf *strings.Builder, name, text string) {
	if text == "" {
		return
	}
	buf.WriteString(fmt.Sprintf("  <%s>\n", name))
	buf.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		buf.WriteString("\n")
	}
	buf.WriteString(fmt.Sprintf("  </%s>\n", name))
}

// Package router maps sub-invocation requests to model classes and sends
// prompts to the provider serving each class.
package router

import (
	"strings"

	"github.com/vinayprograms/rlm/internal/invocation"
)

// Hints that mark work a fast model can handle.
var fastHints = map[string]bool{
	"fast":      true,
	"simple":    true,
	"trivial":   true,
	"lookup":    true,
	"extract":   true,
	"format":    true,
	"summarize": true,
	"classify":  true,
}

// Hints longer than this are prose, not a declared class, and route to capable.
const maxHintWords = 3

// Router picks a model class per request. It holds no per-request state.
type Router struct {
	personas []*Persona
	byName   map[string]*Persona
}

// New creates a router over the given personas.
func New(personas []*Persona) *Router {
	r := &Router{byName: make(map[string]*Persona, len(personas))}
	for _, p := range personas {
		r.personas = append(r.personas, p)
		r.byName[p.Name] = p
	}
	return r
}

// Route selects the class for req. The root invocation of a new task always
// goes to the capable class. A hint is matched only when it is a short
// declared tag such as "fast", "extract" or "domain:legal"; free-form text and
// unrecognised hints default to capable.
func (r *Router) Route(req invocation.Request) invocation.Class {
	if req.Root {
		return invocation.ClassCapable
	}
	hint := strings.ToLower(strings.TrimSpace(req.Hint))
	if hint == "" {
		return invocation.ClassCapable
	}
	if p, ok := r.byName[strings.TrimPrefix(hint, "domain:")]; ok {
		return invocation.DomainClass(p.Name)
	}
	words := strings.FieldsFunc(hint, func(c rune) bool {
		return c == ' ' || c == ',' || c == '/' || c == ':'
	})
	if len(words) > maxHintWords {
		return invocation.ClassCapable
	}
	for _, p := range r.personas {
		for _, d := range p.Domains {
			for _, w := range words {
				if w == d {
					return invocation.DomainClass(p.Name)
				}
			}
		}
	}
	for _, w := range words {
		if fastHints[w] {
			return invocation.ClassFast
		}
	}
	return invocation.ClassCapable
}

// Persona returns the persona behind a domain class.
func (r *Router) Persona(class invocation.Class) (*Persona, bool) {
	p, ok := r.byName[class.Domain()]
	return p, ok
}

// Personas returns the known personas.
func (r *Router) Personas() []*Persona {
	return r.personas
}

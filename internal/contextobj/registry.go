package contextobj

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrUnknownHandle is returned when a handle was never issued or has been evicted.
var ErrUnknownHandle = errors.New("unknown context handle")

// DefaultCapacity bounds the number of live snapshots.
const DefaultCapacity = 256

// DeriveOptions narrows a parent snapshot for a nested invocation.
type DeriveOptions struct {
	Keys  []string // keep only these keys (empty = all)
	Query string   // keep only scratch lines and snippets matching the query
	Extra map[string]string
}

// Registry issues handles and resolves them to snapshots.
// Snapshots are immutable once created; Resolve returns copies.
type Registry struct {
	cache *lru.Cache[string, *Snapshot]
}

// NewRegistry creates a registry holding at most capacity snapshots.
func NewRegistry(capacity int) (*Registry, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, *Snapshot](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating handle cache: %w", err)
	}
	return &Registry{cache: cache}, nil
}

// Create stores a root snapshot for scope and returns its handle.
func (r *Registry) Create(scope Scope) Handle {
	snap := &Snapshot{
		ID:          uuid.New().String(),
		TaskID:      scope.TaskID,
		Directive:   scope.Directive,
		Step:        scope.Step,
		Scratch:     append([]string(nil), scope.Scratch...),
		LastFailure: scope.LastFailure,
		Snippets:    append([]Snippet(nil), scope.Snippets...),
		CreatedAt:   time.Now(),
	}
	if len(scope.Values) > 0 {
		snap.Values = make(map[string]string, len(scope.Values))
		for k, v := range scope.Values {
			snap.Values[k] = v
		}
	}
	r.cache.Add(snap.ID, snap)
	return Handle{ID: snap.ID}
}

// Derive creates a child snapshot holding a subset of the parent.
func (r *Registry) Derive(parent Handle, opts DeriveOptions) (Handle, error) {
	p, ok := r.cache.Get(parent.ID)
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownHandle, parent.ID)
	}
	child := p.clone()
	child.ID = uuid.New().String()
	child.Parent = p.ID
	child.CreatedAt = time.Now()

	if len(opts.Keys) > 0 {
		keep := make(map[string]bool, len(opts.Keys))
		for _, k := range opts.Keys {
			keep[k] = true
		}
		if !keep[KeyDirective] {
			child.Directive = ""
		}
		if !keep[KeyStep] {
			child.Step = ""
		}
		if !keep[KeyScratch] {
			child.Scratch = nil
		}
		if !keep[KeyLastFailure] {
			child.LastFailure = ""
		}
		if !keep[KeySnippets] {
			child.Snippets = nil
		}
		for k := range child.Values {
			if !keep[k] {
				delete(child.Values, k)
			}
		}
	}

	if opts.Query != "" {
		matches := make(map[string]bool)
		for _, m := range child.Query(opts.Query) {
			matches[m] = true
		}
		var scratch []string
		for _, line := range child.Scratch {
			if matches[line] {
				scratch = append(scratch, line)
			}
		}
		child.Scratch = scratch
		var snippets []Snippet
		for _, sn := range child.Snippets {
			if matches[sn.Text] {
				snippets = append(snippets, sn)
			}
		}
		child.Snippets = snippets
	}

	if len(opts.Extra) > 0 {
		if child.Values == nil {
			child.Values = make(map[string]string, len(opts.Extra))
		}
		for k, v := range opts.Extra {
			child.Values[k] = v
		}
	}

	r.cache.Add(child.ID, child)
	return Handle{ID: child.ID}, nil
}

// Resolve returns a copy of the snapshot behind h.
func (r *Registry) Resolve(h Handle) (*Snapshot, error) {
	snap, ok := r.cache.Get(h.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	return snap.clone(), nil
}

// Release drops a snapshot. Releasing an unknown handle is a no-op.
func (r *Registry) Release(h Handle) {
	r.cache.Remove(h.ID)
}

// Len returns the number of live snapshots.
func (r *Registry) Len() int {
	return r.cache.Len()
}

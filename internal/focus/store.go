package focus

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
)

var (
	// ErrTaskActive is returned when a new directive would overwrite a task
	// that has not reached a terminal state.
	ErrTaskActive = errors.New("focus record holds an active task")
	// ErrInvalidTransition is returned when an operation does not apply to
	// the record's current status.
	ErrInvalidTransition = errors.New("invalid focus transition")
	// ErrNoSuchStep is returned for out-of-range step numbers.
	ErrNoSuchStep = errors.New("no such step")
)

// Store persists a single focus record. Every mutation loads the record from
// disk, applies the change and replaces the whole file atomically, so human
// edits made between mutations are never lost.
type Store struct {
	path      string
	threshold int
	logger    *logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	lease    *Lease
}

// NewStore creates a store for the record at path.
func NewStore(path string, threshold int) *Store {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Store{
		path:      path,
		threshold: threshold,
		logger:    logging.New().WithComponent("focus"),
		now:       time.Now,
	}
}

// Path returns the record location.
func (s *Store) Path() string { return s.path }

// Threshold returns the retry threshold used to derive Blocked.
func (s *Store) Threshold() int { return s.threshold }

// Status derives the status of st with this store's threshold.
func (s *Store) Status(st State) Status { return st.Status(s.threshold) }

// Bind makes every write renew l first, so a loop that lost its lease can no
// longer change the record. Bind(nil) detaches it.
func (s *Store) Bind(l *Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease = l
}

// Load reads the record. A missing record yields the Idle default; an
// unreadable or malformed one is an error so callers never overwrite it blindly.
func (s *Store) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Idle(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read focus record: %w", err)
	}
	st, err := Unmarshal(data)
	if err != nil {
		return State{}, fmt.Errorf("failed to parse focus record %s: %w", s.path, err)
	}
	return st, nil
}

// Read never fails: problems are logged and the Idle default is returned.
func (s *Store) Read() State {
	st, err := s.Load()
	if err != nil {
		s.logger.Warn("focus record unreadable, treating as idle", map[string]interface{}{
			"path":  s.path,
			"error": err.Error(),
		})
		return Idle()
	}
	return st
}

// Write replaces the record with st.
func (s *Store) Write(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.write(st)
	return err
}

func (s *Store) write(st State) (State, error) {
	if s.lease != nil {
		if err := s.lease.Renew(); err != nil {
			return State{}, err
		}
	}
	st.normalize()
	st.UpdatedAt = s.now().UTC().Truncate(time.Second)
	data, err := Marshal(st)
	if err != nil {
		return State{}, err
	}
	if err := atomicWrite(s.path, data); err != nil {
		return State{}, fmt.Errorf("failed to write focus record: %w", err)
	}
	s.lastHash = sha256.Sum256(data)
	return st, nil
}

// OwnWrite reports whether data is exactly what this store last wrote.
func (s *Store) OwnWrite(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sha256.Sum256(data) == s.lastHash
}

// update loads, mutates and writes the record under the store lock.
func (s *Store) update(fn func(*State) error) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.Load()
	if err != nil {
		return State{}, err
	}
	st = st.clone()
	if err := fn(&st); err != nil {
		return State{}, err
	}
	return s.write(st)
}

// Begin starts a new task, overwriting the record only when the previous
// task is idle or terminal.
func (s *Store) Begin(prompt, directive string) (State, error) {
	if strings.TrimSpace(directive) == "" {
		return State{}, fmt.Errorf("%w: empty directive", ErrInvalidTransition)
	}
	return s.update(func(st *State) error {
		switch st.Status(s.threshold) {
		case StatusIdle, StatusCompleted, StatusAbandoned:
		default:
			return fmt.Errorf("%w: task %s is %s", ErrTaskActive, st.Task.ID, st.Status(s.threshold))
		}
		*st = State{
			Task: Task{
				ID:        uuid.New().String(),
				Prompt:    prompt,
				CreatedAt: s.now().UTC().Truncate(time.Second),
				Outcome:   OutcomePending,
			},
			Directive: strings.TrimSpace(directive),
		}
		return nil
	})
}

// ApplyPlan stores the ordered plan produced for a planning task.
func (s *Store) ApplyPlan(steps []string) (State, error) {
	plan := toSteps(steps)
	if len(plan) == 0 {
		return State{}, fmt.Errorf("%w: empty plan", ErrInvalidTransition)
	}
	return s.update(func(st *State) error {
		if got := st.Status(s.threshold); got != StatusPlanning {
			return fmt.Errorf("%w: cannot apply plan while %s", ErrInvalidTransition, got)
		}
		st.Plan = plan
		st.appendNote(s.now(), fmt.Sprintf("plan accepted (%d steps)", len(plan)))
		return nil
	})
}

// Advance marks the current step done and records note.
func (s *Store) Advance(note string) (State, error) {
	return s.update(func(st *State) error {
		if got := st.Status(s.threshold); got != StatusExecuting {
			return fmt.Errorf("%w: cannot advance while %s", ErrInvalidTransition, got)
		}
		i := st.CurrentIndex()
		st.Plan[i].Done = true
		st.LastFailure = ""
		st.appendNote(s.now(), fmt.Sprintf("step %d done: %s", i+1, firstLine(note)))
		return nil
	})
}

// RecordFailure increments the current step's retry count. The returned state
// is Blocked once the count exceeds the threshold.
func (s *Store) RecordFailure(detail string) (State, error) {
	return s.update(func(st *State) error {
		if got := st.Status(s.threshold); got != StatusExecuting {
			return fmt.Errorf("%w: cannot record failure while %s", ErrInvalidTransition, got)
		}
		i := st.CurrentIndex()
		st.Plan[i].RetryCount++
		st.LastFailure = detail
		st.appendNote(s.now(), fmt.Sprintf("step %d failed (attempt %d): %s", i+1, st.Plan[i].RetryCount, firstLine(detail)))
		return nil
	})
}

// Override resets the retry count of step (1-based) so a blocked task resumes.
func (s *Store) Override(step int) (State, error) {
	return s.update(func(st *State) error {
		if step < 1 || step > len(st.Plan) {
			return fmt.Errorf("%w: %d of %d", ErrNoSuchStep, step, len(st.Plan))
		}
		st.Plan[step-1].RetryCount = 0
		if step-1 == st.CurrentIndex() {
			st.LastFailure = ""
		}
		st.appendNote(s.now(), fmt.Sprintf("step %d retry count reset by operator", step))
		return nil
	})
}

// Revise replaces the plan on human direction. Leading steps identical to
// completed ones stay done; every retry count restarts from zero.
func (s *Store) Revise(steps []string) (State, error) {
	plan := toSteps(steps)
	if len(plan) == 0 {
		return State{}, fmt.Errorf("%w: empty plan", ErrInvalidTransition)
	}
	return s.update(func(st *State) error {
		if st.Terminal() || st.Status(s.threshold) == StatusIdle {
			return fmt.Errorf("%w: no active task to revise", ErrInvalidTransition)
		}
		for i := range plan {
			if i >= len(st.Plan) || !st.Plan[i].Done || st.Plan[i].Text != plan[i].Text {
				break
			}
			plan[i].Done = true
		}
		st.Plan = plan
		st.LastFailure = ""
		st.appendNote(s.now(), fmt.Sprintf("plan revised by operator (%d steps)", len(plan)))
		return nil
	})
}

// Note appends a timestamped line to the scratch notes.
func (s *Store) Note(text string) (State, error) {
	return s.update(func(st *State) error {
		st.appendNote(s.now(), text)
		return nil
	})
}

// Complete records success once every step is done.
func (s *Store) Complete() (State, error) {
	return s.update(func(st *State) error {
		if got := st.Status(s.threshold); got != StatusCompleted || st.Terminal() {
			return fmt.Errorf("%w: cannot complete while %s", ErrInvalidTransition, got)
		}
		st.Task.Outcome = OutcomeSucceeded
		st.appendNote(s.now(), "task completed")
		return nil
	})
}

// Abandon ends the task without success. A blocked task is recorded as failed.
func (s *Store) Abandon(reason string) (State, error) {
	return s.update(func(st *State) error {
		status := st.Status(s.threshold)
		if status == StatusIdle || st.Terminal() {
			return fmt.Errorf("%w: nothing to abandon", ErrInvalidTransition)
		}
		st.Task.Outcome = OutcomeAbandoned
		if status == StatusBlocked {
			st.Task.Outcome = OutcomeFailed
		}
		st.CancelRequested = false
		st.appendNote(s.now(), "task abandoned: "+firstLine(reason))
		return nil
	})
}

// RequestCancel flags the task for abandonment at the next iteration.
func (s *Store) RequestCancel() (State, error) {
	return s.update(func(st *State) error {
		if st.Status(s.threshold) == StatusIdle || st.Terminal() {
			return fmt.Errorf("%w: nothing to cancel", ErrInvalidTransition)
		}
		st.CancelRequested = true
		return nil
	})
}

// Reset clears the record to Idle.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.write(Idle())
	return err
}

func (st *State) appendNote(at time.Time, text string) {
	line := fmt.Sprintf("- [%s] %s", at.UTC().Format("2006-01-02 15:04:05"), text)
	if st.Scratch == "" {
		st.Scratch = line
		return
	}
	st.Scratch += "\n" + line
}

func toSteps(texts []string) []Step {
	var plan []Step
	for _, t := range texts {
		t = oneLine(t)
		if t != "" {
			plan = append(plan, Step{Text: t})
		}
	}
	return plan
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// atomicWrite writes data via a temporary file and rename.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

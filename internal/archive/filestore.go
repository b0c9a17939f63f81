package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/rlm/internal/focus"
)

// JSONL record types.
const (
	RecordTypeHeader = "header"
	RecordTypeEvent  = "event"
	RecordTypeFooter = "footer"
)

// IndexFile is the one-line-per-task episode log.
const IndexFile = "episodes.jsonl"

// jsonlRecord wraps a line of an episode file.
type jsonlRecord struct {
	RecordType string `json:"_type"`

	// header
	TaskID    string    `json:"task_id,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Directive string    `json:"directive,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// event
	*Event `json:",omitempty"`

	// footer
	Outcome    string    `json:"outcome,omitempty"`
	Status     string    `json:"status,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Record     string    `json:"record,omitempty"`
	ArchivedAt time.Time `json:"archived_at,omitempty"`
}

// Summary is a line of the episode index.
type Summary struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Outcome    string    `json:"outcome"`
	Directive  string    `json:"directive"`
	Summary    string    `json:"summary"`
	ArchivedAt time.Time `json:"archived_at"`
}

// FileStore writes one JSONL file per task plus an append-only index.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the archive directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the archive directory.
func (s *FileStore) Dir() string { return s.dir }

// Archive writes the task file and appends to the index. Archiving the same
// task again replaces its file and adds another index line.
func (s *FileStore) Archive(ctx context.Context, e Entry) error {
	if e.Task.ID == "" {
		return fmt.Errorf("cannot archive task without id")
	}
	if e.ArchivedAt.IsZero() {
		e.ArchivedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	lines := []jsonlRecord{{
		RecordType: RecordTypeHeader,
		TaskID:     e.Task.ID,
		Prompt:     e.Task.Prompt,
		Directive:  e.Directive,
		CreatedAt:  e.Task.CreatedAt,
	}}
	for i := range e.Events {
		ev := e.Events[i]
		lines = append(lines, jsonlRecord{RecordType: RecordTypeEvent, Event: &ev})
	}
	lines = append(lines, jsonlRecord{
		RecordType: RecordTypeFooter,
		Outcome:    string(e.Task.Outcome),
		Status:     string(e.Status),
		Summary:    e.Summary,
		Record:     e.Record,
		ArchivedAt: e.ArchivedAt,
	})
	for _, rec := range lines {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	path := filepath.Join(s.dir, e.Task.ID+".jsonl")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write episode: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write episode: %w", err)
	}

	line, err := json.Marshal(Summary{
		TaskID:     e.Task.ID,
		Status:     string(e.Status),
		Outcome:    string(e.Task.Outcome),
		Directive:  e.Directive,
		Summary:    e.Summary,
		ArchivedAt: e.ArchivedAt,
	})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir, IndexFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open episode index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append episode index: %w", err)
	}
	return nil
}

// Load reads an archived task.
func (s *FileStore) Load(taskID string) (*Entry, error) {
	f, err := os.Open(filepath.Join(s.dir, taskID+".jsonl"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	e := &Entry{}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec jsonlRecord
			if jerr := json.Unmarshal(line, &rec); jerr != nil {
				return nil, fmt.Errorf("invalid episode line: %w", jerr)
			}
			switch rec.RecordType {
			case RecordTypeHeader:
				e.Task.ID = rec.TaskID
				e.Task.Prompt = rec.Prompt
				e.Task.CreatedAt = rec.CreatedAt
				e.Directive = rec.Directive
			case RecordTypeEvent:
				if rec.Event != nil {
					e.Events = append(e.Events, *rec.Event)
				}
			case RecordTypeFooter:
				e.Task.Outcome = focus.Outcome(rec.Outcome)
				e.Status = focus.Status(rec.Status)
				e.Summary = rec.Summary
				e.Record = rec.Record
				e.ArchivedAt = rec.ArchivedAt
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading episode: %w", err)
		}
	}
	return e, nil
}

// List returns index entries, newest first, keeping the latest line per task.
func (s *FileStore) List() ([]Summary, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, IndexFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	latest := make(map[string]Summary)
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var sum Summary
		if err := json.Unmarshal([]byte(line), &sum); err != nil {
			continue
		}
		latest[sum.TaskID] = sum
	}
	out := make([]Summary, 0, len(latest))
	for _, sum := range latest {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ArchivedAt.After(out[j].ArchivedAt)
	})
	return out, nil
}

package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/rlm/internal/focus"
)

func TestFileStore_ArchiveLoad(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	j := NewJournal("task-1")
	j.Add(Event{Type: EventTaskStart, Content: "summarize"})
	j.Add(Event{Type: EventStepDone, Step: 1, Content: "read"})

	entry := Entry{
		Task:      focus.Task{ID: "task-1", Prompt: "p", Outcome: focus.OutcomeSucceeded},
		Status:    focus.StatusCompleted,
		Summary:   "summarized report in 2 steps",
		Directive: "Summarize",
		Record:    "---\noutcome: succeeded\n---\n",
		Events:    j.Events(),
	}
	if err := store.Archive(context.Background(), entry); err != nil {
		t.Fatalf("archive: %v", err)
	}

	loaded, err := store.Load("task-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Task.Outcome != focus.OutcomeSucceeded || loaded.Status != focus.StatusCompleted {
		t.Errorf("unexpected outcome %s / %s", loaded.Task.Outcome, loaded.Status)
	}
	if loaded.Directive != "Summarize" || loaded.Summary != entry.Summary {
		t.Errorf("unexpected entry %+v", loaded)
	}
	if len(loaded.Events) != 2 || loaded.Events[1].Seq != 2 || loaded.Events[1].Type != EventStepDone {
		t.Errorf("unexpected events %+v", loaded.Events)
	}
	if loaded.Record != entry.Record {
		t.Errorf("record not preserved: %q", loaded.Record)
	}
}

func TestFileStore_ListLatestFirst(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	store.Archive(ctx, Entry{Task: focus.Task{ID: "a"}, Summary: "first", ArchivedAt: base})
	store.Archive(ctx, Entry{Task: focus.Task{ID: "b"}, Summary: "second", ArchivedAt: base.Add(time.Hour)})
	// Re-archiving a task keeps only its latest index line.
	store.Archive(ctx, Entry{Task: focus.Task{ID: "a"}, Summary: "first again", ArchivedAt: base.Add(2 * time.Hour)})

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(list))
	}
	if list[0].TaskID != "a" || list[0].Summary != "first again" {
		t.Errorf("unexpected head %+v", list[0])
	}
}

func TestFileStore_RequiresTaskID(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	if err := store.Archive(context.Background(), Entry{}); err == nil {
		t.Error("expected error for missing task id")
	}
	if list, err := store.List(); err != nil || list != nil {
		t.Errorf("empty archive should list nothing, got %v %v", list, err)
	}
}

func TestMulti(t *testing.T) {
	var got []string
	ok := ArchiverFunc(func(ctx context.Context, e Entry) error {
		got = append(got, e.Task.ID)
		return nil
	})
	bad := ArchiverFunc(func(ctx context.Context, e Entry) error {
		return errors.New("broker down")
	})
	err := Multi{ok, nil, bad, ok}.Archive(context.Background(), Entry{Task: focus.Task{ID: "x"}})
	if err == nil {
		t.Error("expected joined error")
	}
	if len(got) != 2 {
		t.Errorf("every archiver should run, got %v", got)
	}
}

func TestJournal_ConcurrentAdd(t *testing.T) {
	j := NewJournal("t")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Add(Event{Type: EventInvocation})
		}()
	}
	wg.Wait()
	events := j.Events()
	if len(events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(events))
	}
	seen := make(map[uint64]bool)
	for _, ev := range events {
		if seen[ev.Seq] {
			t.Fatalf("duplicate seq %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
}

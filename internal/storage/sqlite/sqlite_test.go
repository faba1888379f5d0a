package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelbrown/runbox/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *SQLiteStore, e storage.Execution) {
	t.Helper()
	if e.Runtime == "" {
		e.Runtime = "python"
	}
	if e.Status == "" {
		e.Status = "completed"
	}
	if err := s.RecordExecution(context.Background(), &e); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
}

func TestRecordAndGetExecution(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := &storage.Execution{
		ID:          "abc12345-0000-0000-0000-000000000000",
		Runtime:     "python",
		Backend:     "process",
		Status:      "resource_limit_exceeded",
		Resource:    "memory",
		ExitCode:    137,
		CodeBytes:   42,
		CodeSHA256:  "deadbeef",
		StdoutBytes: 10,
		StderrBytes: 20,
		Truncated:   true,
		DurationMS:  1234,
	}
	if err := s.RecordExecution(ctx, e); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != "resource_limit_exceeded" || got.Resource != "memory" {
		t.Errorf("status = %q/%q", got.Status, got.Resource)
	}
	if got.ExitCode != 137 || !got.Truncated || got.DurationMS != 1234 {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
}

func TestGetExecutionByPrefix(t *testing.T) {
	s := testStore(t)
	record(t, s, storage.Execution{ID: "abc12345-0000-0000-0000-000000000000"})

	got, err := s.GetExecution(context.Background(), "abc12345")
	if err != nil {
		t.Fatalf("GetExecution by prefix: %v", err)
	}
	if got.ID != "abc12345-0000-0000-0000-000000000000" {
		t.Errorf("got ID %q", got.ID)
	}
}

func TestGetExecutionAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	record(t, s, storage.Execution{ID: "abc00000"})
	record(t, s, storage.Execution{ID: "abc11111"})

	_, err := s.GetExecution(context.Background(), "abc")
	if err == nil {
		t.Fatal("expected error for ambiguous prefix")
	}
	if errors.Is(err, storage.ErrNotFound) {
		t.Error("ambiguous prefix reported as not found")
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := testStore(t)
	record(t, s, storage.Execution{ID: "abc00000"})

	for _, id := range []string{"zzz", "", "%", "a_c"} {
		if _, err := s.GetExecution(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetExecution(%q) err = %v, want ErrNotFound", id, err)
		}
	}
}

func TestListExecutions(t *testing.T) {
	s := testStore(t)
	base := time.Now().Add(-time.Hour)

	record(t, s, storage.Execution{ID: "a1", CreatedAt: base})
	record(t, s, storage.Execution{ID: "a2", Status: "timed_out", CreatedAt: base.Add(time.Minute)})
	record(t, s, storage.Execution{ID: "a3", Runtime: "node", CreatedAt: base.Add(2 * time.Minute)})

	execs, err := s.ListExecutions(context.Background(), storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("got %d executions, want 3", len(execs))
	}
	if execs[0].ID != "a3" || execs[2].ID != "a1" {
		t.Errorf("order = %s,%s,%s, want newest first", execs[0].ID, execs[1].ID, execs[2].ID)
	}
}

func TestListExecutionsFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	record(t, s, storage.Execution{ID: "a1"})
	record(t, s, storage.Execution{ID: "a2", Status: "timed_out"})
	record(t, s, storage.Execution{ID: "a3", Status: "timed_out", Runtime: "node"})

	execs, err := s.ListExecutions(ctx, storage.ListOptions{Status: "timed_out"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 2 {
		t.Errorf("got %d timed out, want 2", len(execs))
	}

	execs, err = s.ListExecutions(ctx, storage.ListOptions{Status: "timed_out", Runtime: "node"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].ID != "a3" {
		t.Errorf("got %+v", execs)
	}
}

func TestListExecutionsLimit(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		record(t, s, storage.Execution{ID: string(rune('a' + i))})
	}

	execs, err := s.ListExecutions(context.Background(), storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 2 {
		t.Errorf("got %d executions, want 2", len(execs))
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	record(t, s, storage.Execution{ID: "old1", CreatedAt: now.Add(-48 * time.Hour)})
	record(t, s, storage.Execution{ID: "old2", CreatedAt: now.Add(-25 * time.Hour)})
	record(t, s, storage.Execution{ID: "new1", CreatedAt: now})

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	if _, err := s.GetExecution(ctx, "new1"); err != nil {
		t.Errorf("recent execution pruned: %v", err)
	}
}

func TestOpenFileReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runbox.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	record(t, s, storage.Execution{ID: "persisted"})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s.Close()
	if _, err := s.GetExecution(context.Background(), "persisted"); err != nil {
		t.Errorf("execution lost across reopen: %v", err)
	}
}

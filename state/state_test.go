package state

import (
	"testing"
)

func TestFileTracker_PersistsAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileTracker(dir, true)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := first.MarkExported("hash-a", "a@example.com"); err != nil {
		t.Fatalf("MarkExported() error = %v", err)
	}
	if err := first.MarkExported("hash-b", "b@example.com"); err != nil {
		t.Fatalf("MarkExported() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := NewFileTracker(dir, true)
	if err != nil {
		t.Fatalf("reopen NewFileTracker() error = %v", err)
	}
	defer second.Close()

	if !second.AlreadyExported("hash-a") || !second.AlreadyExported("hash-b") {
		t.Error("hashes from the first run not loaded")
	}
	if second.AlreadyExported("hash-c") {
		t.Error("unknown hash reported as exported")
	}
	if got := second.Snapshot().Exported; got != 2 {
		t.Errorf("Snapshot().Exported = %d, want 2", got)
	}
}

func TestFileTracker_DryRunDoesNotPersist(t *testing.T) {
	dir := t.TempDir()

	dry, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := dry.MarkExported("hash-a", "a@example.com"); err != nil {
		t.Fatalf("MarkExported() error = %v", err)
	}
	if !dry.AlreadyExported("hash-a") {
		t.Error("in-memory mark lost within the run")
	}
	if err := dry.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	next, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("reopen NewFileTracker() error = %v", err)
	}
	defer next.Close()
	if next.AlreadyExported("hash-a") {
		t.Error("dry-run mark leaked into a later run")
	}
}

func TestTracker_EmptyHashIsNeverTracked(t *testing.T) {
	m := NewMemoryTracker()
	if err := m.MarkExported("", "x@example.com"); err != nil {
		t.Fatalf("MarkExported() error = %v", err)
	}
	if m.AlreadyExported("") {
		t.Error("empty hash reported as exported")
	}
	if got := m.Snapshot().Exported; got != 0 {
		t.Errorf("Snapshot().Exported = %d, want 0", got)
	}
}

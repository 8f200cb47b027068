package epoch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenEmptyDataDirDisablesPersistence(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Next(); got != 1 {
		t.Fatalf("expected Next() = 1 with persistence disabled, got %d", got)
	}
	if got := s.Next(); got != 1 {
		t.Fatalf("expected Next() to stay 1 across calls with persistence disabled, got %d", got)
	}
}

func TestNextIncrementsAndPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s.Next(); got != 1 {
		t.Fatalf("expected first epoch 1, got %d", got)
	}
	if got := s.Next(); got != 2 {
		t.Fatalf("expected second epoch 2, got %d", got)
	}

	// A freshly opened Store over the same directory should pick up where
	// the last one left off.
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s2.Next(); got != 3 {
		t.Fatalf("expected epoch to survive reopen as 3, got %d", got)
	}
}

func TestNextTreatsCorruptFileAsAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Next()

	if err := os.WriteFile(filepath.Join(dir, "peer_service", fileName), []byte("not a valid record"), 0o644); err != nil {
		t.Fatalf("corrupting epoch file: %v", err)
	}

	if got := s.Next(); got != 1 {
		t.Fatalf("expected corrupt file to reset epoch to 1, got %d", got)
	}
}

func TestTouchRewritesWithoutIncrementing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Next()
	s.Touch(42)

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := s2.Next(); got != 43 {
		t.Fatalf("expected Touch(42) to persist 42, next epoch should be 43, got %d", got)
	}
}

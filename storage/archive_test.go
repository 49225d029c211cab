package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArchiveUploadLocal(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "RUN_20260314_083000__campaign")
	for _, rel := range []string{
		"scenario.json",
		filepath.Join("subs", "subscr_42", "manifest.json"),
		filepath.Join("subs", "subscr_42", "poll", "rt_events.ndjson"),
	} {
		path := filepath.Join(runDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	target := t.TempDir()
	archive := NewArchive(nil, "", target, discardLogger())

	if err := archive.Upload(context.Background(), runDir); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	copied := filepath.Join(target, "RUN_20260314_083000__campaign", "subs", "subscr_42", "poll", "rt_events.ndjson")
	if _, err := os.Stat(copied); err != nil {
		t.Errorf("archived file missing: %v", err)
	}

	// Re-archiving the same run must succeed and keep a single copy.
	if err := archive.Upload(context.Background(), runDir); err != nil {
		t.Fatalf("second Upload() error: %v", err)
	}

	runs, err := archive.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(runs) != 1 || runs[0] != "RUN_20260314_083000__campaign" {
		t.Errorf("List() = %v, want the single archived run", runs)
	}
}

func TestArchiveListEmptyLocal(t *testing.T) {
	archive := NewArchive(nil, "", filepath.Join(t.TempDir(), "missing"), discardLogger())
	runs, err := archive.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("List() = %v, want empty", runs)
	}
}

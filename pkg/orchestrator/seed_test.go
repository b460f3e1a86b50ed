package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/o4ctx"
)

func TestApplySeedCopiesMatchingFileAndLeavesMissesForSync(t *testing.T) {
	seedRoot := t.TempDir()
	clientRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(seedRoot, "present.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx := &o4ctx.Context{ClientRoot: clientRoot}
	records := []fstat.Record{
		{Path: "present.txt", Checksum: "abc"},
		{Path: "missing.txt", Checksum: "def"},
		{Path: "deleted.txt", Checksum: ""},
	}

	remaining, err := applySeed(ctx, seedRoot, false, records)
	if err != nil {
		t.Fatalf("applySeed failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(clientRoot, "present.txt")); err != nil {
		t.Fatalf("expected present.txt to be seeded into the workspace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(seedRoot, "present.txt")); err != nil {
		t.Fatalf("expected present.txt to remain in the seed (copy, not move): %v", err)
	}

	if len(remaining) != 2 {
		t.Fatalf("expected 2 records to fall through to p4 sync, got %d: %+v", len(remaining), remaining)
	}
	var paths []string
	for _, r := range remaining {
		paths = append(paths, r.Path)
	}
	if paths[0] != "missing.txt" || paths[1] != "deleted.txt" {
		t.Fatalf("unexpected remaining records: %+v", remaining)
	}
}

func TestApplySeedMoveRemovesSourceFile(t *testing.T) {
	seedRoot := t.TempDir()
	clientRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(seedRoot, "a.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx := &o4ctx.Context{ClientRoot: clientRoot}
	records := []fstat.Record{{Path: "a.txt", Checksum: "abc"}}

	remaining, err := applySeed(ctx, seedRoot, true, records)
	if err != nil {
		t.Fatalf("applySeed failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the seed hit to be fully satisfied, got %+v", remaining)
	}
	if _, err := os.Stat(filepath.Join(seedRoot, "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected source file to be moved away, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(clientRoot, "a.txt")); err != nil {
		t.Fatalf("expected destination file to exist: %v", err)
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadNameSetBuildsLookupFromLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "names.txt")
	if err := os.WriteFile(path, []byte("a/b.txt\n\nc/d.txt\n  \n"), 0644); err != nil {
		t.Fatalf("unable to write test file: %v", err)
	}

	set, err := readNameSet(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !set["a/b.txt"] || !set["c/d.txt"] {
		t.Fatalf("expected both names present, got %v", set)
	}
	if len(set) != 2 {
		t.Fatalf("expected blank lines to be skipped, got %v", set)
	}
}

func TestReadNameSetMissingFileErrors(t *testing.T) {
	if _, err := readNameSet("/nonexistent/path"); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

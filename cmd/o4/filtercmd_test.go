package main

import (
	"os"
	"path/filepath"
	"testing"
)

func resetFilterConfiguration() {
	filterConfiguration = struct {
		caseSensitive bool
		notCase       bool
		open          bool
		notOpen       bool
		existence     bool
		notExistence  bool
		checksum      bool
		notChecksum   bool
		deletes       bool
		notDeletes    bool
		deletedFiles  []string
		havelist      bool
	}{}
}

func TestBuildFilterPredicatesRequiresAtLeastOneFlag(t *testing.T) {
	resetFilterConfiguration()
	if _, err := buildFilterPredicates(); err == nil {
		t.Fatalf("expected an error when no filter flags are set")
	}
}

func TestBuildFilterPredicatesCombinesMultipleFlags(t *testing.T) {
	resetFilterConfiguration()
	filterConfiguration.open = true
	filterConfiguration.notChecksum = true

	predicates, err := buildFilterPredicates()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(predicates) != 2 {
		t.Fatalf("expected 2 predicates, got %d", len(predicates))
	}
}

func TestBuildFilterPredicatesReadsDeletedFileList(t *testing.T) {
	resetFilterConfiguration()
	dir := t.TempDir()
	path := filepath.Join(dir, "deleted.txt")
	if err := os.WriteFile(path, []byte("a/b.txt\nc/d.txt\n"), 0644); err != nil {
		t.Fatalf("unable to write test file: %v", err)
	}
	filterConfiguration.deletedFiles = []string{path}

	predicates, err := buildFilterPredicates()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(predicates) != 1 {
		t.Fatalf("expected 1 predicate, got %d", len(predicates))
	}
}

func TestSplitNonEmptyLinesSkipsBlankLines(t *testing.T) {
	lines := splitNonEmptyLines("a\n\nb\nc")
	want := []string{"a", "b", "c"}
	if len(lines) != len(want) {
		t.Fatalf("got %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("got %v, want %v", lines, want)
		}
	}
}

func TestReadNameListsReadsMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(a, []byte("one\ntwo\n"), 0644); err != nil {
		t.Fatalf("unable to write test file: %v", err)
	}
	if err := os.WriteFile(b, []byte("three\n"), 0644); err != nil {
		t.Fatalf("unable to write test file: %v", err)
	}

	names, err := readNameLists([]string{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestReadNameListsMissingFileErrors(t *testing.T) {
	if _, err := readNameLists([]string{"/nonexistent/path"}); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

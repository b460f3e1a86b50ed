package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMoveWorkspaceAsideSkipsO4Dir(t *testing.T) {
	root := t.TempDir()
	o4Dir := filepath.Join(root, ".o4")
	if err := os.MkdirAll(o4Dir, 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cleaningDir := filepath.Join(o4Dir, cleaningDirName)
	if err := moveWorkspaceAside(root, o4Dir, cleaningDir); err != nil {
		t.Fatalf("moveWorkspaceAside failed: %v", err)
	}

	if _, err := os.Stat(o4Dir); err != nil {
		t.Fatalf("expected .o4 to remain in place: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected a.txt to be moved aside, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(cleaningDir, "a.txt")); err != nil {
		t.Fatalf("expected a.txt under cleaning dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cleaningDir, "sub", "b.txt")); err != nil {
		t.Fatalf("expected sub/b.txt under cleaning dir: %v", err)
	}
}

func TestRescueFileMovesPresentFileBack(t *testing.T) {
	root := t.TempDir()
	cleaningDir := filepath.Join(root, "cleaning")
	if err := os.MkdirAll(filepath.Join(cleaningDir, "nested"), 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cleaningDir, "nested", "opened.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := rescueFile(cleaningDir, root, "nested/opened.txt"); err != nil {
		t.Fatalf("rescueFile failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "nested", "opened.txt")); err != nil {
		t.Fatalf("expected rescued file at destination: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cleaningDir, "nested", "opened.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected file gone from cleaning dir, stat err=%v", err)
	}
}

func TestRescueFileNoOpWhenAbsent(t *testing.T) {
	root := t.TempDir()
	cleaningDir := filepath.Join(root, "cleaning")
	if err := os.MkdirAll(cleaningDir, 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := rescueFile(cleaningDir, root, "never-opened.txt"); err != nil {
		t.Fatalf("expected no error for an absent rescue candidate, got %v", err)
	}
}

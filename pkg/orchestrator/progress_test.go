package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewProgressWriterNilForEmptyDir(t *testing.T) {
	if NewProgressWriter("") != nil {
		t.Fatalf("expected a nil writer for an empty O4Dir")
	}
}

func TestProgressWriterNilMethodsAreNoops(t *testing.T) {
	var p *ProgressWriter
	p.Update("fstat")
	if err := p.Close(); err != nil {
		t.Fatalf("expected Close on a nil writer to be a no-op, got %v", err)
	}
}

func TestProgressWriterWritesEveryIntervalAndClosesWithSentinel(t *testing.T) {
	dir := t.TempDir()
	p := NewProgressWriter(dir)
	if p == nil {
		t.Fatalf("expected a non-nil writer")
	}

	for i := 0; i < progressUpdateInterval-1; i++ {
		p.Update("fstat")
	}
	path := filepath.Join(dir, ".fstat")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unable to read progress file: %v", err)
	}
	if strings.TrimSpace(string(data)) != "" {
		t.Fatalf("expected no line written before the interval elapsed, got %q", data)
	}

	p.Update("fstat")
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("unable to read progress file: %v", err)
	}
	if strings.TrimSpace(string(data)) != "fstat: 500" {
		t.Fatalf("expected an interval update line, got %q", data)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error closing progress writer: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("unable to read progress file: %v", err)
	}
	if strings.TrimSpace(string(data)) != "-" {
		t.Fatalf("expected completion sentinel, got %q", data)
	}
}

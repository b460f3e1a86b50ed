package dispatch

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestLastNewline(t *testing.T) {
	if got := lastNewline([]byte("abc")); got != -1 {
		t.Fatalf("expected -1 for no newline, got %d", got)
	}
	if got := lastNewline([]byte("a\nb\n")); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestRunGatlingModeEchoesAllInput(t *testing.T) {
	var stdout bytes.Buffer
	d := &Dispatcher{
		Command:  []string{"cat"},
		Mode:     Gatling,
		MaxProcs: 2,
		MaxBytes: 1 << 20,
		Stdout:   &stdout,
		Stderr:   io.Discard,
	}
	input := "line one\nline two\nline three\n"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx, strings.NewReader(input)); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got := stdout.String()
	for _, want := range []string{"line one", "line two", "line three"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected output to contain %q, got %q", want, got)
		}
	}
}

func TestRunManifoldModeEchoesAllInput(t *testing.T) {
	var stdout bytes.Buffer
	d := &Dispatcher{
		Command:  []string{"cat"},
		Mode:     Manifold,
		MaxProcs: 3,
		MaxBytes: 8,
		Stdout:   &stdout,
		Stderr:   io.Discard,
	}
	input := "aaa\nbbb\nccc\nddd\neee\n"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx, strings.NewReader(input)); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got := stdout.String()
	for _, want := range []string{"aaa", "bbb", "ccc", "ddd", "eee"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected output to contain %q, got %q", want, got)
		}
	}
}

// TestRunManifoldCapsSpawnedChildren is scenario S7: feed 1 MiB of lines
// into manifold(n=4, max=64 KiB) wrapping cat. Expect exactly 16 children
// (1 MiB / 64 KiB), with every input line intact in the output.
func TestRunManifoldCapsSpawnedChildren(t *testing.T) {
	const (
		maxProcs = 4
		maxBytes = 64 * 1024
		total    = 1 << 20
	)

	var lines []string
	var size int
	for i := 0; size < total; i++ {
		line := strings.Repeat("x", 63) + "\n"
		lines = append(lines, line)
		size += len(line)
	}
	input := strings.Join(lines, "")

	var stdout bytes.Buffer
	d := &Dispatcher{
		Command:  []string{"cat"},
		Mode:     Manifold,
		MaxProcs: maxProcs,
		MaxBytes: maxBytes,
		Stdout:   &stdout,
		Stderr:   io.Discard,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Run(ctx, strings.NewReader(input)); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	wantChildren := (len(input) + maxBytes - 1) / maxBytes
	if d.SpawnedChildren != wantChildren {
		t.Fatalf("expected exactly %d children, got %d", wantChildren, d.SpawnedChildren)
	}

	gotLines := strings.Count(stdout.String(), "\n")
	if gotLines != len(lines) {
		t.Fatalf("expected %d output lines, got %d", len(lines), gotLines)
	}
	for _, l := range strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n") {
		if l != strings.Repeat("x", 63) {
			t.Fatalf("expected every line intact, got corrupted line %q", l)
		}
	}
}

func TestRunSurfacesNonzeroExitAsMultiError(t *testing.T) {
	d := &Dispatcher{
		Command:  []string{"sh", "-c", "cat >/dev/null; exit 3"},
		Mode:     Gatling,
		MaxProcs: 1,
		MaxBytes: 1 << 20,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.Run(ctx, strings.NewReader("hello\n"))
	if err == nil {
		t.Fatal("expected an error from a nonzero child exit")
	}
	multi, ok := err.(*MultiError)
	if !ok {
		t.Fatalf("expected *MultiError, got %T: %v", err, err)
	}
	if len(multi.Failures) != 1 || multi.Failures[0].ExitCode != 3 {
		t.Fatalf("expected one failure with exit code 3, got %+v", multi.Failures)
	}
}

func TestRunCancellationStopsChildren(t *testing.T) {
	d := &Dispatcher{
		Command:  []string{"sh", "-c", "cat"},
		Mode:     Gatling,
		MaxProcs: 1,
		MaxBytes: 1 << 20,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	r, w := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, r) }()

	// Write one line so a child is spawned, then cancel before EOF.
	_, _ = w.Write([]byte("first\n"))
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	_ = w.Close()
}

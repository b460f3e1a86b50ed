package pipeline

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/o4sync/o4/pkg/o4errors"
)

func upperStage(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(w, strings.ToUpper(scanner.Text())); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func countStage(prefix string) func(io.Reader, io.Writer) error {
	return func(r io.Reader, w io.Writer) error {
		scanner := bufio.NewScanner(r)
		n := 0
		for scanner.Scan() {
			n++
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s%d\n", prefix, n)
		return err
	}
}

func TestPipelineRunChainsStages(t *testing.T) {
	p := &Pipeline{Stages: []Stage{
		{Name: "upper", Run: upperStage},
		{Name: "count", Run: countStage("lines=")},
	}}
	var out bytes.Buffer
	if err := p.Run(strings.NewReader("a\nb\nc\n"), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := out.String(); got != "lines=3\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestPipelineRunReportsFailingStage(t *testing.T) {
	boom := fmt.Errorf("boom")
	p := &Pipeline{Stages: []Stage{
		{Name: "upper", Run: upperStage},
		{Name: "explode", Run: func(r io.Reader, w io.Writer) error {
			io.Copy(io.Discard, r)
			return boom
		}},
	}}
	var out bytes.Buffer
	err := p.Run(strings.NewReader("a\n"), &out)
	if err == nil {
		t.Fatal("expected error")
	}
	pe, ok := err.(*o4errors.PipelineError)
	if !ok {
		t.Fatalf("expected *o4errors.PipelineError, got %T", err)
	}
	if pe.Stage != "explode" {
		t.Fatalf("expected failing stage 'explode', got %q", pe.Stage)
	}
}

func TestPipelineRunNoStagesErrors(t *testing.T) {
	p := &Pipeline{}
	if err := p.Run(strings.NewReader(""), io.Discard); err == nil {
		t.Fatal("expected error for empty pipeline")
	}
}

func TestReportExitCodeCleanRun(t *testing.T) {
	c := &Collector{}
	r := NewReport(nil, c)
	if r.ExitCode() != 0 {
		t.Fatalf("expected exit 0, got %d", r.ExitCode())
	}
	if !r.OnlyWarnings() {
		t.Fatal("expected OnlyWarnings true for a clean run")
	}
}

func TestReportExitCodeOnlyWarnings(t *testing.T) {
	c := &Collector{}
	sink := c.Sink()
	sink("warn", "disk getting full")
	r := NewReport(nil, c)
	if r.ExitCode() != 0 {
		t.Fatalf("expected exit 0 for warnings only, got %d", r.ExitCode())
	}
	if !r.OnlyWarnings() {
		t.Fatal("expected OnlyWarnings true when no fatal error occurred")
	}
}

func TestReportExitCodeErrorPassthrough(t *testing.T) {
	c := &Collector{}
	sink := c.Sink()
	sink("err", "clobber writable file /ws/a.txt")
	r := NewReport(nil, c)
	if r.ExitCode() != 1 {
		t.Fatalf("expected exit 1 when an error passthrough occurred, got %d", r.ExitCode())
	}
}

func TestReportExitCodeFailedStage(t *testing.T) {
	c := &Collector{}
	err := &o4errors.PipelineError{Stage: "p4op", Err: fmt.Errorf("nothing recognized from p4")}
	r := NewReport(err, c)
	if r.ExitCode() != 1 {
		t.Fatalf("expected exit 1, got %d", r.ExitCode())
	}
	if r.FailedStage != "p4op" {
		t.Fatalf("expected FailedStage p4op, got %q", r.FailedStage)
	}
	if r.OnlyWarnings() {
		t.Fatal("expected OnlyWarnings false when a stage failed")
	}
}

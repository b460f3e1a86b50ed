package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/o4errors"
)

// maxAffectedFiles bounds how many paths a Report names explicitly; beyond
// this the report notes how many more were affected without listing them.
const maxAffectedFiles = 100

// Collector accumulates "#o4pass-*" sideband lines emitted by any stage
// over the lifetime of a single Pipeline.Run, so a failure report can cite
// every warning and error a run produced, not just the one that aborted it.
type Collector struct {
	mu    sync.Mutex
	lines []fstat.PassthroughLine
}

// Sink returns a callback suitable for logging.Logger.WithPassthrough.
func (c *Collector) Sink() func(kind logging.PassthroughKind, message string) {
	return func(kind logging.PassthroughKind, message string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines = append(c.lines, fstat.PassthroughLine{Kind: string(kind), Message: message})
	}
}

// Lines returns the accumulated passthrough lines in emission order.
func (c *Collector) Lines() []fstat.PassthroughLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fstat.PassthroughLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// HasErrors reports whether any accumulated line was an "err" kind.
func (c *Collector) HasErrors() bool {
	for _, l := range c.Lines() {
		if l.Kind == string(logging.PassthroughErr) {
			return true
		}
	}
	return false
}

// Report is the user-visible summary of a completed (or failed) Pipeline
// run: which stage failed (if any), what error it raised, the paths that
// were affected, and every passthrough message the run accumulated along
// the way.
type Report struct {
	FailedStage   string
	Err           error
	AffectedFiles []string
	Passthrough   []fstat.PassthroughLine
}

// NewReport builds a Report from a Pipeline.Run result and a Collector that
// was wired into the same run's stages.
func NewReport(runErr error, collector *Collector) *Report {
	r := &Report{Passthrough: collector.Lines()}
	if runErr == nil {
		return r
	}
	if pe, ok := runErr.(*o4errors.PipelineError); ok {
		r.FailedStage = pe.Stage
		r.Err = pe.Err
	} else {
		r.Err = runErr
	}
	return r
}

// ExitCode implements the rule that a run exits 0 only when nothing failed
// and no error-kind passthrough message was ever emitted; any stage failure
// or accumulated error passthrough is exit 1, even if warnings alone would
// not be.
func (r *Report) ExitCode() int {
	if r.Err != nil {
		return 1
	}
	for _, l := range r.Passthrough {
		if l.Kind == string(logging.PassthroughErr) {
			return 1
		}
	}
	return 0
}

// OnlyWarnings reports whether the run produced neither a fatal error nor
// an error-kind passthrough message, so that its exit code is 0;
// warning-kind messages alone leave it true.
func (r *Report) OnlyWarnings() bool {
	return r.ExitCode() == 0
}

// String renders a human-readable summary: the failing stage and error (if
// any), a capped list of affected files, and every accumulated passthrough
// message.
func (r *Report) String() string {
	var b strings.Builder
	if r.Err != nil {
		if r.FailedStage != "" {
			fmt.Fprintf(&b, "stage %q failed: %s\n", r.FailedStage, r.Err)
		} else {
			fmt.Fprintf(&b, "failed: %s\n", r.Err)
		}
	}
	if n := len(r.AffectedFiles); n > 0 {
		shown := r.AffectedFiles
		truncated := false
		if n > maxAffectedFiles {
			shown = shown[:maxAffectedFiles]
			truncated = true
		}
		fmt.Fprintf(&b, "affected files (%d):\n", n)
		for _, f := range shown {
			fmt.Fprintf(&b, "  %s\n", f)
		}
		if truncated {
			fmt.Fprintf(&b, "  ... and %d more\n", n-maxAffectedFiles)
		}
	}
	for _, l := range r.Passthrough {
		fmt.Fprintf(&b, "[%s] %s\n", l.Kind, l.Message)
	}
	return b.String()
}

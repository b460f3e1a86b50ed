// Package pipeline replaces the source's literal bash pipelines (stages
// connected by shell pipes under "set -o pipefail") with an in-process
// graph of stages joined by io.Pipe, so a stage failure can be mapped to a
// structured user-facing report instead of a raw shell exit code.
package pipeline

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/o4errors"
)

// Stage is one node of a pipeline: it reads lines from r and writes its
// surviving output to w, the same contract every o4 stage (filter,
// dispatch, p4op, ...) already implements.
type Stage struct {
	Name string
	Run  func(r io.Reader, w io.Writer) error
}

// Pipeline chains Stages together, feeding the first stage's input from
// the caller and the last stage's output to the caller's writer.
type Pipeline struct {
	Stages []Stage
}

// stageResult is one stage's outcome, collected for Run's final report.
type stageResult struct {
	name string
	err  error
}

// Run executes every stage concurrently, each stage's output piped
// directly into the next. It returns nil on full success, or a
// *o4errors.PipelineError identifying the first stage to fail (other
// stages downstream of it typically fail too, from the resulting closed
// pipe, but only the first is reported as the cause).
func (p *Pipeline) Run(input io.Reader, output io.Writer) error {
	n := len(p.Stages)
	if n == 0 {
		return errors.New("pipeline: no stages")
	}

	readers := make([]io.Reader, n)
	readers[0] = input
	pipes := make([]*io.PipeWriter, n-1)
	for i := 0; i < n-1; i++ {
		r, w := io.Pipe()
		readers[i+1] = r
		pipes[i] = w
	}

	results := make([]stageResult, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i, stage := range p.Stages {
		i, stage := i, stage
		go func() {
			defer wg.Done()
			var w io.Writer = output
			if i < n-1 {
				w = pipes[i]
			}
			err := stage.Run(readers[i], w)
			if i < n-1 {
				if err != nil {
					pipes[i].CloseWithError(err)
				} else {
					pipes[i].Close()
				}
			}
			results[i] = stageResult{name: stage.Name, err: normalizeStageError(stage.Name, err)}
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return &o4errors.PipelineError{Stage: r.name, Err: r.err}
		}
	}
	return nil
}

// normalizeStageError recognizes a downstream consumer's early exit (its
// io.Pipe reader closed without reading everything) and reports it as a
// *o4errors.BrokenPipeError rather than a raw io error.
func normalizeStageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Cause(err) == io.ErrClosedPipe {
		return &o4errors.BrokenPipeError{Stage: stage}
	}
	return err
}

// Package o4errors defines o4's error taxonomy. These
// are concrete types (rather than sentinel values) so that callers can carry
// structured detail (e.g. the set of accumulated p4 error records) while
// still supporting errors.Is/As via the standard wrapping conventions.
package o4errors

import (
	"fmt"
	"strings"
)

// P4TimeoutError indicates that a p4 invocation exceeded its -vnet.maxwait
// ceiling or reported "Connection timed out" / "TCP receive exceeded".
// Retried up to 3 times by the fstat merge iterator (E) around its p4
// fstat calls and by the p4 operator stage (H); the p4 invoker (B) raises
// it without retrying, and other p4 invocations are not retried. Surfaced
// as fatal once retries are exhausted.
type P4TimeoutError struct {
	Command []string
}

func (e *P4TimeoutError) Error() string {
	return fmt.Sprintf("p4 command timed out: %s", strings.Join(e.Command, " "))
}

// P4ErrorRecord is one accumulated non-benign error record from a p4
// invocation (§4.B: p4 result parsing does not raise on the first error; it
// accumulates and raises once at EOF).
type P4ErrorRecord struct {
	Code string
	Data string
}

// P4Error is the fatal error raised once a p4 invocation's result stream is
// fully drained and one or more non-benign error records were accumulated.
type P4Error struct {
	Records []P4ErrorRecord
}

func (e *P4Error) Error() string {
	if len(e.Records) == 1 {
		return fmt.Sprintf("p4 error: %s", e.Records[0].Data)
	}
	return fmt.Sprintf("p4 reported %d errors, first: %s", len(e.Records), e.Records[0].Data)
}

// FstatMalformedError indicates a cache or wire-format corruption: a line
// that is neither a comment/blank, a passthrough record, nor a well-formed
// 5- or legacy-7-column fstat record.
type FstatMalformedError struct {
	Line string
}

func (e *FstatMalformedError) Error() string {
	return fmt.Sprintf("malformed fstat record: %q", e.Line)
}

// ClobberWritableError indicates that p4 refused to overwrite a writable
// file on disk. It is recovered in the p4 operator stage (H) via the
// .bak rename dance, so it is exported mainly so that stage can recognize
// it via string matching against p4's diagnostic text.
type ClobberWritableError struct {
	Path string
}

func (e *ClobberWritableError) Error() string {
	return fmt.Sprintf("clobber writable file: %s", e.Path)
}

// CaseMismatchError is a per-file warning: the path on disk does not match
// the case recorded by the server. The record is skipped by the p4 operator
// stage (H) rather than treated as fatal.
type CaseMismatchError struct {
	Path     string
	OnDisk   string
	Expected string
}

func (e *CaseMismatchError) Error() string {
	return fmt.Sprintf("case mismatch for %s: expected %q, found %q", e.Path, e.Expected, e.OnDisk)
}

// RequestTooLargeError is fatal: the fstat merge's request to Perforce was
// rejected as too large. The caller should narrow the requested path.
type RequestTooLargeError struct {
	Path string
}

func (e *RequestTooLargeError) Error() string {
	return fmt.Sprintf("request too large for %s; narrow the path and retry", e.Path)
}

// MaxRowsScannedError is recoverable: the fstat merge iterator retries with
// the range widened to the full history; its local cache is still merged
// afterwards, for paths that pass did not return.
type MaxRowsScannedError struct{}

func (e *MaxRowsScannedError) Error() string {
	return "too many rows scanned"
}

// PyforceAbortError is raised by the p4 operator stage when a pass over a
// p4 invocation's results leaves input records unaccounted for: either p4
// reported replies that match none of them, or a full pass matched none
// at all. A diagnostic bundle describing the pass is written to
// BundlePath before this error is returned.
type PyforceAbortError struct {
	Reason     string
	BundlePath string
}

func (e *PyforceAbortError) Error() string {
	return fmt.Sprintf("%s; detail in %s", e.Reason, e.BundlePath)
}

// BrokenPipeError is recognized and reported without a stack trace; it
// represents a downstream consumer of a pipeline stage exiting early.
type BrokenPipeError struct {
	Stage string
}

func (e *BrokenPipeError) Error() string {
	return fmt.Sprintf("broken pipe writing to stage %s", e.Stage)
}

// PipelineError identifies the first stage of a Pipeline to fail. Err is
// the underlying error that stage returned.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Err)
}

// Cause implements the github.com/pkg/errors unwrapping convention used
// throughout this codebase (see causer below).
func (e *PipelineError) Cause() error {
	return e.Err
}

// InterruptError represents a user-initiated interrupt (SIGINT). Callers
// that observe this should re-raise it after cleanup, ultimately causing the
// process to exit with 128+SIGINT.
type InterruptError struct{}

func (e *InterruptError) Error() string {
	return "interrupted"
}

// IsInterrupt reports whether err is (or wraps) an InterruptError.
func IsInterrupt(err error) bool {
	_, ok := causeOfType[*InterruptError](err)
	return ok
}

// causer matches github.com/pkg/errors' Cause() convention, which is how
// wrapped errors are unwrapped throughout this codebase.
type causer interface {
	Cause() error
}

func causeOfType[T error](err error) (T, bool) {
	var zero T
	for err != nil {
		if t, ok := err.(T); ok {
			return t, true
		}
		if c, ok := err.(causer); ok {
			err = c.Cause()
			continue
		}
		break
	}
	return zero, false
}

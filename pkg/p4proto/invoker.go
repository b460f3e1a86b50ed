// Package p4proto implements component B: the p4 invoker. It spawns
// `p4 -vnet.maxwait=<t> -G <args>`, decodes the resulting stream of
// marshaled dicts, and classifies each record's "code" field into the
// mute/stat/fatal taxonomy Perforce's own client tools use.
package p4proto

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/must"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/o4errors"
	"github.com/o4sync/o4/pkg/process"
)

// Result is one decoded p4 -G record after classification.
type Result struct {
	// Code is the (possibly re-tagged) result code: "info", "error",
	// "stat", "mute", or any other code p4 itself uses ("stat" also
	// appears natively for e.g. "p4 fstat" output rows).
	Code   string
	Fields map[string]interface{}
}

// benignInfoFragments are substrings of "info"-coded record bodies that
// indicate a known benign diagnostic; such records are re-tagged "mute"
// and reported as an err-kind passthrough line instead of being returned
// as ordinary info.
var benignInfoFragments = []string{
	"Diff chunks",
	"can't move (already opened for edit)",
	"is opened for add and can't be replaced",
	"resolve skipped",
}

// benignErrorFragments are substrings of "error"-coded record bodies that
// are re-tagged "stat" (non-error) rather than accumulated as fatal.
var benignErrorFragments = []string{
	"file(s) up-to-date",
	"no file(s) to reconcile",
	"no file(s) to resolve",
	"file(s) not on client",
}

// timeoutFragments are substrings indicating a connection-level timeout,
// raised as *o4errors.P4TimeoutError rather than accumulated.
var timeoutFragments = []string{
	"Connection timed out",
	"TCP receive exceeded",
}

// Invoker runs a single `p4 -G` invocation and exposes its classified
// result stream.
type Invoker struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *os.File
	logger *logging.Logger

	errorRecords []o4errors.P4ErrorRecord
	command      []string
}

// Invoke spawns `p4 -vnet.maxwait=<timeoutSeconds> -G <args...>` with the
// given context's P4PORT/P4USER/P4CLIENT in its environment (marshaled at
// this process-spawn boundary per pkg/o4ctx), stdout piped as a marshaled
// record stream, and stderr redirected to a temp file.
func Invoke(ctx *o4ctx.Context, timeoutSeconds int, args ...string) (*Invoker, error) {
	fullArgs := append([]string{"-vnet.maxwait=" + strconv.Itoa(timeoutSeconds), "-G"}, args...)
	cmd := exec.Command("p4", fullArgs...)
	cmd.Env = append(os.Environ(), ctx.Environ()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create stdout pipe")
	}

	stderrFile, err := os.CreateTemp("", "o4-p4-stderr-*")
	if err != nil {
		return nil, errors.Wrap(err, "unable to create stderr temp file")
	}
	cmd.Stderr = stderrFile

	if err := cmd.Start(); err != nil {
		stderrFile.Close()
		os.Remove(stderrFile.Name())
		return nil, errors.Wrapf(err, "unable to start p4 %s", strings.Join(args, " "))
	}

	return &Invoker{
		cmd:     cmd,
		stdout:  bufio.NewReader(stdout),
		stderr:  stderrFile,
		logger:  ctx.Sublogger("p4proto"),
		command: fullArgs,
	}, nil
}

// Next returns the next classified record, or io.EOF once the stream and
// process have both completed successfully. If one or more fatal error
// records were accumulated during iteration, Next returns a *o4errors.P4Error
// once the stream ends instead of io.EOF. "p4 result
// parsing does not raise on the first error; it accumulates and raises
// once the stream ends" policy.
func (inv *Invoker) Next() (*Result, error) {
	for {
		fields, err := decodeMarshalDict(inv.stdout)
		if err == io.EOF {
			return nil, inv.finish()
		}
		if err != nil {
			return nil, errors.Wrap(err, "unable to decode p4 record")
		}

		code, _ := fields["code"].(string)
		data, _ := fields["data"].(string)

		switch code {
		case "info":
			if containsAny(data, benignInfoFragments) {
				inv.logger.Passthrough(logging.PassthroughErr, "%s", data)
				return &Result{Code: "mute", Fields: fields}, nil
			}
			return &Result{Code: code, Fields: fields}, nil
		case "error":
			if containsAny(data, timeoutFragments) {
				return nil, &o4errors.P4TimeoutError{Command: inv.command}
			}
			if containsAny(data, benignErrorFragments) {
				return &Result{Code: "stat", Fields: fields}, nil
			}
			inv.errorRecords = append(inv.errorRecords, o4errors.P4ErrorRecord{Code: code, Data: data})
			continue
		default:
			return &Result{Code: code, Fields: fields}, nil
		}
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// finish waits for the subprocess to exit and returns either io.EOF (clean
// completion, no accumulated errors), a *o4errors.P4Error (accumulated
// errors), or a wrapped exit error.
func (inv *Invoker) finish() error {
	waitErr := inv.cmd.Wait()
	must.Close(inv.stderr, inv.logger)

	if len(inv.errorRecords) > 0 {
		return &o4errors.P4Error{Records: inv.errorRecords}
	}
	if waitErr != nil {
		stderrText := readStderrFile(inv.stderr.Name())
		if process.OutputIsCommandNotFound(stderrText) {
			return errors.Wrap(waitErr, "p4 command not found")
		}
		return errors.Wrapf(waitErr, "p4 exited with error: %s", stderrText)
	}
	return io.EOF
}

// Close kills any still-running subprocess ("on destruction, any
// still-running subprocess is killed").
func (inv *Invoker) Close() {
	if inv.cmd.Process != nil && inv.cmd.ProcessState == nil {
		_ = inv.cmd.Process.Kill()
		_ = inv.cmd.Wait()
	}
	if inv.stderr != nil {
		os.Remove(inv.stderr.Name())
	}
}

// InvokeText runs `p4 -vnet.maxwait=<timeoutSeconds> <args...>` in p4's
// ordinary text output mode (no "-G"), for callers like the have-list
// filter (component J) where marshaled-dict decoding is unneeded overhead.
// It waits for completion and returns stdout whole.
func InvokeText(ctx *o4ctx.Context, timeoutSeconds int, args ...string) (string, error) {
	fullArgs := append([]string{"-vnet.maxwait=" + strconv.Itoa(timeoutSeconds)}, args...)
	cmd := exec.Command("p4", fullArgs...)
	cmd.Env = append(os.Environ(), ctx.Environ()...)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		stderrText := strings.TrimSpace(stderr.String())
		if process.OutputIsCommandNotFound(stderrText) {
			return "", errors.Wrap(err, "p4 command not found")
		}
		if containsAny(stderrText, timeoutFragments) {
			return "", &o4errors.P4TimeoutError{Command: fullArgs}
		}
		return "", errors.Wrapf(err, "p4 exited with error: %s", stderrText)
	}
	return string(output), nil
}

func readStderrFile(name string) string {
	data, err := os.ReadFile(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Escape and Unescape implement Perforce's own path escaping of the four
// wildcard/special characters %, #, *, @, distinct from the fstat wire
// escaping in pkg/fstat.
var p4EscapeReplacer = strings.NewReplacer(
	"%", "%25",
	"#", "%23",
	"*", "%2a",
	"@", "%40",
)

var p4UnescapeReplacer = strings.NewReplacer(
	"%25", "%",
	"%23", "#",
	"%2a", "*",
	"%40", "@",
)

// Escape applies Perforce path escaping.
func Escape(path string) string {
	return p4EscapeReplacer.Replace(path)
}

// Unescape reverses Perforce path escaping.
func Unescape(path string) string {
	return p4UnescapeReplacer.Replace(path)
}

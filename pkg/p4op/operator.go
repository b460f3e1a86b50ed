// Package p4op implements component H: the p4 operator stage. It reads a
// stream of fstat records on stdin, builds the corresponding `p4 <args>`
// invocation, and re-emits each record (to stdout, as input to the next
// stage) only once p4 has actually finished acting on it.
package p4op

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/filter"
	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/o4errors"
	"github.com/o4sync/o4/pkg/p4proto"
)

// maxArgvBytes is the threshold above which paths are written to a -x
// argfile instead of being passed directly on the command line.
const maxArgvBytes = 30 * 1024

// maxTimeoutRetries bounds how many times a P4TimeoutError is retried
// before the operator gives up.
const maxTimeoutRetries = 3

// Operator drives one `p4 <args>` invocation over a stream of fstat
// records, matching p4's replies back to the records that requested them.
type Operator struct {
	Ctx *o4ctx.Context

	// NoRevision suppresses the "#<rev>"/"@<CL>" path suffix entirely,
	// used by commands like `p4 add` where a revision selector is invalid.
	NoRevision bool
	// Quiet suppresses re-emitting matched records to stdout.
	Quiet bool
	// O4Dir is the workspace's ".o4" directory, used for argfiles and
	// debug bundles.
	O4Dir string

	logger *logging.Logger
}

// Run executes `p4 <args>` against the fstat records read from r,
// re-emitting survivors (fstat records and "#o4pass-*" lines) to w.
func (o *Operator) Run(args []string, r io.Reader, w io.Writer) error {
	logger := o.Ctx.Sublogger("pyforce")
	writer := bufio.NewWriter(w)
	defer writer.Flush()
	o.logger = logger.WithPassthrough(func(kind logging.PassthroughKind, message string) {
		fmt.Fprintln(writer, fstat.EncodePassthrough(fstat.PassthroughLine{Kind: string(kind), Message: message}))
	})

	fstats, err := o.readRecords(r, writer)
	if err != nil {
		return err
	}

	head := strings.TrimSuffix(o.Ctx.DepotPath, "/...")
	state := filter.NewState(o.Ctx, o.Ctx.ClientRoot)

	var accurate []fstat.Record
	for _, rec := range fstats {
		ok, err := filter.Case().Evaluate(state, rec)
		if err != nil {
			return err
		}
		if ok {
			accurate = append(accurate, rec)
		} else {
			o.logger.Warnf("pyforce is skipping %s because it is casefully mismatching a local file", rec.Path)
		}
	}
	fstats = accurate

	retries := maxTimeoutRetries
	var queuedPrints []fstat.Record

	for len(fstats) > 0 {
		pass, err := o.runOnePass(args, fstats, head)
		if err != nil {
			if timeoutErr, ok := err.(*o4errors.P4TimeoutError); ok {
				if retries <= 0 {
					return errors.Wrap(timeoutErr, "perforce timed out too many times")
				}
				retries--
				o.logger.Warnf("p4 timed out, %d retries left: %v", retries, timeoutErr)
				continue
			}
			if clobberErr, ok := err.(*clobberRetryError); ok {
				for _, path := range clobberErr.Paths {
					if bakErr := o.backupClobberedFile(path); bakErr != nil {
						return bakErr
					}
				}
				continue
			}
			return err
		}

		fstats = pass.remaining
		queuedPrints = append(queuedPrints, pass.matched...)

		if len(pass.matched) == 0 && len(fstats) > 0 {
			bundle, bundleErr := o.writeDebugBundle(args, fstats, pass.errs, pass.infos)
			if bundleErr != nil {
				return bundleErr
			}
			return &o4errors.PyforceAbortError{Reason: "nothing recognized from p4", BundlePath: bundle}
		}
	}

	if !o.Quiet {
		for _, rec := range queuedPrints {
			if _, err := writer.WriteString(fstat.Encode(rec) + "\n"); err != nil {
				return errors.Wrap(err, "unable to write matched record")
			}
		}
	}
	return nil
}

// readRecords parses stdin, writing passthrough lines straight through and
// collecting well-formed records.
func (o *Operator) readRecords(r io.Reader, w io.Writer) ([]fstat.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var records []fstat.Record
	for scanner.Scan() {
		line := scanner.Text()
		record, passthrough, err := fstat.Decode(line)
		if err != nil {
			return nil, err
		}
		if passthrough != nil {
			fmt.Fprintln(w, line)
			continue
		}
		if record != nil {
			records = append(records, *record)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "unable to read pyforce input")
	}
	return records, nil
}

// pass is the outcome of sending one batch of records through a single p4
// invocation.
type pass struct {
	matched   []fstat.Record
	remaining []fstat.Record
	errs      []p4proto.Result
	infos     []p4proto.Result
}

// clobberRetryError signals that every accumulated error this pass was a
// recoverable "clobber writable file" condition.
type clobberRetryError struct {
	Paths []string
}

func (e *clobberRetryError) Error() string {
	return fmt.Sprintf("clobber writable file: %v", e.Paths)
}

func (o *Operator) runOnePass(args []string, fstats []fstat.Record, head string) (*pass, error) {
	p4args, cleanup, err := o.buildArgv(fstats)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	fullArgs := append(append([]string{}, args...), p4args...)
	inv, err := p4proto.Invoke(o.Ctx, o.Ctx.P4Timeout, fullArgs...)
	if err != nil {
		return nil, err
	}
	defer inv.Close()

	remaining := append([]fstat.Record{}, fstats...)
	result := &pass{}

	for {
		res, err := inv.Next()
		if err == io.EOF {
			break
		}
		if p4err, ok := err.(*o4errors.P4Error); ok {
			return nil, o.classifyPassError(p4err)
		}
		if err != nil {
			return nil, err
		}

		if res.Code == "info" {
			result.infos = append(result.infos, *res)
		}
		if _, hasResolveFlag := res.Fields["resolveFlag"]; hasResolveFlag {
			continue
		}

		idx, queuePrint, ok := matchResult(remaining, head, res)
		if !ok {
			result.errs = append(result.errs, *res)
			continue
		}
		matchedRecord := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		if queuePrint {
			result.matched = append(result.matched, matchedRecord)
		}
	}

	if len(result.errs) > 0 {
		bundle, bundleErr := o.writeDebugBundle(args, remaining, result.errs, result.infos)
		if bundleErr != nil {
			return nil, bundleErr
		}
		return nil, &o4errors.PyforceAbortError{Reason: "unexpected reply from p4", BundlePath: bundle}
	}

	result.remaining = remaining
	return result, nil
}

// classifyPassError inspects an accumulated *o4errors.P4Error's records: if
// every one of them is a recoverable "clobber writable file" condition, it
// returns a *clobberRetryError so the caller can perform the backup dance
// and retry; otherwise it surfaces the non-recoverable errors as
// "#o4pass-err#" lines and returns the original error.
func (o *Operator) classifyPassError(p4err *o4errors.P4Error) error {
	var clobberPaths []string
	nonRecoverable := false
	for _, rec := range p4err.Records {
		if path, ok := clobberPathFromMessage(rec.Data); ok {
			clobberPaths = append(clobberPaths, path)
			continue
		}
		o.logger.Passthrough(logging.PassthroughErr, "%s", rec.Data)
		nonRecoverable = true
	}
	if nonRecoverable {
		return p4err
	}
	return &clobberRetryError{Paths: clobberPaths}
}

const clobberFragment = "clobber writable file"

func clobberPathFromMessage(data string) (string, bool) {
	idx := strings.Index(data, clobberFragment)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(data[idx+len(clobberFragment):]), true
}

// backupClobberedFile performs the "rename existing .bak, copy current
// file to .bak, chmod 0400" recovery dance for one clobbered path,
// emitting informational passthrough lines as it goes.
func (o *Operator) backupClobberedFile(path string) error {
	bak := path + ".bak"
	if _, err := os.Stat(bak); err == nil {
		renamed := fmt.Sprintf("%s.%d", bak, time.Now().Unix())
		o.logger.Passthrough(logging.PassthroughInfo, "moved previous .bak to %s", renamed)
		if err := os.Rename(bak, renamed); err != nil {
			return errors.Wrapf(err, "unable to rename stale backup for %s", path)
		}
	}
	o.logger.Passthrough(logging.PassthroughInfo, "writable file %s copied to .bak", path)
	if err := copyFile(path, bak); err != nil {
		return errors.Wrapf(err, "unable to back up %s", path)
	}
	if err := os.Chmod(path, 0400); err != nil {
		return errors.Wrapf(err, "unable to chmod %s", path)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// matchResult finds the record a p4 reply corresponds to, by substring
// match against the reply's depot path (or synthesized client path for
// replies that only carry a client-relative "data" field).
func matchResult(records []fstat.Record, head string, res *p4proto.Result) (idx int, queuePrint bool, ok bool) {
	resStr, _ := res.Fields["depotFile"].(string)
	if resStr == "" {
		resStr, _ = res.Fields["fromFile"].(string)
	}
	if resStr == "" {
		if data, _ := res.Fields["data"].(string); data != "" {
			resStr = head + "/" + data
		}
	}
	if resStr == "" {
		return 0, false, false
	}
	resStr = p4proto.Unescape(resStr)

	for i, rec := range records {
		full := head + "/" + rec.Path
		if strings.Contains(resStr, full) {
			return i, res.Code != "mute", true
		}
	}
	return 0, false, false
}

// buildArgv renders records into p4 path arguments, spilling to a -x
// argfile under O4Dir when the combined argv would exceed maxArgvBytes.
func (o *Operator) buildArgv(records []fstat.Record) (args []string, cleanup func(), err error) {
	paths := make([]string, len(records))
	total := 0
	for i, rec := range records {
		paths[i] = pathArgument(rec, o.NoRevision)
		total += len(paths[i])
	}

	if total <= maxArgvBytes {
		return paths, func() {}, nil
	}

	f, err := os.CreateTemp(o.O4Dir, "pyforce-args-*")
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to create pyforce argfile")
	}
	for _, p := range paths {
		if _, err := f.WriteString(p + "\n"); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, nil, errors.Wrap(err, "unable to write pyforce argfile")
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, nil, errors.Wrap(err, "unable to flush pyforce argfile")
	}
	name := f.Name()
	return []string{"-x", name}, func() { os.Remove(name) }, nil
}

func pathArgument(rec fstat.Record, noRevision bool) string {
	escaped := p4proto.Escape(rec.Path)
	if noRevision {
		return escaped
	}
	if rec.Revision == fstat.UseCL {
		return fmt.Sprintf("%s@%d", escaped, rec.Changelist)
	}
	return fmt.Sprintf("%s#%d", escaped, rec.Revision)
}

// writeDebugBundle serializes the current pass's diagnostic state to
// ".o4/debug-pyforce.<pid>.<ts>.<uuid>" and returns its path.
func (o *Operator) writeDebugBundle(args []string, fstats []fstat.Record, errs, infos []p4proto.Result) (string, error) {
	name := fmt.Sprintf("debug-pyforce.%d.%d.%s", os.Getpid(), time.Now().Unix(), uuid.New().String()[:8])
	path := filepath.Join(o.O4Dir, name)

	bundle := struct {
		Args   []string       `json:"args"`
		Fstats []fstat.Record `json:"fstats"`
		Errs   []p4proto.Result
		Infos  []p4proto.Result
	}{Args: args, Fstats: fstats, Errs: errs, Infos: infos}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "unable to marshal debug bundle")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrap(err, "unable to write debug bundle")
	}
	return path, nil
}

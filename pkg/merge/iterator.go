// Package merge implements component E: the fstat merge iterator. It
// combines up to four sources — a remote fstat service, Perforce itself,
// a second remote pass for any redirected range, and the prior local
// cache — into one descending-changelist record stream, and publishes the
// merged set as the next cache file when the Iterator is closed.
package merge

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/cache"
	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/fstatclient"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/o4errors"
	"github.com/o4sync/o4/pkg/p4proto"
)

// maxTimeoutRetries bounds how many times a single Perforce fstat call is
// retried after a *o4errors.P4TimeoutError.
const maxTimeoutRetries = 3

// Options configures one merge run.
type Options struct {
	O4Dir       string
	DepotPath   string
	ToCL        int
	FromCL      int
	P4Timeout   int
	FstatClient *fstatclient.Client // nil disables the remote-service phases
}

// Iterator yields fstat records with FromCL < Changelist <= ToCL, in
// descending changelist order, while collecting the full merged record
// set for the new cache file. Callers MUST call Close, which both
// releases resources and performs the atomic cache-file rename; an
// Iterator that is abandoned before Close leaves no cache file behind,
// by construction.
type Iterator struct {
	opts   Options
	ctx    *o4ctx.Context
	logger *logging.Logger

	merged  []fstat.Record // full merge result, descending CL, deduped by path
	emitIdx int

	cachePath string
	closed    bool
}

// New runs the phased merge across all four sources and returns an
// Iterator ready for Next/Close. The phased gathering happens eagerly
// inside New so that redirect-splitting and retry logic can be expressed
// as ordinary sequential control flow; Next/Close only walk the already
// merged, already deduped result.
func New(ctx *o4ctx.Context, opts Options) (*Iterator, error) {
	logger := ctx.Sublogger("merge")
	cacheCL, cachePath := cache.FindNearest(opts.O4Dir, opts.ToCL)

	it := &Iterator{opts: opts, ctx: ctx, logger: logger}

	if cacheCL == opts.ToCL && opts.FromCL == 0 && cachePath != "" {
		if err := it.streamDirectlyFromCache(cachePath); err != nil {
			return nil, err
		}
		return it, nil
	}

	seen := map[string]bool{}
	var merged []fstat.Record

	appendNew := func(records []fstat.Record) {
		for _, r := range records {
			if seen[r.Path] {
				continue
			}
			seen[r.Path] = true
			merged = append(merged, r)
		}
	}

	// p4Low is the low end of the range Perforce must still cover once the
	// remote-service phase has staked its claim.
	p4Low := cacheCL
	reservedLow, reservedHigh := 0, 0

	if opts.FstatClient != nil {
		records, redirectCL, err := it.fetchRemote(cacheCL, opts.ToCL)
		if err != nil {
			return nil, err
		}
		switch {
		case redirectCL < 0:
			// Remote request failed; Perforce covers (cacheCL, toCL].
		case redirectCL == 0:
			// Remote source fully covered (cacheCL, toCL]; nothing left for Perforce.
			appendNew(records)
			p4Low = opts.ToCL
		case redirectCL > opts.ToCL:
			logger.Warnf("remote fstat service redirected to CL %d beyond requested %d; abandoning remote source", redirectCL, opts.ToCL)
		case redirectCL > cacheCL:
			// Split: (redirectCL, toCL] from Perforce now, (cacheCL, redirectCL] reserved for a second remote pass.
			reservedLow, reservedHigh = cacheCL, redirectCL
			p4Low = redirectCL
		}
	}

	if p4Low < opts.ToCL {
		records, err := it.fetchPerforce(p4Low, opts.ToCL)
		if err != nil {
			return nil, err
		}
		appendNew(records)
	}

	if reservedHigh > reservedLow && opts.FstatClient != nil {
		records, redirectCL, err := it.fetchRemote(reservedLow, reservedHigh)
		if err != nil {
			return nil, err
		}
		if redirectCL == 0 {
			appendNew(records)
		} else {
			logger.Warnf("remote fstat service did not serve the second pass (result %d); falling back to Perforce for (%d,%d]", redirectCL, reservedLow, reservedHigh)
			records, err := it.fetchPerforce(reservedLow, reservedHigh)
			if err != nil {
				return nil, err
			}
			appendNew(records)
		}
	}

	if cachePath != "" {
		localRecords, err := it.readLocalCache(cachePath)
		if err != nil {
			return nil, err
		}
		appendNew(localRecords)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Changelist > merged[j].Changelist })
	it.merged = merged
	return it, nil
}

func (it *Iterator) streamDirectlyFromCache(path string) error {
	var records []fstat.Record
	err := cache.Read(path, func(l cache.Line) error {
		if l.Record == nil {
			return nil
		}
		if l.Record.Changelist < it.opts.FromCL {
			return errStopScan
		}
		records = append(records, *l.Record)
		return nil
	})
	if err != nil && err != errStopScan {
		return err
	}
	it.merged = records
	it.cachePath = path
	return nil
}

var errStopScan = errors.New("merge: stop scan")

// Next returns the next record in descending-changelist order within
// (FromCL, ToCL], or (nil, io.EOF) once exhausted.
func (it *Iterator) Next() (*fstat.Record, error) {
	for it.emitIdx < len(it.merged) {
		r := it.merged[it.emitIdx]
		it.emitIdx++
		if r.Changelist <= it.opts.FromCL {
			continue
		}
		if r.Changelist > it.opts.ToCL {
			continue
		}
		return &r, nil
	}
	return nil, io.EOF
}

// Close drains any remaining records (the "drain remainder"
// guarantee) and, unless the special direct-from-cache path was used,
// atomically publishes the merged result as the new cache file for ToCL.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true

	for {
		if _, err := it.Next(); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}

	if it.cachePath != "" {
		// Direct-from-cache special case: the existing cache file already
		// covers ToCL, so there is nothing new to publish.
		return nil
	}

	_, err := cache.AtomicWrite(it.opts.O4Dir, it.opts.ToCL, it.merged)
	return err
}

// fetchRemote performs one remote-service request for (low, high]. It
// returns (records, 0, nil) on success, (nil, redirectCL, nil) if the
// service redirected, or (nil, -1, nil) if the request failed, in which
// case Perforce covers the range instead.
func (it *Iterator) fetchRemote(low, high int) ([]fstat.Record, int, error) {
	if high <= low {
		return nil, 0, nil
	}
	result, err := it.opts.FstatClient.Fetch(context.Background(), it.opts.DepotPath, high)
	if err != nil {
		it.logger.Warnf("remote fstat service request failed, falling back to Perforce: %v", err)
		return nil, -1, nil
	}
	if result.Redirected {
		return nil, result.Changelist, nil
	}
	defer result.Body.Close()

	var records []fstat.Record
	scanErr := scanLines(result.Body, func(line string) error {
		record, _, err := fstat.Decode(line)
		if err != nil {
			return err
		}
		if record == nil {
			return nil
		}
		if record.Changelist <= low {
			return nil
		}
		records = append(records, *record)
		return nil
	})
	if scanErr != nil {
		return nil, 0, scanErr
	}
	return records, 0, nil
}

// fetchPerforce runs `p4 fstat` for (low, high], retrying on timeout and
// widening scope on "Too many rows scanned".
func (it *Iterator) fetchPerforce(low, high int) ([]fstat.Record, error) {
	attempts := 0
	for {
		records, err := it.runP4Fstat(low, high)
		if err == nil {
			return records, nil
		}
		if _, ok := err.(*o4errors.P4TimeoutError); ok {
			attempts++
			if attempts > maxTimeoutRetries {
				return nil, err
			}
			continue
		}
		if _, ok := err.(*o4errors.MaxRowsScannedError); ok {
			// Widen the scanned range to the full history. The local
			// cache is still merged afterwards in New, but only for paths
			// this pass did not return.
			if low > 0 {
				low = 0
				continue
			}
			return nil, err
		}
		return nil, err
	}
}

func (it *Iterator) runP4Fstat(low, high int) ([]fstat.Record, error) {
	args := buildFstatArgs(it.opts.DepotPath, low, high)
	inv, err := p4proto.Invoke(it.ctx, it.opts.P4Timeout, args...)
	if err != nil {
		return nil, err
	}
	defer inv.Close()

	var records []fstat.Record
	for {
		result, err := inv.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			if p4err, ok := err.(*o4errors.P4Error); ok {
				if classified := classifyP4Error(p4err); classified != nil {
					return nil, classified
				}
				return records, nil // "no such file(s)" class: treat as empty
			}
			return nil, err
		}
		if result.Code != "stat" {
			continue
		}
		record, ok := recordFromFstatFields(result.Fields, it.opts.DepotPath)
		if !ok {
			continue
		}
		records = append(records, record)
	}
}

func classifyP4Error(p4err *o4errors.P4Error) error {
	for _, rec := range p4err.Records {
		switch {
		case strings.Contains(rec.Data, "Too many rows scanned"):
			return &o4errors.MaxRowsScannedError{}
		case strings.Contains(rec.Data, "Request too large"):
			return &o4errors.RequestTooLargeError{}
		case strings.Contains(rec.Data, "no such file"):
			continue // treated as empty, not an error
		}
	}
	// Only "no such file" records (or none matched): benign.
	return nil
}

// buildFstatArgs constructs the `p4 fstat` argument list for the
// changelist range (low, high], using Perforce's revision-range suffix
// syntax on the depot path.
func buildFstatArgs(depotPath string, low, high int) []string {
	fields := "-T"
	columns := "depotFile,headRev,headChange,fileSize,digest,headAction,headType"
	path := depotPath
	if low > 0 {
		path = depotPath + "@" + strconv.Itoa(low+1) + "," + strconv.Itoa(high)
	} else {
		path = depotPath + "@" + strconv.Itoa(high)
	}
	return []string{"fstat", fields, columns, path}
}

// depotRelativePath strips depotPath's "//depot/proj/..." trailing
// wildcard and the common prefix it denotes, so records are stored keyed
// by a path relative to the depot root the way every other stage (filter,
// p4op, havelist) expects (see pkg/filter.State.absolute).
func depotRelativePath(depotPath, fullPath string) string {
	prefix := strings.TrimSuffix(depotPath, "...")
	return strings.TrimPrefix(p4proto.Unescape(fullPath), prefix)
}

func recordFromFstatFields(fields map[string]interface{}, depotPath string) (fstat.Record, bool) {
	path, _ := fields["depotFile"].(string)
	if path == "" {
		return fstat.Record{}, false
	}
	cl := intField(fields, "headChange")
	rev := intField(fields, "headRev")
	size := int64(intField(fields, "fileSize"))
	digest, _ := fields["digest"].(string)
	action, _ := fields["headAction"].(string)
	headType, _ := fields["headType"].(string)

	record := fstat.Record{
		Changelist: cl,
		Path:       depotRelativePath(depotPath, path),
		Revision:   rev,
		Size:       size,
		Flavor:     flavorFromHeadType(headType),
		Checksum:   strings.ToUpper(digest),
	}
	if strings.Contains(action, "delete") {
		record.Checksum = ""
		record.Size = 0
	}
	return record, true
}

func flavorFromHeadType(headType string) fstat.Flavor {
	switch {
	case strings.Contains(headType, "symlink"):
		return fstat.FlavorSymlink
	case strings.Contains(headType, "utf16"):
		return fstat.FlavorUTF16
	case strings.Contains(headType, "utf8"):
		return fstat.FlavorUTF8
	default:
		return fstat.FlavorNone
	}
}

func intField(fields map[string]interface{}, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func (it *Iterator) readLocalCache(path string) ([]fstat.Record, error) {
	var records []fstat.Record
	err := cache.Read(path, func(l cache.Line) error {
		if l.Record != nil {
			records = append(records, *l.Record)
		}
		return nil
	})
	return records, err
}

// scanLines reads newline-delimited text from r, invoking fn per line.
func scanLines(r io.Reader, fn func(line string) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "unable to read fstat stream")
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

// Package status implements component K's read-only half: a checksum
// verification report over the workspace without mutating it or the
// server have-list. It mirrors the sync orchestrator's "fstat-merge,
// filter to mismatches" shape but never acts on what it finds — the
// one legitimate reason to skip the p4 operator stage entirely.
package status

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/cache"
	"github.com/o4sync/o4/pkg/checksum"
	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/merge"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/o4errors"
	"github.com/o4sync/o4/pkg/p4proto"
)

// quickNumerator/quickDenominator narrow a --quick status check to the most recent fifth
// of the local changelist range, matching the original's "check the
// last 20%" heuristic.
const quickNumerator, quickDenominator = 4, 5

// Options configures one status run.
type Options struct {
	Ctx      *o4ctx.Context
	O4Dir    string
	ToCL     int
	CheckAll bool // include deleted paths in the checksum pass, not just present files
	Quick    bool // restrict the range checked to the most recent 1/5th of changes
}

// Mark is the single-character classification printed next to a path,
// following the original tool's "!=Checksum fail A=Added D=Deleted
// M=Modified O=Open R=Renamed" legend.
type Mark byte

const (
	MarkNone     Mark = ' '
	MarkAdded    Mark = 'A'
	MarkDeleted  Mark = 'D'
	MarkModified Mark = 'M'
	MarkOpen     Mark = 'O'
)

// Entry describes one path that diverges from a clean sync: either its
// content disagrees with the cached checksum, or it is open for edit.
type Entry struct {
	Path string
	// Naughty is true when the path has drifted from its checksum
	// without being open for edit at all -- content changed outside p4.
	Naughty bool
	// Renamed is true when a `p4 opened` move/delete names this path as
	// the source of a pending rename; RenamedTo holds the destination.
	Renamed   bool
	RenamedTo string
	Mark      Mark
}

// Report is the outcome of a status run.
type Report struct {
	CurrentCL    int
	HeadCL       int
	FilesChecked int
	BytesChecked int64
	Entries      []Entry
}

// AllClean reports whether every checked file passed and nothing is open
// for edit.
func (r *Report) AllClean() bool {
	return len(r.Entries) == 0
}

// Run performs one status check: it determines the locally synced
// changelist, re-checksums the files recorded for it (optionally
// narrowed by Quick, optionally including deletes when CheckAll), cross
// references currently opened files, and classifies every path that
// isn't clean.
func Run(opts Options) (*Report, error) {
	ctx := opts.Ctx

	cur, ok := cache.ReadSyncedChangelist(opts.O4Dir)
	if !ok {
		cur, _ = cache.FindNearest(opts.O4Dir, opts.ToCL)
	}
	if cur == 0 {
		return nil, errors.New("current changelist could not be determined")
	}

	fromCL := 0
	if opts.Quick {
		fromCL = cur * quickNumerator / quickDenominator
	}

	records, err := collectRecords(ctx, opts, fromCL, cur)
	if err != nil {
		return nil, err
	}

	crcs := map[string]fstat.Record{}
	filesChecked := 0
	var bytesChecked int64
	for _, r := range records {
		if r.IsDelete() && !opts.CheckAll {
			continue
		}
		filesChecked++
		bytesChecked += r.Size
		match, err := checksumMatches(ctx, r)
		if err != nil {
			return nil, err
		}
		if !match {
			crcs[r.Path] = r
		}
	}

	opened, err := fetchOpened(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := buildEntries(ctx, crcs, opened)
	if err != nil {
		return nil, err
	}

	return &Report{
		CurrentCL:    cur,
		HeadCL:       opts.ToCL,
		FilesChecked: filesChecked,
		BytesChecked: bytesChecked,
		Entries:      entries,
	}, nil
}

// buildEntries classifies every path that appears either in crcs
// (failed its checksum check) or opened (currently checked out),
// implementing the A/D/M/O/R/! legend. It is split out from Run so the
// classification logic is testable without a live p4 connection or a
// real fstat merge.
func buildEntries(ctx *o4ctx.Context, crcs map[string]fstat.Record, opened map[string]openedInfo) ([]Entry, error) {
	renamed := map[string]string{}
	for path, info := range opened {
		if info.Action == "move/delete" {
			renamed[path] = info.MovedFile
		}
	}

	missing := map[string]bool{}
	for path := range crcs {
		if renamed[path] != "" {
			continue
		}
		if present, _ := fileExists(filepath.Join(ctx.ClientRoot, path)); !present {
			missing[path] = true
		}
	}

	allPaths := map[string]bool{}
	for path := range opened {
		allPaths[path] = true
	}
	for path := range crcs {
		allPaths[path] = true
	}

	sorted := make([]string, 0, len(allPaths))
	for path := range allPaths {
		sorted = append(sorted, path)
	}
	sort.Strings(sorted)

	var entries []Entry
	for _, path := range sorted {
		info, hasOpen := opened[path]
		if hasOpen && info.Action == "move/add" {
			// The move/delete side of this pair already reports it.
			continue
		}

		entry := Entry{Path: path}
		_, entry.Naughty = crcs[path]
		entry.Naughty = entry.Naughty && !hasOpen

		mark := MarkNone
		if missing[path] {
			// missing is always a subset of crcs's keys (a file only
			// qualifies once its checksum already disagreed), so this
			// must come before the plain crcs check below rather than
			// being unconditionally overwritten by it -- a present,
			// content-mismatched file is Modified, an absent one is
			// Deleted, never both.
			mark = MarkDeleted
		} else if _, ok := crcs[path]; ok {
			mark = MarkModified
		}
		if dest, isRenamed := renamed[path]; isRenamed {
			entry.Renamed = true
			entry.RenamedTo = dest
			mark = MarkNone
			if rec, ok := crcs[path]; ok {
				match, err := renamedChecksumMatches(ctx, dest, rec)
				if err != nil {
					return nil, err
				}
				if !match {
					mark = MarkModified
				}
			}
		}
		if hasOpen && info.Action == "add" {
			mark = MarkAdded
		}
		if mark == MarkNone && hasOpen {
			mark = MarkOpen
		}
		entry.Mark = mark
		entries = append(entries, entry)
	}
	return entries, nil
}

// collectRecords drains the fstat merge iterator over (fromCL, toCL].
func collectRecords(ctx *o4ctx.Context, opts Options, fromCL, toCL int) ([]fstat.Record, error) {
	it, err := merge.New(ctx, merge.Options{
		O4Dir:     opts.O4Dir,
		DepotPath: ctx.DepotPath,
		ToCL:      toCL,
		FromCL:    fromCL,
		P4Timeout: ctx.P4Timeout,
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var records []fstat.Record
	for {
		r, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, nil
}

func checksumMatches(ctx *o4ctx.Context, r fstat.Record) (bool, error) {
	path := filepath.Join(ctx.ClientRoot, r.Path)
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r.IsDelete(), nil
		}
		return false, err
	}
	if r.IsDelete() {
		return info.IsDir(), nil
	}
	if r.Flavor == fstat.FlavorSymlink {
		return true, nil
	}
	sum, err := checksum.Checksum(path, r.Size, r.Flavor)
	if err != nil {
		return false, err
	}
	return sum == r.Checksum, nil
}

// renamedChecksumMatches re-checksums a record's content at its renamed
// destination path, since the move target is where the content actually
// lives now.
func renamedChecksumMatches(ctx *o4ctx.Context, destRelative string, r fstat.Record) (bool, error) {
	path := filepath.Join(ctx.ClientRoot, destRelative)
	sum, err := checksum.Checksum(path, r.Size, r.Flavor)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return sum == r.Checksum, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// openedInfo is the subset of `p4 opened` fields status needs to detect
// adds and pending renames.
type openedInfo struct {
	Action    string
	MovedFile string
}

// fetchOpened runs `p4 opened` and indexes the result by depot-relative
// path, same convention as every other depot-relative consumer in this
// module.
func fetchOpened(ctx *o4ctx.Context) (map[string]openedInfo, error) {
	inv, err := p4proto.Invoke(ctx, ctx.P4Timeout, "opened", ctx.DepotPath)
	if err != nil {
		return nil, errors.Wrap(err, "unable to run p4 opened")
	}
	defer inv.Close()

	prefix := strings.TrimSuffix(ctx.DepotPath, "...")
	opened := map[string]openedInfo{}
	for {
		result, err := inv.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if _, ok := err.(*o4errors.P4Error); ok {
				break
			}
			return nil, err
		}
		if result.Code != "stat" && result.Code != "info" {
			continue
		}
		depotFile, _ := result.Fields["depotFile"].(string)
		if depotFile == "" {
			continue
		}
		relative := strings.TrimPrefix(p4proto.Unescape(depotFile), prefix)
		action, _ := result.Fields["action"].(string)
		info := openedInfo{Action: action}
		if movedFile, ok := result.Fields["movedFile"].(string); ok {
			info.MovedFile = strings.TrimPrefix(p4proto.Unescape(movedFile), prefix)
		}
		opened[relative] = info
	}
	return opened, nil
}

// String renders a report the way the original tool's terminal output
// reads: a summary header, the per-file legend, then one line per entry.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current changelist: %d\n", r.CurrentCL)
	fmt.Fprintf(&b, "  - HEAD is %d (+%d)\n", r.HeadCL, r.HeadCL-r.CurrentCL)
	fmt.Fprintf(&b, "Files checked: %d (%s)\n", r.FilesChecked, humanize.Bytes(uint64(r.BytesChecked)))
	if r.AllClean() {
		b.WriteString("All files passed the checksum test and no files are open for edit.\n")
		return b.String()
	}
	b.WriteString("\nFiles with local modifications:\n")
	b.WriteString(" (!=Checksum fail A=Added D=Deleted M=Modified O=Open R=Renamed)\n\n")
	for _, e := range r.Entries {
		naughty := byte(' ')
		if e.Naughty {
			naughty = '!'
		}
		renamed := byte(' ')
		name := e.Path
		if e.Renamed {
			renamed = 'R'
			name = fmt.Sprintf("%s -> %s", e.Path, e.RenamedTo)
		}
		fmt.Fprintf(&b, " %c%c%c  %s\n", naughty, renamed, byte(e.Mark), name)
	}
	return b.String()
}

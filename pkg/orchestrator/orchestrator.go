// Package orchestrator implements component I: the sync state machine
// that composes the fstat merge iterator (E), the filter stages (F), the
// p4 operator stage (H), and the have-list filter (J) into one top-level
// sequential pass, mirroring the original implementation's
// o4.py:o4_sync function while expressing its stage boundaries as Go
// values instead of bash pipes.
package orchestrator

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/o4sync/o4/pkg/cache"
	"github.com/o4sync/o4/pkg/config"
	"github.com/o4sync/o4/pkg/filter"
	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/havelist"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/merge"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/p4op"
	"github.com/o4sync/o4/pkg/p4proto"
	"github.com/o4sync/o4/pkg/pipeline"
)

// maxVerifyRetries bounds the primary/delete sync retry loops: p4
// occasionally reports success on a file that still fails content
// verification, and re-issuing "sync -f" typically succeeds within a
// couple of attempts.
const maxVerifyRetries = 3

// Options configures one Sync invocation.
type Options struct {
	Ctx *o4ctx.Context
	// Cfg, if non-nil, supplies loaded configuration properties such as
	// clientspec leniency; a nil Cfg applies every default check.
	Cfg *config.Config

	O4Dir string
	ToCL  int
	Force bool
	Quick bool
	Quiet bool

	// SeedPath, if non-empty, is a directory whose content is copied (or,
	// if SeedMove, moved) into place in preference to a p4 transfer.
	SeedPath string
	SeedMove bool

	// SkipOpened, if true, skips the opened-files handling state
	// entirely, leaving currently-opened files untouched by this sync.
	SkipOpened bool

	MergeOptions merge.Options
}

// Result is the outcome of a completed (or aborted) Sync.
type Result struct {
	ActualCL int
	Report   *pipeline.Report
	Skipped  bool // true if Preflight found prev_cl == to_cl and exited early
}

// syncState threads the pieces every stage of Sync shares: the resolved
// context, options, evaluation state for the filter predicates, and the
// collector every stage's passthrough output is routed into.
type syncState struct {
	ctx       *o4ctx.Context
	opts      Options
	state     *filter.State
	collector *pipeline.Collector
	logger    *logging.Logger
}

// Sync runs the seven-state sync state machine described by component I
// against a single target changelist.
func Sync(opts Options) (*Result, error) {
	ctx := opts.Ctx
	collector := &pipeline.Collector{}
	s := &syncState{
		ctx:       ctx,
		opts:      opts,
		state:     filter.NewState(ctx, ctx.ClientRoot),
		collector: collector,
		logger:    ctx.Sublogger("orchestrator").WithPassthrough(collector.Sink()),
	}

	prevCL, hadMarker := cache.ReadSyncedChangelist(opts.O4Dir)
	if hadMarker && prevCL == opts.ToCL && !opts.Force {
		return &Result{ActualCL: opts.ToCL, Skipped: true, Report: pipeline.NewReport(nil, collector)}, nil
	}

	if err := validateVanillaClientspec(ctx, opts.Cfg); err != nil {
		return nil, err
	}

	var openedPaths map[string]bool
	if !opts.SkipOpened {
		var err error
		openedPaths, err = handleOpenedFiles(s)
		if err != nil {
			return nil, err
		}
	}

	var records []fstat.Record
	var err error
	if hadMarker && prevCL > opts.ToCL {
		records, err = reverseSyncRecords(ctx, opts, prevCL)
	} else {
		records, err = collectMergeRecords(ctx, opts)
	}
	if err != nil {
		return nil, err
	}

	if err := s.runPrimarySync(records, openedPaths); err != nil {
		return nil, err
	}

	if err := s.runDeleteSync(records, openedPaths); err != nil {
		return nil, err
	}

	if opts.SeedPath != "" && !hadMarker {
		if err := s.flushSeedHavelist(); err != nil {
			return nil, err
		}
	}

	if !opts.Quick {
		if err := s.runPostVerify(records); err != nil {
			return nil, err
		}
	}

	report := pipeline.NewReport(nil, collector)
	if report.OnlyWarnings() {
		if cache.HasIncompleteMarker(opts.O4Dir) {
			// A prior stage recorded an incomplete run; honor it by
			// withholding the marker rather than overwriting it here.
			return &Result{ActualCL: opts.ToCL, Report: report}, nil
		}
		if err := cache.WriteSyncedChangelist(opts.O4Dir, opts.ToCL); err != nil {
			return nil, err
		}
	}
	return &Result{ActualCL: opts.ToCL, Report: report}, nil
}

// collectMergeRecords runs the fstat merge iterator (E) to completion and
// returns its full record set, also publishing the new cache file as a
// side effect of Close.
func collectMergeRecords(ctx *o4ctx.Context, opts Options) ([]fstat.Record, error) {
	mergeOpts := opts.MergeOptions
	mergeOpts.O4Dir = opts.O4Dir
	mergeOpts.DepotPath = ctx.DepotPath
	mergeOpts.ToCL = opts.ToCL
	mergeOpts.P4Timeout = ctx.P4Timeout

	it, err := merge.New(ctx, mergeOpts)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	progress := NewProgressWriter(opts.O4Dir)
	defer progress.Close()

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
		progress.Update("fstat")
	}
	return records, nil
}

// reverseSyncRecords implements the reverse-sync union described in
// component I: the merge is run twice — once to pin the set of files that
// should exist at ToCL, once over (ToCL, prevCL] to find files that did
// not exist at ToCL but were added afterward, which must become synthetic
// delete records in the unioned result.
func reverseSyncRecords(ctx *o4ctx.Context, opts Options, prevCL int) ([]fstat.Record, error) {
	keepSet, err := collectMergeRecords(ctx, opts)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(keepSet))
	for _, r := range keepSet {
		present[r.Path] = true
	}

	sinceMergeOpts := opts.MergeOptions
	sinceMergeOpts.O4Dir = opts.O4Dir
	sinceMergeOpts.DepotPath = ctx.DepotPath
	sinceMergeOpts.ToCL = prevCL
	sinceMergeOpts.FromCL = opts.ToCL
	sinceMergeOpts.P4Timeout = ctx.P4Timeout

	it, err := merge.New(ctx, sinceMergeOpts)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	result := append([]fstat.Record{}, keepSet...)
	seenSynthetic := map[string]bool{}
	for {
		r, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if present[r.Path] || seenSynthetic[r.Path] {
			continue
		}
		seenSynthetic[r.Path] = true
		result = append(result, fstat.Record{
			Changelist: opts.ToCL,
			Path:       r.Path,
			Revision:   0,
			Size:       0,
			Checksum:   "", // synthetic delete: the file did not exist at ToCL
		})
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].Changelist > result[j].Changelist })
	return result, nil
}

// runPrimarySync drives state 3: fstat-merge -> drop(not-deletes AND
// existence) -> (seed or p4 sync) -> drop(checksum), retried up to
// maxVerifyRetries times with "sync -f" on the residual mismatches.
func (s *syncState) runPrimarySync(records []fstat.Record, openedPaths map[string]bool) error {
	candidates, err := filterRecords(s.state, filter.Drop, []filter.Predicate{and(notDeletes(), filter.Existence())}, excludeOpened(records, openedPaths))
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	current := candidates
	for attempt := 0; attempt <= maxVerifyRetries && len(current) > 0; attempt++ {
		forwarded := current
		if s.opts.SeedPath != "" {
			forwarded, err = applySeed(s.ctx, s.opts.SeedPath, s.opts.SeedMove, current)
			if err != nil {
				return err
			}
		}

		if len(forwarded) > 0 {
			args := []string{"sync"}
			if attempt > 0 {
				args = []string{"sync", "-f"}
			}
			if err := s.runP4Op(args, forwarded); err != nil {
				return err
			}
		}

		current, err = filterRecords(s.state, filter.Drop, []filter.Predicate{filter.Checksum()}, current)
		if err != nil {
			return err
		}
	}
	return nil
}

// runDeleteSync drives state 4: fstat-merge -> drop(not deletes) -> p4
// sync (to update the have-list) -> retry.
func (s *syncState) runDeleteSync(records []fstat.Record, openedPaths map[string]bool) error {
	deletes, err := filterRecords(s.state, filter.Keep, []filter.Predicate{filter.Deletes()}, excludeOpened(records, openedPaths))
	if err != nil {
		return err
	}
	if len(deletes) == 0 {
		return nil
	}

	current := deletes
	for attempt := 0; attempt <= maxVerifyRetries && len(current) > 0; attempt++ {
		args := []string{"sync"}
		if attempt > 0 {
			args = []string{"sync", "-f"}
		}
		if err := s.runP4Op(args, current); err != nil {
			return err
		}
		current, err = filterRecords(s.state, filter.Keep, []filter.Predicate{filter.Existence()}, current)
		if err != nil {
			return err
		}
	}
	return nil
}

// runPostVerify drives state 6 (skipped under --quick): fstat-merge ->
// drop(havelist) -> p4 sync -k -> drop(havelist) -> fail. Any record
// surviving the second drop means the server's have-list still disagrees
// with local state after an attempt to reconcile it, and is reported as
// an incomplete run rather than failing the whole sync outright.
func (s *syncState) runPostVerify(records []fstat.Record) error {
	remaining, err := dropHavelist(s.ctx, records)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return nil
	}

	if err := s.runP4Op([]string{"sync", "-k"}, remaining); err != nil {
		return err
	}

	remaining, err = dropHavelist(s.ctx, remaining)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		s.logger.Passthrough(logging.PassthroughWarn, "%d file(s) still disagree with the server have-list after post-verify", len(remaining))
		return cache.SetIncompleteMarker(s.opts.O4Dir)
	}
	return nil
}

func dropHavelist(ctx *o4ctx.Context, records []fstat.Record) ([]fstat.Record, error) {
	var in bytes.Buffer
	for _, r := range records {
		in.WriteString(fstat.Encode(r) + "\n")
	}
	var out bytes.Buffer
	if err := havelist.Stage(ctx, &in, &out); err != nil {
		return nil, err
	}
	return decodeRecords(&out)
}

// flushSeedHavelist implements state 5: when a seed source was used and
// this is the first sync of this directory, align the have-list without
// transferring any data — a direct `p4 sync -k <depot>@<cl>` rather than
// the p4 operator stage (H), since there is no per-record fstat stream to
// drive here, only a single depot-path-and-changelist argument.
func (s *syncState) flushSeedHavelist() error {
	inv, err := p4proto.Invoke(s.ctx, s.ctx.P4Timeout, "sync", "-k", fmt.Sprintf("%s@%d", s.ctx.DepotPath, s.opts.ToCL))
	if err != nil {
		return err
	}
	defer inv.Close()
	for {
		if _, err := inv.Next(); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}

// runP4Op feeds records through the p4 operator stage (H), discarding the
// records it re-emits (the orchestrator already knows which records it
// asked p4 to act on; what matters here is p4's passthrough diagnostics)
// but forwarding every "#o4pass-*" line into this sync's collector.
func (s *syncState) runP4Op(args []string, records []fstat.Record) error {
	var in bytes.Buffer
	for _, r := range records {
		in.WriteString(fstat.Encode(r) + "\n")
	}
	op := &p4op.Operator{Ctx: s.ctx, Quiet: true, O4Dir: s.opts.O4Dir}
	var out bytes.Buffer
	if err := op.Run(args, &in, &out); err != nil {
		return err
	}
	return drainPassthrough(&out, s.logger, s.opts.Quiet)
}

// drainPassthrough re-emits every "#o4pass-*" line found in buf through
// logger, so a sub-stage's diagnostics reach the top-level run's Report.
// When quiet, informational lines are swallowed; warnings and errors
// always surface since they affect the run's exit code.
func drainPassthrough(buf *bytes.Buffer, logger *logging.Logger, quiet bool) error {
	for _, line := range splitLines(buf.String()) {
		if line == "" {
			continue
		}
		pt, ok := fstat.IsPassthrough(line)
		if !ok {
			continue
		}
		if quiet && pt.Kind == string(logging.PassthroughInfo) {
			continue
		}
		logger.Passthrough(logging.PassthroughKind(pt.Kind), "%s", pt.Message)
	}
	return nil
}

func filterRecords(state *filter.State, mode filter.Mode, predicates []filter.Predicate, records []fstat.Record) ([]fstat.Record, error) {
	var in bytes.Buffer
	for _, r := range records {
		in.WriteString(fstat.Encode(r) + "\n")
	}
	var out bytes.Buffer
	if err := filter.Stage(mode, predicates, state, &in, &out); err != nil {
		return nil, err
	}
	return decodeRecords(&out)
}

func decodeRecords(buf *bytes.Buffer) ([]fstat.Record, error) {
	var records []fstat.Record
	for _, line := range splitLines(buf.String()) {
		if line == "" {
			continue
		}
		record, _, err := fstat.Decode(line)
		if err != nil {
			return nil, err
		}
		if record != nil {
			records = append(records, *record)
		}
	}
	return records, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func notDeletes() filter.Predicate {
	return filter.Not(filter.Deletes())
}

func excludeOpened(records []fstat.Record, opened map[string]bool) []fstat.Record {
	if len(opened) == 0 {
		return records
	}
	out := make([]fstat.Record, 0, len(records))
	for _, r := range records {
		if opened[r.Path] {
			continue
		}
		out = append(out, r)
	}
	return out
}

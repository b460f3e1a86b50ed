package orchestrator

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/config"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/o4errors"
	"github.com/o4sync/o4/pkg/p4proto"
)

// validateVanillaClientspec implements state 1's clientspec check: every
// View mapping must share a common depot-side prefix ("vanilla"). A
// clientspec that maps unrelated depot trees into one workspace defeats
// the depot-path-relative assumption every other stage makes about
// fstat.Record.Path (see pkg/filter.State.absolute), so a non-vanilla
// clientspec is rejected here rather than producing confusing failures
// downstream. cfg may be nil, in which case the check always applies; a
// loaded configuration can waive it via "o4.allow_nonflat_clientspec" (or
// its "blt.edition.dev" fallback).
func validateVanillaClientspec(ctx *o4ctx.Context, cfg *config.Config) error {
	if cfg.AllowNonflatClientspec() {
		return nil
	}

	inv, err := p4proto.Invoke(ctx, ctx.P4Timeout, "client", "-o")
	if err != nil {
		return errors.Wrap(err, "unable to read clientspec")
	}
	defer inv.Close()

	var commonPrefix string
	sawView := false
	for {
		result, err := inv.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "unable to read clientspec")
		}
		for key, value := range result.Fields {
			if !strings.HasPrefix(key, "View") {
				continue
			}
			line, _ := value.(string)
			depotSide := strings.Fields(line)
			if len(depotSide) == 0 {
				continue
			}
			prefix := commonDepotPrefix(depotSide[0])
			if !sawView {
				commonPrefix = prefix
				sawView = true
				continue
			}
			if !strings.HasPrefix(prefix, commonPrefix) && !strings.HasPrefix(commonPrefix, prefix) {
				return errors.Errorf("clientspec is not vanilla: View mapping %q does not share a common depot prefix with %q", line, commonPrefix)
			}
			if len(prefix) < len(commonPrefix) {
				commonPrefix = prefix
			}
		}
	}
	return nil
}

// commonDepotPrefix trims a View mapping's depot side down to the
// directory portion preceding its first wildcard, for prefix comparison.
func commonDepotPrefix(depotSide string) string {
	for _, wildcard := range []string{"...", "*"} {
		if idx := strings.Index(depotSide, wildcard); idx >= 0 {
			return depotSide[:idx]
		}
	}
	return depotSide
}

// handleOpenedFiles implements state 2: enumerate `p4 opened`, sync and
// resolve those files, revert any that remain absent after resolution,
// and return the set of opened paths so the primary/delete sync pipelines
// can exclude them (they are handled here, not there).
func handleOpenedFiles(s *syncState) (map[string]bool, error) {
	opened, err := listOpenedPaths(s.ctx)
	if err != nil {
		return nil, err
	}
	if len(opened) == 0 {
		return nil, nil
	}

	paths := make([]string, 0, len(opened))
	for path := range opened {
		paths = append(paths, s.ctx.DepotPath+"/"+path)
	}

	if err := runP4Discard(s.ctx, append([]string{"sync"}, paths...)); err != nil {
		return nil, err
	}
	if err := runP4Discard(s.ctx, []string{"resolve", "-am", s.ctx.DepotPath}); err != nil {
		// "no file(s) to resolve" is reported by pkg/p4proto as benign
		// (re-tagged "stat"), so any error surfacing here is a real one.
		return nil, err
	}

	var residual []string
	for path := range opened {
		full := filepath.Join(s.ctx.ClientRoot, path)
		if _, statErr := os.Lstat(full); os.IsNotExist(statErr) {
			residual = append(residual, path)
		}
	}
	if len(residual) > 0 {
		revertArgs := make([]string, 0, len(residual)+1)
		revertArgs = append(revertArgs, "revert")
		for _, path := range residual {
			revertArgs = append(revertArgs, s.ctx.DepotPath+"/"+path)
		}
		if err := runP4Discard(s.ctx, revertArgs); err != nil {
			return nil, err
		}
		for _, path := range residual {
			full := filepath.Join(s.ctx.ClientRoot, path)
			if _, statErr := os.Lstat(full); os.IsNotExist(statErr) {
				return nil, errors.Errorf("opened file %s remains absent after revert", path)
			}
		}
	}

	return opened, nil
}

// listOpenedPaths runs `p4 opened` and returns the depot-relative paths
// currently open for any action, matching the depot-relative path
// convention pkg/filter.State.opened establishes.
func listOpenedPaths(ctx *o4ctx.Context) (map[string]bool, error) {
	inv, err := p4proto.Invoke(ctx, ctx.P4Timeout, "opened", ctx.DepotPath)
	if err != nil {
		return nil, errors.Wrap(err, "unable to run p4 opened")
	}
	defer inv.Close()

	prefix := strings.TrimSuffix(ctx.DepotPath, "...")
	opened := map[string]bool{}
	for {
		result, err := inv.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if _, ok := err.(*o4errors.P4Error); ok {
				break // "not opened on this client" class: treat as none opened
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
		opened[relative] = true
	}
	return opened, nil
}

// runP4Discard invokes p4 and drains its result stream, discarding
// individual records but surfacing any accumulated *o4errors.P4Error.
func runP4Discard(ctx *o4ctx.Context, args []string) error {
	inv, err := p4proto.Invoke(ctx, ctx.P4Timeout, args...)
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

package filter

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/p4proto"
)

// caseInsensitiveFilesystems lists the platforms whose default filesystem
// is case-insensitive, mirroring the original implementation's own
// narrower "darwin only" check extended to cover Windows as well.
var caseInsensitiveFilesystems = map[string]bool{
	"darwin":  true,
	"windows": true,
}

// State is the shared, lazily-populated context a set of predicates
// evaluates against: the workspace root, and the two caches ("p4 opened"
// and directory listings for case checks) that must only be populated
// once per process.
type State struct {
	Root string
	Ctx  *o4ctx.Context

	openedPaths map[string]bool
	openedErr   error

	dirListings map[string][]string
}

// NewState constructs filter evaluation state rooted at root.
func NewState(ctx *o4ctx.Context, root string) *State {
	return &State{Root: root, Ctx: ctx}
}

// absolute resolves a record path (relative to the depot root) to its
// on-disk location.
func (s *State) absolute(recordPath string) string {
	return filepath.Join(s.Root, recordPath)
}

// opened lazily loads the set of paths currently opened for any action,
// via a single `p4 opened` call per process.
func (s *State) opened() (map[string]bool, error) {
	if s.openedPaths != nil || s.openedErr != nil {
		return s.openedPaths, s.openedErr
	}

	opened := map[string]bool{}
	inv, err := p4proto.Invoke(s.Ctx, s.Ctx.P4Timeout, "opened", s.Ctx.DepotPath)
	if err != nil {
		s.openedErr = errors.Wrap(err, "unable to run p4 opened")
		return nil, s.openedErr
	}
	defer inv.Close()

	prefix := strings.TrimSuffix(s.Ctx.DepotPath, "...")
	for {
		result, err := inv.Next()
		if err != nil {
			break // io.EOF or accumulated *o4errors.P4Error: either way, stop collecting
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

	s.openedPaths = opened
	return opened, nil
}

// caseInsensitive reports whether the current platform's filesystem
// should be treated as case-insensitive for the `case` predicate.
func (s *State) caseInsensitive() bool {
	return caseInsensitiveFilesystems[runtime.GOOS]
}

// casefullyAccurate verifies that recordPath names the true on-disk
// casing, directory component by directory component, on case-insensitive
// filesystems; it is a no-op (always true) elsewhere.
func (s *State) casefullyAccurate(recordPath string) (bool, error) {
	if !s.caseInsensitive() {
		return true, nil
	}
	full := s.absolute(recordPath)
	if _, err := os.Lstat(full); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, errors.Wrapf(err, "unable to stat %s", full)
	}

	current := full
	for current != s.Root && current != string(filepath.Separator) && current != "." {
		dir, base := filepath.Split(strings.TrimSuffix(current, string(filepath.Separator)))
		dir = strings.TrimSuffix(dir, string(filepath.Separator))
		if dir == "" {
			break
		}
		listing, err := s.listDir(dir)
		if err != nil {
			return false, err
		}
		if !containsExact(listing, base) {
			return false, nil
		}
		current = dir
	}
	return true, nil
}

func (s *State) listDir(dir string) ([]string, error) {
	if s.dirListings == nil {
		s.dirListings = map[string][]string{}
	}
	if cached, ok := s.dirListings[dir]; ok {
		return cached, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list %s", dir)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	s.dirListings[dir] = names
	return names, nil
}

func containsExact(names []string, target string) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}

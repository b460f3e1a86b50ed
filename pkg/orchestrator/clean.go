package orchestrator

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CleanOptions configures Clean.
type CleanOptions struct {
	Sync Options

	// Resume continues a previously interrupted clean rather than moving
	// the workspace into .o4/cleaning/ again.
	Resume bool
	// Discard removes .o4/cleaning/'s leftovers once the reseeded sync
	// completes, instead of preserving them as .o4/cleaned.<timestamp>.
	Discard bool

	// Now supplies the timestamp used to name the preserved leftover
	// directory; exposed for deterministic tests since this package may
	// not call time.Now() itself (workflow scripting convention aside,
	// it keeps Clean's core logic testable without wall-clock coupling).
	Now func() string
}

const cleaningDirName = "cleaning"

// Clean implements the workspace scrub + reseed described at the end of
// component I: move everything under the workspace (except .o4) aside,
// rescue files still open for edit, then run an ordinary sync reseeded
// from the moved-aside content so unchanged files are restored without a
// real p4 transfer.
func Clean(opts CleanOptions) (*Result, error) {
	ctx := opts.Sync.Ctx
	cleaningDir := filepath.Join(opts.Sync.O4Dir, cleaningDirName)

	if !opts.Resume {
		if err := moveWorkspaceAside(ctx.ClientRoot, opts.Sync.O4Dir, cleaningDir); err != nil {
			return nil, err
		}
	}

	opened, err := listOpenedPaths(ctx)
	if err != nil {
		return nil, err
	}
	for path := range opened {
		if err := rescueFile(cleaningDir, ctx.ClientRoot, path); err != nil {
			return nil, err
		}
	}

	syncOpts := opts.Sync
	syncOpts.SeedPath = cleaningDir
	syncOpts.SeedMove = true
	result, err := Sync(syncOpts)
	if err != nil {
		return nil, err
	}

	if opts.Discard {
		if err := os.RemoveAll(cleaningDir); err != nil {
			return nil, errors.Wrap(err, "unable to discard cleaning directory")
		}
	} else if _, statErr := os.Stat(cleaningDir); statErr == nil {
		now := "unknown-time"
		if opts.Now != nil {
			now = opts.Now()
		}
		preserved := filepath.Join(opts.Sync.O4Dir, "cleaned."+now)
		if err := os.Rename(cleaningDir, preserved); err != nil {
			return nil, errors.Wrap(err, "unable to preserve cleaning leftovers")
		}
	}

	return result, nil
}

// moveWorkspaceAside moves every entry directly under root except o4Dir
// into cleaningDir, preserving relative paths.
func moveWorkspaceAside(root, o4Dir, cleaningDir string) error {
	if err := os.MkdirAll(cleaningDir, 0755); err != nil {
		return errors.Wrap(err, "unable to create cleaning directory")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return errors.Wrap(err, "unable to list workspace root")
	}

	o4Base := filepath.Base(o4Dir)
	for _, entry := range entries {
		if entry.Name() == o4Base {
			continue
		}
		src := filepath.Join(root, entry.Name())
		dst := filepath.Join(cleaningDir, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return errors.Wrapf(err, "unable to move %s aside", entry.Name())
		}
	}
	return nil
}

// rescueFile moves a single opened-for-edit file back from cleaningDir to
// its original location under root, if it was swept aside.
func rescueFile(cleaningDir, root, relativePath string) error {
	src := filepath.Join(cleaningDir, relativePath)
	if _, err := os.Lstat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dst := filepath.Join(root, relativePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.Wrapf(err, "unable to create directory to rescue %s", relativePath)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(err, "unable to rescue opened file %s", relativePath)
	}
	return nil
}

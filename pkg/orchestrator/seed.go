package orchestrator

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/o4ctx"
)

// applySeed tries to satisfy each non-delete record by copying (or, if
// move, moving) a matching file from seedRoot into the workspace, rather
// than asking p4 to transfer it. Records it successfully seeds are
// dropped from the returned slice; everything else (including every
// delete record, which a seed never covers) still needs a real p4 sync
// and is passed through unchanged.
func applySeed(ctx *o4ctx.Context, seedRoot string, move bool, records []fstat.Record) ([]fstat.Record, error) {
	var remaining []fstat.Record
	for _, record := range records {
		if record.IsDelete() {
			remaining = append(remaining, record)
			continue
		}

		src := filepath.Join(seedRoot, record.Path)
		if _, err := os.Lstat(src); err != nil {
			remaining = append(remaining, record)
			continue
		}

		dst := filepath.Join(ctx.ClientRoot, record.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return nil, errors.Wrapf(err, "unable to create directory for seeded file %s", record.Path)
		}

		var err error
		if move {
			err = os.Rename(src, dst)
		} else {
			err = copyFilePreservingMode(src, dst)
		}
		if err != nil {
			// A seed miss (permission error, cross-device rename, etc.)
			// falls back to a real p4 sync rather than failing the run.
			remaining = append(remaining, record)
			continue
		}
	}
	return remaining, nil
}

func copyFilePreservingMode(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

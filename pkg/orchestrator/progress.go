package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
)

// progressUpdateInterval matches the source's "write every Nth record"
// cadence: progress files are rewritten often enough to look live without
// making every record pay for a file write.
const progressUpdateInterval = 500

// ProgressWriter publishes a single overwritten status line to a small
// file (".o4/.fstat" under the workspace's O4Dir) during a long sync, the
// data-format half of the progress contract; "o4 progress" is the thin
// external reader of this same file.
type ProgressWriter struct {
	path string
	file *os.File
	n    int
}

// NewProgressWriter opens (truncating) the progress file for o4Dir. A
// nil *ProgressWriter is valid and every method becomes a no-op, so
// callers can leave progress reporting disabled unconditionally.
func NewProgressWriter(o4Dir string) *ProgressWriter {
	if o4Dir == "" {
		return nil
	}
	path := filepath.Join(o4Dir, ".fstat")
	f, err := os.Create(path)
	if err != nil {
		return nil
	}
	return &ProgressWriter{path: path, file: f}
}

// Update records one processed item under the given description, writing
// the "<desc>: <n>" line once every progressUpdateInterval items.
func (p *ProgressWriter) Update(desc string) {
	if p == nil || p.file == nil {
		return
	}
	p.n++
	if p.n%progressUpdateInterval != 0 {
		return
	}
	p.writeLine(fmt.Sprintf("%s: %d", desc, p.n))
}

// writeLine overwrites the progress file's contents in place, mirroring
// the source's seek-to-0-then-truncate update pattern.
func (p *ProgressWriter) writeLine(line string) {
	if _, err := p.file.Seek(0, 0); err != nil {
		return
	}
	_ = p.file.Truncate(0)
	fmt.Fprintln(p.file, line)
}

// Close marks the progress file complete and releases its handle. Per the
// source's convention, completion is signaled with a lone "-" line rather
// than deleting the file, so a reader mid-poll never sees it vanish.
func (p *ProgressWriter) Close() error {
	if p == nil || p.file == nil {
		return nil
	}
	p.writeLine("-")
	return p.file.Close()
}

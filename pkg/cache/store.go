// Package cache implements component D: the per-directory fstat cache
// store. Each workspace's ".o4/" subdirectory holds gzip-compressed
// "<CL>.fstat.gz" files, one per changelist a directory has been merged to,
// published via a temp-file-plus-atomic-rename dance and then chmod'd
// read-only.
package cache

import (
	"bufio"
	"compress/gzip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/fstat"
)

var cacheFileNamePattern = regexp.MustCompile(`^(\d+)\.fstat\.gz$`)

// fileNameForCL returns the cache file name for the given changelist.
func fileNameForCL(cl int) string {
	return strconv.Itoa(cl) + ".fstat.gz"
}

// FindNearest globs "*.fstat.gz" under o4Dir and returns the changelist and
// path of the cache file with the largest CL that is <= target. It returns
// (0, "") if no such file exists.
func FindNearest(o4Dir string, target int) (int, string) {
	entries, err := os.ReadDir(o4Dir)
	if err != nil {
		return 0, ""
	}

	best := 0
	bestPath := ""
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := cacheFileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		cl, err := strconv.Atoi(match[1])
		if err != nil || cl > target {
			continue
		}
		if cl > best {
			best = cl
			bestPath = filepath.Join(o4Dir, entry.Name())
		}
	}
	return best, bestPath
}

// Line is one line read back from a cache file: either a record, a
// passthrough control line, or neither (comment/blank), mirroring
// fstat.Decode's three-way return.
type Line struct {
	Record      *fstat.Record
	Passthrough *fstat.PassthroughLine
}

// Read opens and decompresses the cache file at path and decodes it line by
// line, calling emit for each decoded line. Malformed lines abort the read
// with a *o4errors.FstatMalformedError (via fstat.Decode).
func Read(path string, emit func(Line) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "unable to open cache file %s", path)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "unable to decompress cache file %s", path)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		record, passthrough, err := fstat.Decode(scanner.Text())
		if err != nil {
			return err
		}
		if record == nil && passthrough == nil {
			continue
		}
		if err := emit(Line{Record: record, Passthrough: passthrough}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// AtomicWrite writes records (already in final, descending-changelist
// order) to a gzip-level-9-compressed temp file inside o4Dir,
// then renames it into place as "<cl>.fstat.gz" and chmods it read-only.
// If anything fails before the rename, the temp file is unlinked so that no
// partial cache file is ever visible.
func AtomicWrite(o4Dir string, cl int, records []fstat.Record) (path string, err error) {
	if err := os.MkdirAll(o4Dir, 0755); err != nil {
		return "", errors.Wrapf(err, "unable to create %s", o4Dir)
	}

	tmp, err := os.CreateTemp(o4Dir, ".fstat-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "unable to create temp cache file")
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	gz, err := gzip.NewWriterLevel(tmp, gzip.BestCompression)
	if err != nil {
		return "", errors.Wrap(err, "unable to create gzip writer")
	}

	w := bufio.NewWriter(gz)
	if _, err := w.WriteString(fstat.ColumnsComment + "\n"); err != nil {
		return "", errors.Wrap(err, "unable to write cache header")
	}
	for _, r := range records {
		if _, err := w.WriteString(fstat.Encode(r) + "\n"); err != nil {
			return "", errors.Wrap(err, "unable to write cache record")
		}
	}
	if err := w.Flush(); err != nil {
		return "", errors.Wrap(err, "unable to flush cache writer")
	}
	if err := gz.Close(); err != nil {
		return "", errors.Wrap(err, "unable to close gzip writer")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "unable to close temp cache file")
	}

	finalPath := filepath.Join(o4Dir, fileNameForCL(cl))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", errors.Wrap(err, "unable to publish cache file")
	}
	succeeded = true

	if err := os.Chmod(finalPath, 0444); err != nil {
		return "", errors.Wrap(err, "unable to mark cache file read-only")
	}
	return finalPath, nil
}

// PruneFstatCache keeps every other cache file, by age, while always
// preserving the oldest file and the file matching the synced changelist
// marker (if any).
func PruneFstatCache(o4Dir string, syncedCL int) error {
	entries, err := listCacheFiles(o4Dir)
	if err != nil {
		return err
	}
	if len(entries) <= 2 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cl < entries[j].cl })

	for i, e := range entries {
		if i == 0 {
			continue // always preserve the oldest
		}
		if e.cl == syncedCL {
			continue // always preserve the synced CL
		}
		if i%2 == 0 {
			continue // keep every other file
		}
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "unable to prune cache file %s", e.path)
		}
	}
	return nil
}

type cacheFileEntry struct {
	cl   int
	path string
}

func listCacheFiles(o4Dir string) ([]cacheFileEntry, error) {
	dirEntries, err := os.ReadDir(o4Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "unable to list %s", o4Dir)
	}
	var entries []cacheFileEntry
	for _, d := range dirEntries {
		match := cacheFileNamePattern.FindStringSubmatch(d.Name())
		if match == nil {
			continue
		}
		cl, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		entries = append(entries, cacheFileEntry{cl: cl, path: filepath.Join(o4Dir, d.Name())})
	}
	return entries, nil
}

// maximumArchiveAge is the age threshold past which archive files are
// eligible for removal outright.
const maximumArchiveAge = 24 * time.Hour

// PruneArchiveCache removes ".tgz" archive files under o4Dir older than 24
// hours. If none qualify by age, one arbitrary archive is removed to make
// room, always skipping the archive matching the safe (synced) changelist.
func PruneArchiveCache(o4Dir string, safeCL int) error {
	entries, err := os.ReadDir(o4Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "unable to list %s", o4Dir)
	}

	now := time.Now()
	var candidates []string
	var oldEnough []string
	safeName := fileNameForCL(safeCL)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".tgz" {
			continue
		}
		if baseNameMatchesCL(e.Name(), safeName) {
			continue
		}
		path := filepath.Join(o4Dir, e.Name())
		candidates = append(candidates, path)
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maximumArchiveAge {
			oldEnough = append(oldEnough, path)
		}
	}

	if len(oldEnough) > 0 {
		for _, p := range oldEnough {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "unable to prune archive %s", p)
			}
		}
		return nil
	}
	if len(candidates) > 0 {
		if err := os.Remove(candidates[0]); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "unable to prune archive %s", candidates[0])
		}
	}
	return nil
}

func baseNameMatchesCL(name, clFileName string) bool {
	return name == clFileName || name == clFileName[:len(clFileName)-len(".fstat.gz")]+".tgz"
}

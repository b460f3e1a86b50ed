package cache

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// syncedChangelistMarkerName is ".o4/changelist": the last changelist a
	// directory was fully verified to.
	syncedChangelistMarkerName = "changelist"
	// incompleteMarkerName is ".o4/sync-incomplete": if present when a sync
	// completes, the synced-changelist marker is withheld (soft failure).
	incompleteMarkerName = "sync-incomplete"
	// headMarkerName is ".o4/head": the cached most-recent server
	// changelist for a directory.
	headMarkerName = "head"
)

// ReadSyncedChangelist reads the SyncedChangelistMarker. It returns
// (0, false) if the marker is absent or unparsable, signaling that the
// next sync must fall back to a full pass rather than an incremental one.
func ReadSyncedChangelist(o4Dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(o4Dir, syncedChangelistMarkerName))
	if err != nil {
		return 0, false
	}
	cl, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return cl, true
}

// WriteSyncedChangelist atomically publishes the SyncedChangelistMarker.
// Callers must only call this once the sync has fully completed and no
// IncompleteMarker is present.
func WriteSyncedChangelist(o4Dir string, cl int) error {
	return atomicWriteFile(o4Dir, syncedChangelistMarkerName, []byte(strconv.Itoa(cl)))
}

// HasIncompleteMarker reports whether the IncompleteMarker is present.
func HasIncompleteMarker(o4Dir string) bool {
	_, err := os.Stat(filepath.Join(o4Dir, incompleteMarkerName))
	return err == nil
}

// SetIncompleteMarker creates the IncompleteMarker, signaling that the
// SyncedChangelistMarker should not be written on this sync's completion.
func SetIncompleteMarker(o4Dir string) error {
	if err := os.MkdirAll(o4Dir, 0755); err != nil {
		return errors.Wrap(err, "unable to create .o4 directory")
	}
	f, err := os.Create(filepath.Join(o4Dir, incompleteMarkerName))
	if err != nil {
		return errors.Wrap(err, "unable to create incomplete marker")
	}
	return f.Close()
}

// ClearIncompleteMarker removes the IncompleteMarker, if present.
func ClearIncompleteMarker(o4Dir string) error {
	err := os.Remove(filepath.Join(o4Dir, incompleteMarkerName))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "unable to clear incomplete marker")
	}
	return nil
}

// HeadInfo is the cached most-recent server changelist for a directory,
// along with when it was recorded.
type HeadInfo struct {
	Changelist int
	RecordedAt time.Time
}

// ReadHead reads the HeadMarker.
func ReadHead(o4Dir string) (HeadInfo, bool) {
	data, err := os.ReadFile(filepath.Join(o4Dir, headMarkerName))
	if err != nil {
		return HeadInfo{}, false
	}
	fields := strings.SplitN(strings.TrimSpace(string(data)), ",", 2)
	cl, err := strconv.Atoi(fields[0])
	if err != nil {
		return HeadInfo{}, false
	}
	info := HeadInfo{Changelist: cl}
	if len(fields) == 2 {
		if ts, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			info.RecordedAt = time.Unix(ts, 0)
		}
	}
	return info, true
}

// WriteHead atomically publishes the HeadMarker.
func WriteHead(o4Dir string, info HeadInfo) error {
	content := strconv.Itoa(info.Changelist) + "," + strconv.FormatInt(info.RecordedAt.Unix(), 10)
	return atomicWriteFile(o4Dir, headMarkerName, []byte(content))
}

// atomicWriteFile writes content to name under o4Dir via temp-file-plus-
// rename, matching the cache file's own atomicity convention.
func atomicWriteFile(o4Dir, name string, content []byte) error {
	if err := os.MkdirAll(o4Dir, 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", o4Dir)
	}
	tmp, err := os.CreateTemp(o4Dir, "."+name+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, "unable to create temp marker file")
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(content); err != nil {
		return errors.Wrap(err, "unable to write marker file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "unable to close marker file")
	}
	if err := os.Rename(tmpPath, filepath.Join(o4Dir, name)); err != nil {
		return errors.Wrap(err, "unable to publish marker file")
	}
	succeeded = true
	return nil
}

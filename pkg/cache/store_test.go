package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/o4sync/o4/pkg/fstat"
)

func TestAtomicWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	records := []fstat.Record{
		{Changelist: 20, Path: "b.txt", Revision: 1, Size: 3, Checksum: "BB"},
		{Changelist: 10, Path: "a.txt", Revision: 1, Size: 3, Checksum: "AA"},
	}
	path, err := AtomicWrite(dir, 20, records)
	if err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0222 != 0 {
		t.Fatalf("expected read-only cache file, got mode %v", info.Mode())
	}

	var got []fstat.Record
	if err := Read(path, func(l Line) error {
		if l.Record != nil {
			got = append(got, *l.Record)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(records, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAtomicWriteLeavesNoTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	if _, err := AtomicWrite(dir, 5, nil); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "5.fstat.gz" {
		t.Fatalf("expected exactly one published cache file, got %v", entries)
	}
}

func TestFindNearest(t *testing.T) {
	dir := t.TempDir()
	for _, cl := range []int{5, 10, 15, 30} {
		if _, err := AtomicWrite(dir, cl, nil); err != nil {
			t.Fatal(err)
		}
	}
	cl, path := FindNearest(dir, 20)
	if cl != 15 {
		t.Fatalf("expected nearest CL 15, got %d", cl)
	}
	if filepath.Base(path) != "15.fstat.gz" {
		t.Fatalf("unexpected path %s", path)
	}

	cl, path = FindNearest(dir, 3)
	if cl != 0 || path != "" {
		t.Fatalf("expected no match below all CLs, got %d %s", cl, path)
	}

	cl, _ = FindNearest(dir, 30)
	if cl != 30 {
		t.Fatalf("expected exact match 30, got %d", cl)
	}
}

func TestPruneFstatCacheKeepsOldestAndSynced(t *testing.T) {
	dir := t.TempDir()
	for _, cl := range []int{1, 2, 3, 4, 5, 6} {
		if _, err := AtomicWrite(dir, cl, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := PruneFstatCache(dir, 4); err != nil {
		t.Fatal(err)
	}
	entries, err := listCacheFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	present := map[int]bool{}
	for _, e := range entries {
		present[e.cl] = true
	}
	if !present[1] {
		t.Fatal("expected oldest (1) to survive pruning")
	}
	if !present[4] {
		t.Fatal("expected synced CL (4) to survive pruning")
	}
}

package merge

import (
	"io"
	"testing"

	"github.com/o4sync/o4/pkg/cache"
	"github.com/o4sync/o4/pkg/fstat"
	"github.com/o4sync/o4/pkg/logging"
	"github.com/o4sync/o4/pkg/o4ctx"
	"github.com/o4sync/o4/pkg/o4errors"
)

func TestBuildFstatArgsFullHistory(t *testing.T) {
	args := buildFstatArgs("//depot/foo", 0, 10)
	want := []string{"fstat", "-T", "depotFile,headRev,headChange,fileSize,digest,headAction,headType", "//depot/foo@10"}
	if len(args) != len(want) || args[len(args)-1] != want[len(want)-1] {
		t.Fatalf("got %v, want %v", args, want)
	}
}

func TestBuildFstatArgsRange(t *testing.T) {
	args := buildFstatArgs("//depot/foo", 5, 10)
	last := args[len(args)-1]
	if last != "//depot/foo@6,10" {
		t.Fatalf("got %q, want @6,10 suffix", last)
	}
}

func TestRecordFromFstatFields(t *testing.T) {
	fields := map[string]interface{}{
		"depotFile":  "//depot/foo.txt",
		"headChange": 42,
		"headRev":    3,
		"fileSize":   100,
		"digest":     "abcdef0123456789abcdef0123456789",
		"headAction": "edit",
		"headType":   "text",
	}
	record, ok := recordFromFstatFields(fields, "//depot/...")
	if !ok {
		t.Fatal("expected ok")
	}
	if record.Changelist != 42 || record.Revision != 3 || record.Size != 100 {
		t.Fatalf("unexpected record: %#v", record)
	}
	if record.Path != "foo.txt" {
		t.Fatalf("expected depot-relative path, got %q", record.Path)
	}
	if record.Checksum != "ABCDEF0123456789ABCDEF0123456789" {
		t.Fatalf("expected uppercased checksum, got %q", record.Checksum)
	}
}

func TestRecordFromFstatFieldsDeleteForcesEmptyChecksum(t *testing.T) {
	fields := map[string]interface{}{
		"depotFile":  "//depot/foo.txt",
		"headChange": 42,
		"headAction": "delete",
		"digest":     "abcdef",
		"fileSize":   10,
	}
	record, ok := recordFromFstatFields(fields, "//depot/...")
	if !ok {
		t.Fatal("expected ok")
	}
	if record.Checksum != "" || record.Size != 0 {
		t.Fatalf("expected delete to clear checksum/size, got %#v", record)
	}
}

func TestRecordFromFstatFieldsMissingPath(t *testing.T) {
	if _, ok := recordFromFstatFields(map[string]interface{}{}, "//depot/..."); ok {
		t.Fatal("expected not ok for missing depotFile")
	}
}

func TestFlavorFromHeadType(t *testing.T) {
	cases := map[string]fstat.Flavor{
		"text":          fstat.FlavorNone,
		"symlink":       fstat.FlavorSymlink,
		"utf16":         fstat.FlavorUTF16,
		"utf8":          fstat.FlavorUTF8,
		"binary+Fl":     fstat.FlavorNone,
	}
	for headType, want := range cases {
		if got := flavorFromHeadType(headType); got != want {
			t.Errorf("flavorFromHeadType(%q) = %q, want %q", headType, got, want)
		}
	}
}

func TestClassifyP4ErrorTooManyRows(t *testing.T) {
	err := classifyP4Error(&o4errors.P4Error{Records: []o4errors.P4ErrorRecord{
		{Code: "error", Data: "Too many rows scanned; see 'p4 help maxscanrows'."},
	}})
	if _, ok := err.(*o4errors.MaxRowsScannedError); !ok {
		t.Fatalf("expected *o4errors.MaxRowsScannedError, got %#v", err)
	}
}

func TestClassifyP4ErrorRequestTooLarge(t *testing.T) {
	err := classifyP4Error(&o4errors.P4Error{Records: []o4errors.P4ErrorRecord{
		{Code: "error", Data: "Request too large; see 'p4 help maxresults'."},
	}})
	if _, ok := err.(*o4errors.RequestTooLargeError); !ok {
		t.Fatalf("expected *o4errors.RequestTooLargeError, got %#v", err)
	}
}

func TestClassifyP4ErrorNoSuchFileIsBenign(t *testing.T) {
	err := classifyP4Error(&o4errors.P4Error{Records: []o4errors.P4ErrorRecord{
		{Code: "error", Data: "//depot/foo.txt - no such file(s)."},
	}})
	if err != nil {
		t.Fatalf("expected nil for benign no-such-file error, got %v", err)
	}
}

func TestNewStreamsDirectlyFromCacheWhenUpToDate(t *testing.T) {
	dir := t.TempDir()
	records := []fstat.Record{
		{Changelist: 20, Path: "b.txt", Revision: 1, Size: 3, Checksum: "BB"},
		{Changelist: 10, Path: "a.txt", Revision: 1, Size: 3, Checksum: "AA"},
	}
	if _, err := cache.AtomicWrite(dir, 20, records); err != nil {
		t.Fatal(err)
	}

	ctx := &o4ctx.Context{DepotPath: "//depot/...", Logger: logging.RootLogger}
	it, err := New(ctx, Options{O4Dir: dir, DepotPath: "//depot/...", ToCL: 20, FromCL: 0})
	if err != nil {
		t.Fatal(err)
	}

	var got []fstat.Record
	for {
		r, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, *r)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records from direct cache stream, got %d", len(got))
	}
	if err := it.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewRespectsFromCLWhenServingFromLocalCacheOnly(t *testing.T) {
	dir := t.TempDir()
	records := []fstat.Record{
		{Changelist: 20, Path: "b.txt", Revision: 1, Size: 3, Checksum: "BB"},
		{Changelist: 10, Path: "a.txt", Revision: 1, Size: 3, Checksum: "AA"},
	}
	if _, err := cache.AtomicWrite(dir, 20, records); err != nil {
		t.Fatal(err)
	}

	ctx := &o4ctx.Context{DepotPath: "//depot/...", Logger: logging.RootLogger}
	it, err := New(ctx, Options{O4Dir: dir, DepotPath: "//depot/...", ToCL: 20, FromCL: 15})
	if err != nil {
		t.Fatal(err)
	}
	r, err := it.Next()
	if err != nil {
		t.Fatal(err)
	}
	if r.Path != "b.txt" {
		t.Fatalf("expected only the CL-20 record, got %#v", r)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after exhausting in-range records, got %v", err)
	}
}

package orchestrator

import (
	"bytes"
	"testing"

	"github.com/o4sync/o4/pkg/fstat"
)

func TestExcludeOpenedFiltersMatchingPaths(t *testing.T) {
	records := []fstat.Record{
		{Path: "a.txt", Checksum: "x"},
		{Path: "b.txt", Checksum: "y"},
		{Path: "c.txt", Checksum: "z"},
	}
	opened := map[string]bool{"b.txt": true}

	out := excludeOpened(records, opened)
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	for _, r := range out {
		if r.Path == "b.txt" {
			t.Fatalf("expected b.txt to be excluded, got %+v", out)
		}
	}
}

func TestExcludeOpenedNoOpOnEmptySet(t *testing.T) {
	records := []fstat.Record{{Path: "a.txt"}}
	out := excludeOpened(records, nil)
	if len(out) != 1 || out[0].Path != "a.txt" {
		t.Fatalf("expected records unchanged, got %+v", out)
	}
}

func TestSplitLinesHandlesTrailingAndNoTrailingNewline(t *testing.T) {
	withTrailing := splitLines("a\nb\nc\n")
	if len(withTrailing) != 3 || withTrailing[2] != "c" {
		t.Fatalf("unexpected split with trailing newline: %+v", withTrailing)
	}

	noTrailing := splitLines("a\nb")
	if len(noTrailing) != 2 || noTrailing[1] != "b" {
		t.Fatalf("unexpected split without trailing newline: %+v", noTrailing)
	}

	empty := splitLines("")
	if len(empty) != 0 {
		t.Fatalf("expected no lines for empty input, got %+v", empty)
	}
}

func TestDecodeRecordsRoundTripsEncodedRecords(t *testing.T) {
	records := []fstat.Record{
		{Changelist: 10, Path: "foo.txt", Revision: 2, Size: 5, Checksum: "abc"},
		{Changelist: 11, Path: "bar.txt", Revision: 1, Checksum: ""},
	}
	var buf bytes.Buffer
	for _, r := range records {
		buf.WriteString(fstat.Encode(r) + "\n")
	}

	decoded, err := decodeRecords(&buf)
	if err != nil {
		t.Fatalf("decodeRecords failed: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 decoded records, got %d", len(decoded))
	}
	if decoded[0].Path != "foo.txt" || decoded[1].Path != "bar.txt" {
		t.Fatalf("unexpected decoded paths: %+v", decoded)
	}
	if !decoded[1].IsDelete() {
		t.Fatalf("expected second record to decode as a delete")
	}
}

func TestNotDeletesInvertsDeletesPredicate(t *testing.T) {
	deleteRecord := fstat.Record{Path: "a.txt", Checksum: ""}
	editRecord := fstat.Record{Path: "a.txt", Checksum: "abc"}

	ok, err := notDeletes().Evaluate(nil, deleteRecord)
	if err != nil || ok {
		t.Fatalf("expected false for a delete record, got ok=%v err=%v", ok, err)
	}
	ok, err = notDeletes().Evaluate(nil, editRecord)
	if err != nil || !ok {
		t.Fatalf("expected true for a non-delete record, got ok=%v err=%v", ok, err)
	}
}

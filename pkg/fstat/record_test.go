package fstat

import (
	"testing"

	"github.com/o4sync/o4/pkg/o4errors"
)

func TestRoundTrip(t *testing.T) {
	cases := []Record{
		{Changelist: 10, Path: "foo/bar.txt", Revision: 3, Size: 128, Checksum: "ABCDEF0123456789ABCDEF0123456789"},
		{Changelist: 20, Path: "has,comma", Revision: 1, Size: 0, Checksum: ""},
		{Changelist: 20, Path: "has;semicolon", Revision: 1, Size: 4, Checksum: "FF"},
		{Changelist: 20, Path: "has,both;chars", Revision: UseCL, Size: 5, Flavor: FlavorUTF8, Checksum: "00"},
		{Changelist: 5, Path: "link", Revision: 0, Size: 12, Flavor: FlavorSymlink, Checksum: ""},
	}
	for _, r := range cases {
		line := Encode(r)
		decoded, pt, err := Decode(line)
		if err != nil || pt != nil {
			t.Fatalf("decode(%q) = %v, %v, %v", line, decoded, pt, err)
		}
		if *decoded != r {
			t.Fatalf("round trip mismatch: got %+v, want %+v (line %q)", *decoded, r, line)
		}
	}
}

func TestEncodeNoUnescapedCommaOrNewline(t *testing.T) {
	r := Record{Changelist: 1, Path: "a,b;c", Revision: 1, Size: 1, Checksum: "AA"}
	line := Encode(r)
	// Split on comma must yield exactly 5 fields: any unescaped comma in the
	// path would produce more.
	count := 1
	for _, c := range line {
		if c == ',' {
			count++
		}
	}
	if count != 5 {
		t.Fatalf("expected exactly 5 comma-separated fields, got %d in %q", count, line)
	}
	if containsByte(line, '\n') {
		t.Fatalf("encoded line contains a newline: %q", line)
	}
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

func TestDecodeCommentAndBlank(t *testing.T) {
	for _, line := range []string{"", "# a comment", ColumnsComment} {
		rec, pt, err := Decode(line)
		if rec != nil || pt != nil || err != nil {
			t.Fatalf("Decode(%q) = %v, %v, %v; want nil, nil, nil", line, rec, pt, err)
		}
	}
}

func TestDecodePassthrough(t *testing.T) {
	rec, pt, err := Decode("#o4pass-warn#disk getting full")
	if err != nil || rec != nil {
		t.Fatalf("unexpected decode result: %v %v %v", rec, pt, err)
	}
	if pt == nil || pt.Kind != "warn" || pt.Message != "disk getting full" {
		t.Fatalf("unexpected passthrough: %+v", pt)
	}
	if EncodePassthrough(*pt) != "#o4pass-warn#disk getting full" {
		t.Fatalf("passthrough did not round-trip: %q", EncodePassthrough(*pt))
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, line := range []string{"1,2,3", "not,a,valid,record,at,all,here,either"} {
		_, _, err := Decode(line)
		if err == nil {
			t.Fatalf("expected malformed error for %q", line)
		}
		if _, ok := err.(*o4errors.FstatMalformedError); !ok {
			t.Fatalf("expected *FstatMalformedError, got %T", err)
		}
	}
}

func TestDecodeLegacy7ColumnNormalization(t *testing.T) {
	// CL,REV,SIZE,ACTION,TYPE,CHECKSUM,PATH
	line := "20,5,128,edit,text,ABCDEF,foo/bar.txt"
	rec, pt, err := Decode(line)
	if err != nil || pt != nil {
		t.Fatalf("unexpected result: %v %v %v", rec, pt, err)
	}
	want := Record{Changelist: 20, Path: "foo/bar.txt", Revision: 5, Size: 128, Checksum: "ABCDEF"}
	if *rec != want {
		t.Fatalf("got %+v, want %+v", *rec, want)
	}
	// Re-emitted form must be 5-column.
	reemitted := Encode(*rec)
	if reemitted != "20,foo/bar.txt,5,128,ABCDEF" {
		t.Fatalf("unexpected re-emitted form: %q", reemitted)
	}
}

func TestDecodeLegacy7ColumnDeleteForcesEmptyChecksum(t *testing.T) {
	line := "20,5,0,delete,text,ABCDEF,foo/bar.txt"
	rec, _, err := Decode(line)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Checksum != "" || !rec.IsDelete() {
		t.Fatalf("expected delete record, got %+v", rec)
	}
}

func TestUseCLRevisionRoundTrip(t *testing.T) {
	r := Record{Changelist: 7, Path: "p", Revision: UseCL, Size: 0, Checksum: ""}
	line := Encode(r)
	if line != "7,p,USECL,0," {
		t.Fatalf("unexpected encoding: %q", line)
	}
	rec, _, err := Decode(line)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Revision != UseCL {
		t.Fatalf("expected UseCL, got %d", rec.Revision)
	}
}

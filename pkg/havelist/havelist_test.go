package havelist

import (
	"testing"

	"github.com/o4sync/o4/pkg/fstat"
)

func TestParseHaveLine(t *testing.T) {
	key, ok := parseHaveLine("//depot/proj/a.txt#3 - /workspace/proj/a.txt")
	if !ok || key != "//depot/proj/a.txt#3" {
		t.Fatalf("unexpected parse result: %q %v", key, ok)
	}
}

func TestParseHaveLineMalformed(t *testing.T) {
	if _, ok := parseHaveLine("garbage"); ok {
		t.Fatal("expected malformed line to be rejected")
	}
	if _, ok := parseHaveLine(""); ok {
		t.Fatal("expected blank line to be rejected")
	}
}

func TestHaveKeyJoinsHeadAndRelativePath(t *testing.T) {
	key := haveKey("//depot/proj", fstat.Record{Path: "sub/a.txt", Revision: 5})
	if key != "//depot/proj/sub/a.txt#5" {
		t.Fatalf("unexpected have key: %q", key)
	}
}

package main

import (
	"os"
	"testing"
)

func TestSplitChangelistSuffixExplicit(t *testing.T) {
	path, cl, explicit := splitChangelistSuffix("//depot/foo@1234")
	if path != "//depot/foo" || cl != 1234 || !explicit {
		t.Fatalf("got (%q, %d, %v)", path, cl, explicit)
	}
}

func TestSplitChangelistSuffixNone(t *testing.T) {
	path, cl, explicit := splitChangelistSuffix("//depot/foo")
	if path != "//depot/foo" || cl != 0 || explicit {
		t.Fatalf("got (%q, %d, %v)", path, cl, explicit)
	}
}

func TestSplitChangelistSuffixNonNumericIsNotAChangelist(t *testing.T) {
	path, _, explicit := splitChangelistSuffix("//depot/foo@bar")
	if explicit {
		t.Fatalf("expected a non-numeric suffix to not be treated as a changelist")
	}
	if path != "//depot/foo@bar" {
		t.Fatalf("expected path to be returned unchanged, got %q", path)
	}
}

func TestIntFieldAcceptsIntOrString(t *testing.T) {
	fields := map[string]interface{}{"a": 42, "b": "43", "c": "not-a-number"}
	if v := intField(fields, "a"); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := intField(fields, "b"); v != 43 {
		t.Fatalf("expected 43, got %d", v)
	}
	if v := intField(fields, "c"); v != 0 {
		t.Fatalf("expected 0 for unparsable string, got %d", v)
	}
	if v := intField(fields, "missing"); v != 0 {
		t.Fatalf("expected 0 for missing key, got %d", v)
	}
}

func TestSpliceConfigArgsInsertsAfterSubcommand(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/o4.config"
	if err := os.WriteFile(path, []byte("o4.args.sync = --quick --force\n"), 0644); err != nil {
		t.Fatalf("unable to write test config: %v", err)
	}
	t.Setenv("O4CONFIG", path)
	t.Setenv("BLT_HOME", "")

	os.Args = []string{"o4", "-v", "sync", "//depot/foo"}
	spliceConfigArgs()

	want := []string{"o4", "-v", "sync", "--quick", "--force", "//depot/foo"}
	if len(os.Args) != len(want) {
		t.Fatalf("got %v, want %v", os.Args, want)
	}
	for i := range want {
		if os.Args[i] != want[i] {
			t.Fatalf("got %v, want %v", os.Args, want)
		}
	}
}

func TestSpliceConfigArgsNoopWithoutConfiguredDefaults(t *testing.T) {
	t.Setenv("O4CONFIG", "")
	t.Setenv("BLT_HOME", t.TempDir())

	original := []string{"o4", "status", "//depot/foo"}
	os.Args = append([]string{}, original...)
	spliceConfigArgs()

	if len(os.Args) != len(original) {
		t.Fatalf("expected os.Args to be unchanged, got %v", os.Args)
	}
	for i := range original {
		if os.Args[i] != original[i] {
			t.Fatalf("expected os.Args to be unchanged, got %v", os.Args)
		}
	}
}

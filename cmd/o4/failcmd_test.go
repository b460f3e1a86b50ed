package main

import "testing"

func TestJoinLinesSingle(t *testing.T) {
	if got := joinLines([]string{"only"}); got != "only" {
		t.Fatalf("got %q", got)
	}
}

func TestJoinLinesMultiple(t *testing.T) {
	got := joinLines([]string{"a", "b", "c"})
	want := "a\n\tb\n\tc"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

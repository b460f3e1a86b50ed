package main

import "testing"

func TestParseSemverValid(t *testing.T) {
	v, err := parseSemver("1.2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != [3]int{1, 2, 3} {
		t.Fatalf("got %v", v)
	}
}

func TestParseSemverRejectsMalformed(t *testing.T) {
	cases := []string{"1.2", "1.2.3.4", "a.b.c", ""}
	for _, c := range cases {
		if _, err := parseSemver(c); err == nil {
			t.Fatalf("expected an error for %q", c)
		}
	}
}

func TestCompareSemver(t *testing.T) {
	cases := []struct {
		a, b [3]int
		want int
	}{
		{[3]int{1, 0, 0}, [3]int{1, 0, 0}, 0},
		{[3]int{1, 0, 0}, [3]int{0, 9, 9}, 1},
		{[3]int{1, 0, 0}, [3]int{1, 0, 1}, -1},
		{[3]int{1, 2, 0}, [3]int{1, 1, 9}, 1},
	}
	for _, c := range cases {
		got := compareSemver(c.a, c.b)
		if (got < 0 && c.want >= 0) || (got > 0 && c.want <= 0) || (got == 0 && c.want != 0) {
			t.Fatalf("compareSemver(%v, %v) = %d, want sign of %d", c.a, c.b, got, c.want)
		}
	}
}

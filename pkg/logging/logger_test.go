package logging

import (
	"testing"
)

func TestNilLoggerDoesNotPanic(t *testing.T) {
	var l *Logger
	l.Print("hello")
	l.Printf("hello %s", "world")
	l.Println("hello")
	l.Debug("hello")
	l.Warn(nil)
	l.Error(nil)
	l.Passthrough(PassthroughInfo, "hello")
	if sub := l.Sublogger("child"); sub != nil {
		t.Fatalf("expected nil sublogger from nil logger, got %v", sub)
	}
}

func TestSubloggerPrefixNesting(t *testing.T) {
	root := &Logger{}
	child := root.Sublogger("merge")
	grandchild := child.Sublogger("fstat")
	if grandchild.prefix != "merge.fstat" {
		t.Fatalf("expected prefix 'merge.fstat', got %q", grandchild.prefix)
	}
}

func TestWriterSplitsOnLineBoundaries(t *testing.T) {
	var got []string
	l := (&Logger{}).WithPassthrough(nil)
	w := &writer{callback: func(s string) { got = append(got, s) }}
	_ = l // silence unused in case of refactor
	if _, err := w.Write([]byte("first\nsec")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("ond\nthird")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected lines: %v", got)
	}
	if string(w.buffer) != "third" {
		t.Fatalf("expected leftover 'third', got %q", w.buffer)
	}
}

func TestWriterTrimsCarriageReturn(t *testing.T) {
	var got []string
	w := &writer{callback: func(s string) { got = append(got, s) }}
	if _, err := w.Write([]byte("crlf\r\n")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "crlf" {
		t.Fatalf("unexpected lines: %v", got)
	}
}

func TestPassthroughForwardsToSink(t *testing.T) {
	var kind PassthroughKind
	var message string
	l := (&Logger{}).WithPassthrough(func(k PassthroughKind, m string) {
		kind = k
		message = m
	})
	l.Passthrough(PassthroughWarn, "disk is %s", "full")
	if kind != PassthroughWarn || message != "disk is full" {
		t.Fatalf("unexpected passthrough: kind=%v message=%q", kind, message)
	}
}

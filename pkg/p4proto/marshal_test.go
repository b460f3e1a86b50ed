package p4proto

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestMarshalDictRoundTrip(t *testing.T) {
	encoded := encodeMarshalDict(map[string]string{
		"code": "stat",
		"path": "//depot/foo.txt",
	})
	r := bufio.NewReader(bytes.NewReader(encoded))
	got, err := decodeMarshalDict(r)
	if err != nil {
		t.Fatal(err)
	}
	if got["code"] != "stat" || got["path"] != "//depot/foo.txt" {
		t.Fatalf("unexpected decode: %#v", got)
	}
}

func TestMarshalDictMultipleRecords(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeMarshalDict(map[string]string{"code": "info", "data": "first"}))
	buf.Write(encodeMarshalDict(map[string]string{"code": "stat", "data": "second"}))

	r := bufio.NewReader(&buf)
	first, err := decodeMarshalDict(r)
	if err != nil {
		t.Fatal(err)
	}
	if first["data"] != "first" {
		t.Fatalf("unexpected first record: %#v", first)
	}
	second, err := decodeMarshalDict(r)
	if err != nil {
		t.Fatal(err)
	}
	if second["data"] != "second" {
		t.Fatalf("unexpected second record: %#v", second)
	}
	if _, err := decodeMarshalDict(r); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestMarshalIntRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(marshalDict)
	buf.WriteByte(marshalString)
	buf.Write(encodeMarshalLength(3))
	buf.WriteString("rev")
	buf.WriteByte(marshalInt)
	buf.Write(encodeMarshalLength(42))
	buf.WriteByte(marshalNull)

	r := bufio.NewReader(&buf)
	got, err := decodeMarshalDict(r)
	if err != nil {
		t.Fatal(err)
	}
	if got["rev"] != 42 {
		t.Fatalf("expected int 42, got %#v", got["rev"])
	}
}

func TestMarshalTruncatedStream(t *testing.T) {
	encoded := encodeMarshalDict(map[string]string{"code": "stat"})
	truncated := encoded[:len(encoded)-3]
	r := bufio.NewReader(bytes.NewReader(truncated))
	if _, err := decodeMarshalDict(r); err == nil {
		t.Fatal("expected error decoding truncated stream")
	}
}

package core

import (
	"bytes"
	"testing"
)

func TestSegmentAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(dir, 1)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}
	defer seg.close()

	results, err := seg.append(100, []kv{{key: 1, val: []byte("a")}, {key: 2, val: []byte("bb")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].off != 0 {
		t.Errorf("expected first offset 0, got %d", results[0].off)
	}
	if results[1].off != recordHdrLen+1 {
		t.Errorf("expected second offset %d, got %d", recordHdrLen+1, results[1].off)
	}

	val, err := seg.read(results[0].off, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(val, []byte("a")) {
		t.Errorf("expected 'a', got %q", val)
	}

	val, err = seg.read(results[1].off, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(val, []byte("bb")) {
		t.Errorf("expected 'bb', got %q", val)
	}
}

func TestSegmentReadWrongLength(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(dir, 1)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}
	defer seg.close()

	results, err := seg.append(1, []kv{{key: 1, val: []byte("hello")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := seg.read(results[0].off, 4); err == nil {
		t.Fatal("expected error for mismatched length")
	}
}

func TestScanSegmentRecoversTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := newSegment(dir, 1)
	if err != nil {
		t.Fatalf("newSegment: %v", err)
	}
	if _, err := seg.append(1, []kv{{key: 1, val: []byte("complete")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	completeSize := seg.size

	// simulate a crash mid-write: a header with no matching body.
	var hdr [recordHdrLen]byte
	hdr[15] = 8 // vlen = 8, but no value bytes follow
	if _, err := seg.file.Write(hdr[:]); err != nil {
		t.Fatalf("write partial header: %v", err)
	}
	if err := seg.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, recs, err := scanSegment(dir, 1)
	if err != nil {
		t.Fatalf("scanSegment: %v", err)
	}
	defer reopened.close()

	if len(recs) != 1 {
		t.Fatalf("expected 1 recovered record, got %d", len(recs))
	}
	if reopened.size != completeSize {
		t.Errorf("expected truncation to %d, got %d", completeSize, reopened.size)
	}
}

func TestParseSegmentID(t *testing.T) {
	name := segmentFilename(42)
	id, ok := parseSegmentID(name)
	if !ok || id != 42 {
		t.Fatalf("parseSegmentID(%q) = (%d, %v), want (42, true)", name, id, ok)
	}

	if _, ok := parseSegmentID("hint-file"); ok {
		t.Error("expected parseSegmentID to reject non-segment filenames")
	}
}

package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestHintFileRoundTrip(t *testing.T) {
	dir := t.TempDir()

	recs := []hintRecord{
		{ts: 1, key: 1, filename: "data-file00000000000000000001", offset: 0, length: 1},
		{ts: 2, key: 2, filename: "data-file00000000000000000001", offset: 25, length: 3},
	}

	if err := writeHintFile(dir, recs); err != nil {
		t.Fatalf("writeHintFile: %v", err)
	}

	got, found, err := readHintFile(dir)
	if err != nil {
		t.Fatalf("readHintFile: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}

	if diff := cmp.Diff(recs, got, cmpopts.EquateComparable(hintRecord{})); diff != "" {
		t.Errorf("hint records mismatch (-want +got):\n%s", diff)
	}
}

func TestReadHintFileMissingIsNotError(t *testing.T) {
	dir := t.TempDir()

	recs, found, err := readHintFile(dir)
	if err != nil {
		t.Fatalf("expected no error for missing hint file, got %v", err)
	}
	if found {
		t.Fatal("expected found=false for missing hint file")
	}
	if recs != nil {
		t.Fatalf("expected nil records, got %v", recs)
	}
}

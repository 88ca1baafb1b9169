package core

import (
	"reflect"
	"testing"
)

func TestDirectorySetGetDelete(t *testing.T) {
	d := newDirectory()

	d.set(5, location{ts: 1})
	d.set(1, location{ts: 2})
	d.set(3, location{ts: 3})

	if loc, ok := d.get(1); !ok || loc.ts != 2 {
		t.Fatalf("get(1) = (%+v, %v)", loc, ok)
	}

	if !reflect.DeepEqual(d.keys, []uint64{1, 3, 5}) {
		t.Fatalf("expected sorted keys [1 3 5], got %v", d.keys)
	}

	d.delete(3)
	if _, ok := d.get(3); ok {
		t.Fatal("expected key 3 to be gone after delete")
	}
	if !reflect.DeepEqual(d.keys, []uint64{1, 5}) {
		t.Fatalf("expected keys [1 5] after delete, got %v", d.keys)
	}
}

func TestDirectoryRangeKeys(t *testing.T) {
	d := newDirectory()
	for _, k := range []uint64{1, 2, 5, 8, 10} {
		d.set(k, location{ts: k})
	}

	got := d.rangeKeys(2, 8)
	want := []uint64{2, 5, 8}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rangeKeys(2, 8) = %v, want %v", got, want)
	}

	if got := d.rangeKeys(100, 200); got != nil {
		t.Fatalf("rangeKeys(100, 200) = %v, want nil", got)
	}
}

func TestDirectorySnapshotIsIndependent(t *testing.T) {
	d := newDirectory()
	d.set(1, location{ts: 1})

	snap := d.snapshot()
	d.set(2, location{ts: 2})

	if _, ok := snap[2]; ok {
		t.Fatal("snapshot should not observe mutations made after it was taken")
	}
	if len(snap) != 1 {
		t.Fatalf("expected snapshot of length 1, got %d", len(snap))
	}
}

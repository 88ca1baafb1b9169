package core

import (
	"fmt"
	"sync"

	"github.com/tysonmote/gommap"
)

// sealedView lazily memory-maps a sealed (no-longer-appended) segment file
// so that parallel range-scan workers can service many reads without each
// paying a ReadAt syscall. The active segment is excluded: it keeps growing,
// and gommap requires a fixed extent up front.
type sealedView struct {
	once sync.Once
	mm   gommap.MMap
	err  error
}

var sealedViews sync.Map // *segment -> *sealedView

func viewFor(seg *segment) *sealedView {
	v, _ := sealedViews.LoadOrStore(seg, &sealedView{})
	return v.(*sealedView)
}

func (v *sealedView) ensure(seg *segment) {
	v.once.Do(func() {
		if seg.size == 0 {
			v.err = fmt.Errorf("cannot mmap empty segment %d", seg.id)
			return
		}
		v.mm, v.err = gommap.Map(seg.file.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	})
}

// readSealed reads the record value at off/length from seg using a cached
// read-only mmap, falling back to a plain ReadAt if the file couldn't be
// mapped (e.g. it was empty).
func readSealed(seg *segment, off int64, length int) ([]byte, error) {
	v := viewFor(seg)
	v.ensure(seg)
	if v.err != nil {
		return seg.read(off, length)
	}

	if off+recordHdrLen+int64(length) > int64(len(v.mm)) {
		return nil, fmt.Errorf("%w: mmap read past end of segment %d", ErrCorruptRecord, seg.id)
	}

	hdr := v.mm[off : off+recordHdrLen]
	vlenOnDisk := beUint64(hdr[8:16])
	if int(vlenOnDisk) != length {
		return nil, fmt.Errorf("%w: expected length %d, header says %d", ErrCorruptRecord, length, vlenOnDisk)
	}

	val := make([]byte, length)
	copy(val, v.mm[off+recordHdrLen:off+recordHdrLen+int64(length)])
	return val, nil
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

// forgetView drops a cached mapping once its segment file is deleted by
// compaction, so the map doesn't hold stale file descriptors forever.
func forgetView(seg *segment) {
	sealedViews.Delete(seg)
}

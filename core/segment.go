package core

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// recordHdrLen is the fixed header preceding every value: ts(8) | vlen(8) | key(8).
const recordHdrLen = 24

var ErrCorruptRecord = errors.New("core: corrupt record")

// segment is a single append-only data file. The active segment is the only
// one ever written to; sealed segments are read-only for the lifetime of the
// process (until compaction removes them).
type segment struct {
	id   int64    // creation tag, embedded in the filename so listings sort stable
	file *os.File // open handle, append-positioned while active
	size int64    // current end offset, also the offset of the next write
}

func segmentFilename(id int64) string {
	return fmt.Sprintf("data-file%020d", id)
}

func segmentPath(dir string, id int64) string {
	return filepath.Join(dir, segmentFilename(id))
}

// parseSegmentID extracts the creation tag from a segment filename, or false
// if name isn't a segment file.
func parseSegmentID(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "data-file")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func newSegment(dir string, id int64) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment file %q: %w", path, err)
	}
	return &segment{id: id, file: f}, nil
}

func openSegment(dir string, id int64) (*segment, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment file %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment file %q: %w", path, err)
	}
	return &segment{id: id, file: f, size: info.Size()}, nil
}

// record is the decoded form of a single (timestamp, key, value) tuple plus
// the offset it was found at - the shape scan() hands back while rebuilding
// a directory.
type record struct {
	ts    uint64
	key   uint64
	val   []byte
	off   int64
	vlen  int
}

// appendResult describes where one record ended up after append().
type appendResult struct {
	ts  uint64
	off int64
}

// append writes kv pairs sequentially onto the segment and reports, for each
// one, the pre-write offset and timestamp it was written at. The caller
// supplies the wall-clock timestamp so that an entire batch can share one
// instant without racing the clock mid-write.
func (s *segment) append(ts uint64, kvs []kv) ([]appendResult, error) {
	results := make([]appendResult, 0, len(kvs))

	for _, p := range kvs {
		off := s.size

		var hdr [recordHdrLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], ts)
		binary.BigEndian.PutUint64(hdr[8:16], uint64(len(p.val)))
		binary.BigEndian.PutUint64(hdr[16:24], p.key)

		if _, err := s.file.Write(hdr[:]); err != nil {
			return nil, fmt.Errorf("write record header: %w", err)
		}
		if len(p.val) > 0 {
			if _, err := s.file.Write(p.val); err != nil {
				return nil, fmt.Errorf("write record value: %w", err)
			}
		}

		s.size += recordHdrLen + int64(len(p.val))
		results = append(results, appendResult{ts: ts, off: off})
	}

	return results, nil
}

// kv is a single key/value pair pending an append.
type kv struct {
	key uint64
	val []byte
}

// read fetches the value stored at off, validating that its on-disk length
// matches length.
func (s *segment) read(off int64, length int) ([]byte, error) {
	var hdr [recordHdrLen]byte
	if _, err := s.file.ReadAt(hdr[:], off); err != nil {
		return nil, fmt.Errorf("read record header at %d: %w", off, err)
	}

	vlen := int(binary.BigEndian.Uint64(hdr[8:16]))
	if vlen != length {
		return nil, fmt.Errorf("%w: expected length %d, header says %d", ErrCorruptRecord, length, vlen)
	}

	val := make([]byte, vlen)
	if vlen > 0 {
		if _, err := s.file.ReadAt(val, off+recordHdrLen); err != nil {
			return nil, fmt.Errorf("read record value at %d: %w", off, err)
		}
	}

	return val, nil
}

// scan walks the segment front to back, decoding every complete record. A
// truncated tail (a header or value cut short by a crash mid-write) stops the
// scan at the last complete record instead of failing it.
func scan(r io.Reader) (recs []record, end int64, err error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var off int64
	for {
		var hdr [recordHdrLen]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return recs, off, fmt.Errorf("scan: read header: %w", err)
		}

		ts := binary.BigEndian.Uint64(hdr[0:8])
		vlen := binary.BigEndian.Uint64(hdr[8:16])
		key := binary.BigEndian.Uint64(hdr[16:24])

		val := make([]byte, vlen)
		if vlen > 0 {
			if _, err := io.ReadFull(br, val); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					break
				}
				return recs, off, fmt.Errorf("scan: read value: %w", err)
			}
		}

		recs = append(recs, record{ts: ts, key: key, val: val, off: off, vlen: int(vlen)})
		off += recordHdrLen + int64(vlen)
	}

	return recs, off, nil
}

// scanSegment loads and truncates a sealed segment to its last complete
// record, recovering from a crash that happened mid-append.
func scanSegment(dir string, id int64) (*segment, []record, error) {
	path := segmentPath(dir, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open segment %q: %w", path, err)
	}

	recs, end, err := scan(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	if err := f.Truncate(end); err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("truncate segment %q to %d: %w", path, end, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("seek segment %q: %w", path, err)
	}

	return &segment{id: id, file: f, size: end}, recs, nil
}

func (s *segment) sync() error  { return s.file.Sync() }
func (s *segment) close() error { return s.file.Close() }

func removeSegmentFile(dir string, id int64, logger *zap.SugaredLogger) {
	if err := os.Remove(segmentPath(dir, id)); err != nil && !os.IsNotExist(err) {
		logger.Warnw("remove segment file failed", "segment", id, "error", err)
	}
}

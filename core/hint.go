package core

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const hintFileName = "hint-file"

// hintRecord is one entry of a hint file: everything needed to resolve a key
// without rescanning every data segment.
type hintRecord struct {
	ts       uint64
	key      uint64
	filename string
	offset   int64
	length   int
}

func hintFilePath(dir string) string {
	return filepath.Join(dir, hintFileName)
}

// writeHintFile atomically (re)writes the hint file from recs, overwriting
// any previous one. It is only ever called after a compaction has produced
// every record it describes.
func writeHintFile(dir string, recs []hintRecord) error {
	path := hintFilePath(dir)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open hint file for rewrite: %w", err)
	}

	buf := make([]byte, 0, 4096)
	for _, r := range recs {
		var hdr [32]byte
		binary.BigEndian.PutUint64(hdr[0:8], r.ts)
		binary.BigEndian.PutUint64(hdr[8:16], uint64(r.length))
		binary.BigEndian.PutUint64(hdr[16:24], r.key)
		binary.BigEndian.PutUint64(hdr[24:32], uint64(len(r.filename)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, r.filename...)

		var off [8]byte
		binary.BigEndian.PutUint64(off[:], uint64(r.offset))
		buf = append(buf, off[:]...)
	}

	if _, err := writeFileAtomic(f, buf); err != nil {
		return fmt.Errorf("atomic write hint file: %w", err)
	}

	return nil
}

// readHintFile parses a hint file written by writeHintFile. A missing file
// is reported through the returned bool; restart falls back to a full scan
// in that case.
func readHintFile(dir string) ([]hintRecord, bool, error) {
	path := hintFilePath(dir)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open hint file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)

	var recs []hintRecord
	for {
		var hdr [32]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, true, fmt.Errorf("read hint record header: %w", err)
		}

		ts := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint64(hdr[8:16])
		key := binary.BigEndian.Uint64(hdr[16:24])
		fnlen := binary.BigEndian.Uint64(hdr[24:32])

		fnBuf := make([]byte, fnlen)
		if _, err := io.ReadFull(br, fnBuf); err != nil {
			return nil, true, fmt.Errorf("read hint record filename: %w", err)
		}

		var offBuf [8]byte
		if _, err := io.ReadFull(br, offBuf[:]); err != nil {
			return nil, true, fmt.Errorf("read hint record offset: %w", err)
		}

		recs = append(recs, hintRecord{
			ts:       ts,
			key:      key,
			filename: string(fnBuf),
			offset:   int64(binary.BigEndian.Uint64(offBuf[:])),
			length:   int(length),
		})
	}

	return recs, true, nil
}

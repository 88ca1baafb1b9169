package raft

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LogStore is the per-node durable applied-log file: term(8) | length(8) |
// entry-utf8(length), repeated, append-only and never truncated.
type LogStore struct {
	f *os.File
}

func logStorePath(baseDir string, nodeID uint64) string {
	return filepath.Join(baseDir, "log", fmt.Sprintf("file-%d", nodeID))
}

// OpenLogStore opens (creating if needed) the applied-log file for nodeID,
// relative to the process working directory, and returns a LogStore ready to
// Append plus the log reconstructed from it with sequential, 0-based indices.
func OpenLogStore(nodeID uint64) (*LogStore, []LogEntry, error) {
	return OpenLogStoreAt(".", nodeID)
}

// OpenLogStoreAt is OpenLogStore rooted at baseDir instead of the process
// working directory, mainly so tests can isolate the log directory.
func OpenLogStoreAt(baseDir string, nodeID uint64) (*LogStore, []LogEntry, error) {
	path := logStorePath(baseDir, nodeID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("mkdir log dir: %w", err)
	}

	entries, err := readLogStore(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open applied-log file %q: %w", path, err)
	}

	return &LogStore{f: f}, entries, nil
}

func readLogStore(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open applied-log file %q: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)

	var entries []LogEntry
	for idx := uint64(0); ; idx++ {
		var hdr [16]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read applied-log record header: %w", err)
		}

		term := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint64(hdr[8:16])

		buf := make([]byte, length)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("read applied-log record body: %w", err)
		}

		entries = append(entries, LogEntry{Term: term, Entry: string(buf), Index: idx})
	}

	return entries, nil
}

// Append persists entry, ignoring its Index field since this store
// reconstructs indices sequentially on load.
func (s *LogStore) Append(entry LogEntry) error {
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], entry.Term)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(entry.Entry)))

	if _, err := s.f.Write(hdr[:]); err != nil {
		return fmt.Errorf("write applied-log record header: %w", err)
	}
	if _, err := s.f.WriteString(entry.Entry); err != nil {
		return fmt.Errorf("write applied-log record body: %w", err)
	}
	return s.f.Sync()
}

func (s *LogStore) Close() error {
	return s.f.Close()
}

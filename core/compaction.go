package core

import (
	"fmt"
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// compactLoop drives the background compactor on a fixed interval until
// Close signals shutdown.
func (e *Engine) compactLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.compactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Share tryCompact's semaphore so a periodic pass never overlaps
			// an out-of-band one.
			select {
			case e.compactSem <- struct{}{}:
			default:
				continue
			}
			err := e.compact()
			<-e.compactSem
			if err != nil {
				e.log.Errorw("compaction failed", "error", err)
				select {
				case e.compactErrCh <- err:
				default:
				}
			}
		case <-e.stopCh:
			return
		}
	}
}

// tryCompact triggers an out-of-band compaction (e.g. right after a
// rollover) without blocking the caller; it's a no-op if one is already
// running. Caller must hold mu for write; compact() re-acquires it itself,
// so run it in its own goroutine.
func (e *Engine) tryCompact() {
	select {
	case e.compactSem <- struct{}{}:
		go func() {
			defer func() { <-e.compactSem }()
			if err := e.compact(); err != nil {
				e.log.Errorw("compaction failed", "error", err)
				select {
				case e.compactErrCh <- err:
				default:
				}
			}
		}()
	default:
		// a compaction is already in flight
	}
}

// compact rewrites every live key into a fresh segment, writes a hint file
// describing it, then swaps it into the live directory and deletes whatever
// on-disk segment is no longer referenced.
func (e *Engine) compact() (rerr error) {
	e.mu.RLock()
	snap := e.dirIdx.snapshot()
	e.mu.RUnlock()

	e.onCompactStart()

	if len(snap) == 0 {
		return nil
	}

	out, err := newSegment(e.dir, e.claimIDForCompaction())
	if err != nil {
		return fmt.Errorf("create compaction segment: %w", err)
	}
	newSegs := []*segment{out}

	defer func() {
		if rerr != nil {
			for _, s := range newSegs {
				_ = s.close()
				removeSegmentFile(e.dir, s.id, e.log)
			}
		}
	}()

	newDir := newDirectory()
	hintRecs := make([]hintRecord, 0, len(snap))

	for key, loc := range snap {
		val, err := loc.seg.read(loc.offset, loc.length)
		if err != nil {
			return fmt.Errorf("read key %d during compaction: %w", key, err)
		}

		if out.size >= e.rolloverThreshold {
			if err := out.sync(); err != nil {
				return fmt.Errorf("sync compaction segment: %w", err)
			}
			out, err = newSegment(e.dir, e.claimIDForCompaction())
			if err != nil {
				return fmt.Errorf("roll compaction segment: %w", err)
			}
			newSegs = append(newSegs, out)
		}

		results, err := out.append(loc.ts, []kv{{key: key, val: val}})
		if err != nil {
			return fmt.Errorf("write key %d to compaction segment: %w", key, err)
		}

		newLoc := location{seg: out, offset: results[0].off, length: len(val), ts: loc.ts}
		newDir.set(key, newLoc)
		hintRecs = append(hintRecs, hintRecord{
			ts:       loc.ts,
			key:      key,
			filename: segmentFilename(out.id),
			offset:   newLoc.offset,
			length:   newLoc.length,
		})
	}

	for _, s := range newSegs {
		if err := s.sync(); err != nil {
			return fmt.Errorf("sync compaction segment %d: %w", s.id, err)
		}
	}

	if err := writeHintFile(e.dir, hintRecs); err != nil {
		return fmt.Errorf("write hint file: %w", err)
	}

	e.mu.Lock()
	for _, s := range newSegs {
		e.segments[s.id] = s
	}
	for key, newLoc := range newDir.entries {
		liveLoc, ok := e.dirIdx.get(key)
		if !ok {
			// deleted while we were compacting: leave it deleted.
			continue
		}
		// Only replace the live entry if it isn't newer than what we just
		// compacted; a concurrent foreground write always carries a strictly
		// greater timestamp and must win.
		if liveLoc.ts > newLoc.ts {
			continue
		}
		e.dirIdx.set(key, newLoc)
	}
	referenced := e.referencedFilenamesLocked()
	activeName := segmentFilename(e.active.id)
	e.mu.Unlock()

	return e.deleteUnreferenced(referenced, activeName)
}

func (e *Engine) claimIDForCompaction() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextSegmentID()
}

// referencedFilenamesLocked returns the set of segment filenames the live
// directory still points at. Caller must hold mu.
func (e *Engine) referencedFilenamesLocked() mapset.Set[string] {
	referenced := mapset.NewThreadUnsafeSet[string]()
	for _, loc := range e.dirIdx.entries {
		referenced.Add(segmentFilename(loc.seg.id))
	}
	return referenced
}

// deleteUnreferenced removes every segment file in the data directory that
// isn't the live active segment, the hint file, or still referenced by the
// live directory.
func (e *Engine) deleteUnreferenced(referenced mapset.Set[string], activeName string) error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}

	for _, ent := range entries {
		name := ent.Name()
		if name == hintFileName || name == activeName {
			continue
		}
		if _, ok := parseSegmentID(name); !ok {
			continue
		}
		if referenced.Contains(name) {
			continue
		}

		id, _ := parseSegmentID(name)

		e.mu.Lock()
		if seg, ok := e.segments[id]; ok {
			_ = seg.close()
			forgetView(seg)
			delete(e.segments, id)
		}
		e.mu.Unlock()

		removeSegmentFile(e.dir, id, e.log)
	}

	return nil
}

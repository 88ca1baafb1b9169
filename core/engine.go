// Package core implements the append-only, log-structured storage engine:
// segment files on disk, an in-memory key directory, and background
// compaction. It has no knowledge of replication; the raft package drives it
// by applying committed commands through Put/Delete/BatchPut.
package core

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KV is an opaque key/value pair as seen by callers of the engine.
type KV struct {
	Key   uint64
	Value []byte
}

// Option configures an Engine at Open time.
type Option func(*Engine)

func WithRolloverThreshold(n int64) Option {
	return func(e *Engine) { e.rolloverThreshold = n }
}

func WithCompactInterval(d time.Duration) Option {
	return func(e *Engine) { e.compactInterval = d }
}

func WithCompactionEnabled(b bool) Option {
	return func(e *Engine) { e.compactionEnabled = b }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithOnCompactStart installs a test hook invoked right after a compaction
// pass has snapshotted the directory it will work from.
func WithOnCompactStart(f func()) Option {
	return func(e *Engine) { e.onCompactStart = f }
}

type Engine struct {
	dir               string
	rolloverThreshold int64
	compactInterval   time.Duration
	compactionEnabled bool
	log               *zap.SugaredLogger

	mu       sync.RWMutex
	dirIdx   *directory
	active   *segment
	segments map[int64]*segment // every open segment, active included
	idCtr    int64

	compactSem     chan struct{} // non-blocking semaphore; one compaction at a time
	compactErrCh   chan error
	onCompactStart func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open prepares the data directory, loads (or rebuilds) the key directory,
// and starts the background compactor.
func Open(dir string, opts ...Option) (e *Engine, err error) {
	e = &Engine{
		dir:               dir,
		rolloverThreshold: 10_000_000,
		compactInterval:   60 * time.Second,
		compactionEnabled: true,
		log:               zap.NewNop().Sugar(),
		dirIdx:            newDirectory(),
		segments:          make(map[int64]*segment),
		compactSem:        make(chan struct{}, 1),
		compactErrCh:      make(chan error, 1),
		onCompactStart:    func() {},
		stopCh:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	defer func() {
		if err != nil {
			e.closeAll()
		}
	}()

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	existingIDs, err := listSegmentIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	maxID := int64(0)
	if len(existingIDs) > 0 {
		maxID = existingIDs[len(existingIDs)-1]
	}
	now := time.Now().UnixNano()
	if now > maxID {
		e.idCtr = now
	} else {
		e.idCtr = maxID + 1
	}

	hintRecs, hintFound, err := readHintFile(dir)
	if err != nil {
		return nil, fmt.Errorf("read hint file: %w", err)
	}

	if hintFound {
		if err = e.loadFromHint(hintRecs); err != nil {
			return nil, fmt.Errorf("load from hint file: %w", err)
		}
	} else if err = e.loadFromScan(existingIDs); err != nil {
		return nil, fmt.Errorf("load from scan: %w", err)
	}

	if err = e.addActiveSegment(); err != nil {
		return nil, fmt.Errorf("create active segment: %w", err)
	}

	if e.compactionEnabled {
		e.wg.Add(1)
		go e.compactLoop()
	}

	return e, nil
}

func listSegmentIDs(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if id, ok := parseSegmentID(ent.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// loadFromHint rebuilds the directory by opening every segment the hint
// file references, deduplicating open handles by filename.
func (e *Engine) loadFromHint(recs []hintRecord) error {
	byFilename := make(map[string]*segment)

	for _, r := range recs {
		seg, ok := byFilename[r.filename]
		if !ok {
			id, ok := parseSegmentID(r.filename)
			if !ok {
				return fmt.Errorf("hint file references unparseable segment name %q", r.filename)
			}
			opened, err := openSegment(e.dir, id)
			if err != nil {
				return fmt.Errorf("open segment referenced by hint file: %w", err)
			}
			seg = opened
			byFilename[r.filename] = seg
			e.segments[seg.id] = seg
		}

		e.dirIdx.set(r.key, location{seg: seg, offset: r.offset, length: r.length, ts: r.ts})
	}

	return nil
}

// loadFromScan rebuilds the directory by reading every existing segment,
// keeping the highest-timestamp record per key (ties broken by scan order,
// i.e. ascending segment id, so the later write wins).
func (e *Engine) loadFromScan(ids []int64) error {
	for _, id := range ids {
		seg, recs, err := scanSegment(e.dir, id)
		if err != nil {
			return fmt.Errorf("scan segment %d: %w", id, err)
		}
		e.segments[id] = seg

		for _, r := range recs {
			loc := location{seg: seg, offset: r.off, length: r.vlen, ts: r.ts}
			if existing, ok := e.dirIdx.get(r.key); ok && existing.ts > r.ts {
				continue
			}
			e.dirIdx.set(r.key, loc)
		}
	}
	return nil
}

func (e *Engine) nextSegmentID() int64 {
	id := e.idCtr
	e.idCtr++
	return id
}

// addActiveSegment creates a new empty active segment and makes it the
// target of future writes. Caller must hold mu for write, except at Open
// time when no other goroutine can see e yet.
func (e *Engine) addActiveSegment() error {
	seg, err := newSegment(e.dir, e.nextSegmentID())
	if err != nil {
		return err
	}
	e.active = seg
	e.segments[seg.id] = seg
	return nil
}

func (e *Engine) closeAll() {
	for _, seg := range e.segments {
		_ = seg.close()
	}
}

// Close stops the compactor and flushes/closes every open segment.
func (e *Engine) Close() error {
	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs error
	for _, seg := range e.segments {
		if err := seg.sync(); err != nil {
			errs = errors.Join(errs, err)
		}
		if err := seg.close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// CompactErrors surfaces asynchronous compaction failures to callers that
// want to observe them (e.g. the server's shutdown select).
func (e *Engine) CompactErrors() <-chan error { return e.compactErrCh }

// Get returns the current value for key, or (nil, nil) if the key isn't
// present. Any non-nil error indicates an I/O or corruption problem.
func (e *Engine) Get(key uint64) ([]byte, error) {
	e.mu.RLock()
	loc, ok := e.dirIdx.get(key)
	e.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	val, err := loc.seg.read(loc.offset, loc.length)
	if err != nil {
		return nil, fmt.Errorf("read key %d at %+v: %w", key, loc, err)
	}
	return val, nil
}

// Put appends one record and installs its directory entry.
func (e *Engine) Put(key uint64, val []byte) error {
	return e.BatchPut([]KV{{Key: key, Value: val}})
}

// Delete removes key's directory entry. The underlying record, if any,
// becomes garbage and is reclaimed on the next compaction.
func (e *Engine) Delete(key uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirIdx.delete(key)
	return nil
}

// BatchPut appends every record in one pass and installs all directory
// entries once the append succeeds, rolling the active segment over mid
// batch if its size crosses rolloverThreshold.
func (e *Engine) BatchPut(kvs []KV) error {
	if len(kvs) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ts := uint64(time.Now().UnixNano())
	type placed struct {
		key uint64
		loc location
	}
	placements := make([]placed, 0, len(kvs))

	// One active segment may not be enough to hold the whole batch: the
	// cap is checked before every record so a rollover can happen transparently
	// mid-batch and the caller still sees this as a single append.
	for _, rec := range kvs {
		if e.active.size >= e.rolloverThreshold {
			if err := e.rollover(); err != nil {
				return err
			}
		}

		results, err := e.active.append(ts, []kv{{key: rec.Key, val: rec.Value}})
		if err != nil {
			return fmt.Errorf("append record %d: %w", rec.Key, err)
		}

		placements = append(placements, placed{
			key: rec.Key,
			loc: location{seg: e.active, offset: results[0].off, length: len(rec.Value), ts: results[0].ts},
		})
	}

	for _, p := range placements {
		e.dirIdx.set(p.key, p.loc)
	}

	if e.compactionEnabled && e.active.size >= e.rolloverThreshold {
		e.tryCompact()
	}

	return nil
}

// rollover seals the active segment and opens a fresh one. Caller must hold
// mu for write.
func (e *Engine) rollover() error {
	if err := e.active.sync(); err != nil {
		return fmt.Errorf("sync active segment before rollover: %w", err)
	}
	return e.addActiveSegment()
}

// Range returns every key in [start, end] currently present in the
// directory, read back in parallel across a small worker pool. Return order
// is unspecified.
func (e *Engine) Range(start, end uint64) ([]KV, error) {
	e.mu.RLock()
	keys := e.dirIdx.rangeKeys(start, end)
	type target struct {
		key uint64
		loc location
	}
	groups := make(map[*segment][]target)
	for _, k := range keys {
		loc, ok := e.dirIdx.get(k)
		if !ok {
			continue
		}
		groups[loc.seg] = append(groups[loc.seg], target{key: k, loc: loc})
	}
	active := e.active
	e.mu.RUnlock()

	workers := availableParallelism() - 1
	if workers > len(groups) {
		workers = len(groups)
	}
	if workers < 1 {
		workers = 1
	}

	type job struct {
		seg     *segment
		targets []target
	}
	jobs := make(chan job, len(groups))
	for seg, targets := range groups {
		jobs <- job{seg: seg, targets: targets}
	}
	close(jobs)

	results := make(chan KV, len(keys))
	errCh := make(chan error, len(groups))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				sealed := j.seg != active
				for _, t := range j.targets {
					var (
						val []byte
						err error
					)
					if sealed {
						val, err = readSealed(j.seg, t.loc.offset, t.loc.length)
					} else {
						val, err = j.seg.read(t.loc.offset, t.loc.length)
					}
					if err != nil {
						errCh <- fmt.Errorf("range read key %d: %w", t.key, err)
						return
					}
					results <- KV{Key: t.key, Value: val}
				}
			}
		}()
	}

	wg.Wait()
	close(results)
	close(errCh)

	if err := <-errCh; err != nil {
		return nil, err
	}

	out := make([]KV, 0, len(keys))
	for kv := range results {
		out = append(out, kv)
	}
	return out, nil
}

func availableParallelism() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return n
}

// DataDir returns the directory the engine was opened against, mostly
// useful for tests and the compactor.
func (e *Engine) DataDir() string { return e.dir }

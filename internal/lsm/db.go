// Package lsm is the storage engine facade: it coordinates the write path
// (WAL append, active table, freeze at threshold), the read path (active,
// frozen, sorted runs in recency order), recovery and lifecycle.
package lsm

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-kv/strata/internal/catalog"
	"github.com/strata-kv/strata/internal/compaction"
	"github.com/strata-kv/strata/internal/memtable"
	"github.com/strata-kv/strata/internal/record"
	"github.com/strata-kv/strata/internal/sstable"
	"github.com/strata-kv/strata/internal/wal"
)

const walFileName = "database.wal"

// shutdownTimeout bounds the wait for in-flight compaction at Close.
const shutdownTimeout = 30 * time.Second

var (
	ErrClosed   = errors.New("lsm: db is closed")
	ErrEmptyKey = errors.New("lsm: empty key")
)

// DB is one engine instance. All lifecycle (directory, handles,
// workers) belongs to it; there is no package-level state.
type DB struct {
	mu         sync.RWMutex
	frozenFree *sync.Cond // signaled when the frozen slot empties

	active *memtable.Memtable
	frozen *memtable.Memtable

	wal *wal.Log // nil when the WAL is disabled
	cat *catalog.Catalog

	compactor *compaction.Worker
	clock     *record.Clock

	flushCh chan *memtable.Memtable
	flushWg sync.WaitGroup

	dir    string
	cfg    Config
	logger *zap.Logger
	closed bool
}

// Open creates dir if needed, scans existing runs, replays the WAL into a
// fresh active table (original timestamps preserved, so later flushes
// order correctly against existing runs) and starts the background
// workers.
func Open(dir string, cfg Config) (*DB, error) {
	if dir == "" {
		return nil, errors.New("lsm: data directory required")
	}
	cfg = cfg.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cat, err := catalog.Open(dir, logger)
	if err != nil {
		return nil, err
	}

	clock := record.NewClock()
	clock.Advance(cat.MaxCreatedMs())

	db := &DB{
		active:  memtable.New(clock),
		cat:     cat,
		clock:   clock,
		flushCh: make(chan *memtable.Memtable, 1),
		dir:     dir,
		cfg:     cfg,
		logger:  logger,
	}
	db.frozenFree = sync.NewCond(&db.mu)

	if cfg.EnableWAL {
		w, err := wal.Open(filepath.Join(dir, walFileName), cfg.WALSyncInterval, logger)
		if err != nil {
			cat.Close()
			return nil, err
		}
		db.wal = w

		entries, err := w.Recover()
		if err != nil {
			w.Close()
			cat.Close()
			return nil, err
		}
		for _, e := range entries {
			clock.Advance(e.Rec.Timestamp)
			db.active.Insert(e.Rec)
		}
		if len(entries) > 0 {
			logger.Info("wal recovery complete",
				zap.Int("records", len(entries)),
				zap.Int("live_entries", db.active.Size()))
		}
	}

	db.compactor = compaction.NewWorker(cat, clock,
		cfg.CompactionInterval, cfg.CompactionThreshold, cfg.MaxCompactionFiles, logger)
	db.compactor.Start()

	db.flushWg.Add(1)
	go db.flushLoop()

	return db, nil
}

// Put writes a key-value pair. The record reaches the WAL before it
// becomes visible; crossing the flush threshold freezes the active table
// and hands it to the flush worker, waiting first if the frozen slot is
// still occupied.
func (db *DB) Put(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	ts := db.clock.Now()
	if db.wal != nil {
		if _, err := db.wal.AppendPut(key, value, ts); err != nil {
			return fmt.Errorf("lsm: wal append: %w", err)
		}
	}
	if err := db.active.Insert(record.NewPut(key, value, ts)); err != nil {
		return err
	}

	return db.maybeFreezeLocked()
}

// Delete writes a tombstone for key.
func (db *DB) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	ts := db.clock.Now()
	if db.wal != nil {
		if _, err := db.wal.AppendDelete(key, ts); err != nil {
			return fmt.Errorf("lsm: wal append: %w", err)
		}
	}
	if err := db.active.Insert(record.NewTombstone(key, ts)); err != nil {
		return err
	}

	return db.maybeFreezeLocked()
}

// maybeFreezeLocked moves a full active table into the frozen slot and
// schedules its flush. Caller holds the writer lock.
func (db *DB) maybeFreezeLocked() error {
	if db.active.Size() < db.cfg.FlushThreshold {
		return nil
	}

	// backpressure: the previous frozen table must be consumed first
	for db.frozen != nil && !db.closed {
		db.frozenFree.Wait()
	}
	if db.closed {
		return ErrClosed
	}

	db.active.Freeze()
	db.frozen = db.active
	db.active = memtable.New(db.clock)
	db.flushCh <- db.frozen
	return nil
}

// Get returns the value for key. The search order (active, frozen, runs
// newest-first) makes the first hit the newest version; tombstones hide
// values. A missing key is (value="", found=false, err=nil).
func (db *DB) Get(key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return "", false, ErrClosed
	}

	if rec, ok := db.active.Get(key); ok {
		db.mu.RUnlock()
		return interpret(rec)
	}
	if db.frozen != nil {
		if rec, ok := db.frozen.Get(key); ok {
			db.mu.RUnlock()
			return interpret(rec)
		}
	}
	cat := db.cat
	// the catalog has its own lock, taken after the engine lock is gone
	db.mu.RUnlock()

	rec, ok, err := cat.Get(key)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return interpret(rec)
}

func interpret(rec record.Record) (string, bool, error) {
	if rec.Tombstone {
		return "", false, nil
	}
	return rec.Value, true, nil
}

// Compact runs one compaction pass synchronously. A pass already in
// flight returns compaction.ErrBusy.
func (db *DB) Compact() error {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return db.compactor.Trigger()
}

// flushLoop is the single-threaded FIFO flush worker.
func (db *DB) flushLoop() {
	defer db.flushWg.Done()
	for mt := range db.flushCh {
		db.flushTable(mt)
	}
}

// flushTable persists a frozen table, retrying until it succeeds or the
// engine closes. On failure the frozen slot stays populated; the WAL
// still holds every record, so giving up at close loses nothing.
func (db *DB) flushTable(mt *memtable.Memtable) {
	backoff := 100 * time.Millisecond
	for {
		err := db.flushOnce(mt)
		if err == nil {
			return
		}
		db.logger.Error("flush failed", zap.Error(err))

		db.mu.Lock()
		if db.closed {
			// recovery will rebuild this table from the WAL
			db.frozen = nil
			db.frozenFree.Broadcast()
			db.mu.Unlock()
			return
		}
		db.mu.Unlock()

		time.Sleep(backoff)
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// flushOnce snapshots the frozen table, writes it out as a new run,
// publishes it and truncates the WAL. The current active table's records
// were in the truncated file, so they are re-appended under the writer
// lock before writes resume.
func (db *DB) flushOnce(mt *memtable.Memtable) error {
	snap := mt.Snapshot()
	if snap.Count() > 0 {
		meta, err := db.writeRun(snap.Records())
		if err != nil {
			return err
		}
		if err := db.cat.Publish(meta); err != nil {
			return err
		}
		db.logger.Info("flush complete",
			zap.String("path", meta.Path),
			zap.Int("entries", meta.EntryCount),
			zap.Int64("bytes", meta.SizeBytes))
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.wal != nil {
		if err := db.truncateAndRelogLocked(); err != nil {
			// the flushed records persist in the run; a stale WAL only
			// means redundant replay after a crash
			db.logger.Error("wal truncate failed", zap.Error(err))
		}
	}

	db.frozen = nil
	db.frozenFree.Broadcast()
	return nil
}

// truncateAndRelogLocked truncates the WAL and re-appends the live active
// table's records with their original timestamps. Caller holds the writer
// lock, so no writes interleave.
func (db *DB) truncateAndRelogLocked() error {
	if err := db.wal.Truncate(); err != nil {
		return err
	}
	for it := db.active.NewIterator(); it.Valid(); it.Next() {
		rec := it.Record()
		var err error
		if rec.Tombstone {
			_, err = db.wal.AppendDelete(rec.Key, rec.Timestamp)
		} else {
			_, err = db.wal.AppendPut(rec.Key, rec.Value, rec.Timestamp)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeRun streams records (already key-ascending) into a fresh run file.
func (db *DB) writeRun(records []record.Record) (sstable.Metadata, error) {
	path, id := db.cat.NewPath()
	w, err := sstable.NewWriter(path, id, db.clock.Now())
	if err != nil {
		return sstable.Metadata{}, err
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			w.Cancel()
			return sstable.Metadata{}, err
		}
	}
	return w.Finish()
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	ActiveEntries int
	FrozenEntries int
	Runs          int
	TotalBytes    int64
	TotalEntries  int64
	WALSequence   int64
}

func (db *DB) Stats() Stats {
	db.mu.RLock()
	s := Stats{ActiveEntries: db.active.Size()}
	if db.frozen != nil {
		s.FrozenEntries = db.frozen.Size()
	}
	w := db.wal
	db.mu.RUnlock()

	s.Runs = db.cat.Count()
	s.TotalBytes = db.cat.TotalBytes()
	s.TotalEntries = db.cat.TotalEntries()
	if w != nil {
		s.WALSequence = w.Seq()
	}
	return s
}

// Close refuses new operations, drains the in-flight flush, persists the
// active table, stops the compactor and releases every handle. The WAL is
// truncated only after the final successful flush.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true

	// drain the in-flight flush, if any
	for db.frozen != nil {
		db.frozenFree.Wait()
	}
	active := db.active
	db.mu.Unlock()

	close(db.flushCh)
	db.flushWg.Wait()

	var firstErr error

	if !active.IsEmpty() {
		active.Freeze()
		snap := active.Snapshot()
		meta, err := db.writeRun(snap.Records())
		if err == nil {
			err = db.cat.Publish(meta)
		}
		if err != nil {
			// the WAL keeps the records; recovery replays them
			firstErr = fmt.Errorf("lsm: final flush: %w", err)
		} else if db.wal != nil {
			if err := db.wal.Truncate(); err != nil {
				db.logger.Error("wal truncate failed", zap.Error(err))
			}
		}
	}

	db.compactor.Shutdown(shutdownTimeout)

	if db.wal != nil {
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.cat.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Package compaction runs the background size-tiered merge: pick the most
// populated tier, k-way merge its oldest runs into one new run, publish
// it and retire the inputs. Superseded versions always disappear in the
// merge; tombstones only when no older run remains outside it.
package compaction

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strata-kv/strata/internal/catalog"
	"github.com/strata-kv/strata/internal/record"
	"github.com/strata-kv/strata/internal/sstable"
)

// ErrBusy is returned by Trigger when a compaction is already in flight;
// concurrent triggers coalesce into the running pass.
var ErrBusy = errors.New("compaction: busy")

// Worker states.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
)

// Worker is the single-threaded periodic compactor. Start schedules a
// tick every interval; Trigger runs one pass synchronously under the same
// lock, so periodic and on-demand work never overlap.
type Worker struct {
	cat       *catalog.Catalog
	clock     *record.Clock
	interval  time.Duration
	threshold int // minimum run count before a periodic pass
	maxFiles  int // upper bound on runs merged per pass

	runMu  sync.Mutex // non-reentrant try-lock coalescing triggers
	state  atomic.Int32
	stopCh chan struct{}
	done   chan struct{}

	logger *zap.Logger
}

func NewWorker(cat *catalog.Catalog, clock *record.Clock, interval time.Duration, threshold, maxFiles int, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cat:       cat,
		clock:     clock,
		interval:  interval,
		threshold: threshold,
		maxFiles:  maxFiles,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Start launches the periodic loop.
func (w *Worker) Start() {
	go w.loop()
}

func (w *Worker) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.state.Load() != stateIdle {
				continue
			}
			if w.cat.Count() < w.threshold {
				continue
			}
			if !w.runMu.TryLock() {
				continue
			}
			if err := w.runOnce(); err != nil {
				// logged and swallowed; the next tick retries
				w.logger.Error("compaction failed", zap.Error(err))
			}
			w.runMu.Unlock()
		case <-w.stopCh:
			return
		}
	}
}

// Trigger runs one compaction pass synchronously. A pass already in
// flight makes it return ErrBusy instead of queueing.
func (w *Worker) Trigger() error {
	if w.state.Load() == stateStopping {
		return errors.New("compaction: worker stopped")
	}
	if !w.runMu.TryLock() {
		return ErrBusy
	}
	defer w.runMu.Unlock()
	return w.runOnce()
}

// runOnce performs one selection+merge+publish cycle. Caller holds runMu.
func (w *Worker) runOnce() error {
	w.state.Store(stateRunning)
	defer w.state.CompareAndSwap(stateRunning, stateIdle)

	candidates := w.cat.SelectForCompaction(w.maxFiles)
	if len(candidates) < 2 {
		return nil
	}

	dropTombstones := w.cat.IsOldestSet(candidates)

	path, id := w.cat.NewPath()
	writer, err := sstable.NewWriter(path, id, w.clock.Now())
	if err != nil {
		return err
	}

	readers := w.cat.Readers(candidates)
	merge, err := sstable.NewMergeIterator(readers, dropTombstones)
	if err != nil {
		writer.Cancel()
		return err
	}
	defer merge.Close()

	for {
		rec, ok, err := merge.Next()
		if err != nil {
			writer.Cancel()
			return err
		}
		if !ok {
			break
		}
		if err := writer.Write(rec); err != nil {
			writer.Cancel()
			return err
		}
	}

	var output *sstable.Metadata
	if writer.Count() == 0 {
		// every record was a dropped tombstone; retire the inputs only
		writer.Cancel()
	} else {
		meta, err := writer.Finish()
		if err != nil {
			return err
		}
		output = &meta
	}

	if err := w.cat.Replace(output, candidates); err != nil {
		return err
	}

	w.logger.Info("compaction finished",
		zap.Int("inputs", len(candidates)),
		zap.Bool("drop_tombstones", dropTombstones),
		zap.Bool("output_published", output != nil))
	return nil
}

// Shutdown stops the periodic loop and waits up to timeout for in-flight
// work before giving up the wait (the pass still cleans up after itself).
func (w *Worker) Shutdown(timeout time.Duration) {
	w.state.Store(stateStopping)
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	select {
	case <-w.done:
	case <-time.After(timeout):
		w.logger.Warn("compaction worker did not stop in time")
		return
	}

	// drain a pass that was mid-flight when the loop exited
	done := make(chan struct{})
	go func() {
		w.runMu.Lock()
		w.runMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

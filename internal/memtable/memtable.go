package memtable

import (
	"errors"
	"sync/atomic"

	"github.com/strata-kv/strata/internal/record"
)

// entryOverhead approximates per-entry object overhead for the byte
// estimate. The estimate governs flush-threshold sizing only.
const entryOverhead = 64

var ErrFrozen = errors.New("memtable: frozen")

// Memtable is the in-memory ordered table. It holds the latest record per
// key (tombstones included) and is mutated only while it is the engine's
// active table; Freeze seals it for its lifetime as the frozen table.
type Memtable struct {
	sl        *SkipList
	clock     *record.Clock
	bytes     int64 // estimated footprint (atomic)
	frozen    int32 // atomic flag: 0 = mutable, 1 = frozen
	createdMs int64
}

func New(clock *record.Clock) *Memtable {
	return &Memtable{
		sl:        NewSkipList(),
		clock:     clock,
		createdMs: clock.Now(),
	}
}

func entryEstimate(rec record.Record) int64 {
	return int64(2*len(rec.Key) + 2*len(rec.Value) + entryOverhead)
}

// Put inserts or overwrites a live record stamped with the current wall
// time and returns it.
func (mt *Memtable) Put(key, value string) (record.Record, error) {
	rec := record.NewPut(key, value, mt.clock.Now())
	if err := mt.Insert(rec); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// Delete inserts or overwrites a tombstone stamped with the current wall
// time and returns it.
func (mt *Memtable) Delete(key string) (record.Record, error) {
	rec := record.NewTombstone(key, mt.clock.Now())
	if err := mt.Insert(rec); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// Insert applies a fully-formed record, keeping its timestamp. The engine
// uses this on the write path (the record was already logged) and during
// WAL replay, where original timestamps must survive.
func (mt *Memtable) Insert(rec record.Record) error {
	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrFrozen
	}

	prev, existed := mt.sl.Put(rec)

	delta := entryEstimate(rec)
	if existed {
		delta -= entryEstimate(prev)
	}
	atomic.AddInt64(&mt.bytes, delta)
	return nil
}

// Get returns the stored record for key, tombstone or not. The layer above
// decides whether to hide the value.
func (mt *Memtable) Get(key string) (record.Record, bool) {
	return mt.sl.Get(key)
}

// Size returns the entry count, tombstones included.
func (mt *Memtable) Size() int {
	return mt.sl.Size()
}

func (mt *Memtable) IsEmpty() bool {
	return mt.sl.Size() == 0
}

// ByteEstimate returns the estimated footprint in bytes.
func (mt *Memtable) ByteEstimate() int64 {
	return atomic.LoadInt64(&mt.bytes)
}

// CreatedMs returns the table's creation timestamp.
func (mt *Memtable) CreatedMs() int64 {
	return mt.createdMs
}

// Freeze seals the table. Subsequent Insert/Put/Delete fail with ErrFrozen;
// reads are still allowed.
func (mt *Memtable) Freeze() {
	atomic.CompareAndSwapInt32(&mt.frozen, 0, 1)
}

func (mt *Memtable) IsFrozen() bool {
	return atomic.LoadInt32(&mt.frozen) == 1
}

// Clear drops every entry and resets the byte estimate.
func (mt *Memtable) Clear() {
	mt.sl.Clear()
	atomic.StoreInt64(&mt.bytes, 0)
}

// NewIterator yields records in ascending key order.
func (mt *Memtable) NewIterator() *SLIterator {
	return mt.sl.NewIterator()
}

// Snapshot returns a read-only copy taken now, independent of later
// mutations of the source. The flush path owns the snapshot; the source
// table may already be discarded by the time it is consumed.
func (mt *Memtable) Snapshot() *Snapshot {
	return &Snapshot{records: mt.sl.All()}
}

// Snapshot is a frozen copy of a memtable's contents in ascending key order.
type Snapshot struct {
	records []record.Record
}

func (s *Snapshot) Count() int {
	return len(s.records)
}

// Records returns the snapshot's contents in ascending key order.
func (s *Snapshot) Records() []record.Record {
	return s.records
}

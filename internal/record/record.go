package record

import (
	"sync"
	"time"
)

// Record is the unit of data exchanged by every layer: memtable, WAL,
// sorted runs and the merge path all speak Records.
//
// A record with a later timestamp supersedes any earlier record for the
// same key, tombstone or not. Tombstones carry no value.
type Record struct {
	Key       string
	Value     string
	Tombstone bool
	Timestamp int64 // wall time in milliseconds
}

// NewPut builds a live record.
func NewPut(key, value string, ts int64) Record {
	return Record{Key: key, Value: value, Timestamp: ts}
}

// NewTombstone builds a deletion marker for key.
func NewTombstone(key string, ts int64) Record {
	return Record{Key: key, Tombstone: true, Timestamp: ts}
}

// Supersedes reports whether r is a newer version than other for the same key.
func (r Record) Supersedes(other Record) bool {
	return r.Timestamp > other.Timestamp
}

// Clock hands out millisecond timestamps that never repeat or go backwards
// within one engine instance. Wall-clock ms collide under high write rates,
// so each call returns max(now, last+1).
type Clock struct {
	mu   sync.Mutex
	last int64
}

func NewClock() *Clock {
	return &Clock{}
}

// Now returns the next timestamp.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Advance moves the clock forward so future timestamps are strictly greater
// than ts. Called after recovery with the newest timestamp found on disk.
func (c *Clock) Advance(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts > c.last {
		c.last = ts
	}
}

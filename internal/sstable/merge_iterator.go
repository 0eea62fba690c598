package sstable

import (
	"container/heap"

	"github.com/strata-kv/strata/internal/record"
)

// MergeIterator fuses N run iterators into one key-ascending stream,
// collapsing duplicate keys to the newest version. Sources must be handed
// over newest-first: on equal (key, timestamp) the lowest source index
// wins, so newer runs win ties.
//
// When dropTombstones is set the merge swallows winning tombstones. That
// is only safe when the merge consumes every run that could still hold an
// older version of the key; the compaction worker decides and passes the
// flag (see Worker).
type MergeIterator struct {
	h              mergeHeap
	dropTombstones bool
	iters          []*Iterator
}

type mergeItem struct {
	rec record.Record
	src int
	it  *Iterator
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.rec.Key != b.rec.Key {
		return a.rec.Key < b.rec.Key
	}
	if a.rec.Timestamp != b.rec.Timestamp {
		return a.rec.Timestamp > b.rec.Timestamp
	}
	return a.src < b.src
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewMergeIterator opens one forward iterator per reader and seeds the
// heap. Readers must be ordered newest-first.
func NewMergeIterator(readers []*Reader, dropTombstones bool) (*MergeIterator, error) {
	mi := &MergeIterator{dropTombstones: dropTombstones}
	for src, r := range readers {
		it := r.Iter("", "")
		if err := it.Err(); err != nil {
			mi.Close()
			return nil, err
		}
		mi.iters = append(mi.iters, it)
		if it.Valid() {
			mi.h = append(mi.h, mergeItem{rec: it.Record(), src: src, it: it})
		}
	}
	heap.Init(&mi.h)
	return mi, nil
}

// Next returns the next surviving record. The second result is false when
// the stream is exhausted.
func (mi *MergeIterator) Next() (record.Record, bool, error) {
	for mi.h.Len() > 0 {
		// Heap order puts the newest version of the smallest key on top.
		top := heap.Pop(&mi.h).(mergeItem)
		winner := top.rec
		if err := mi.push(top); err != nil {
			return record.Record{}, false, err
		}

		// Discard older versions of the same key from other sources.
		for mi.h.Len() > 0 && mi.h[0].rec.Key == winner.Key {
			dup := heap.Pop(&mi.h).(mergeItem)
			if err := mi.push(dup); err != nil {
				return record.Record{}, false, err
			}
		}

		if winner.Tombstone && mi.dropTombstones {
			continue
		}
		return winner, true, nil
	}
	return record.Record{}, false, nil
}

// push advances item's source iterator and re-queues it if it still has
// records.
func (mi *MergeIterator) push(item mergeItem) error {
	item.it.Next()
	if err := item.it.Err(); err != nil {
		return err
	}
	if item.it.Valid() {
		heap.Push(&mi.h, mergeItem{rec: item.it.Record(), src: item.src, it: item.it})
	}
	return nil
}

// Close closes every source iterator.
func (mi *MergeIterator) Close() {
	for _, it := range mi.iters {
		it.Close()
	}
	mi.h = nil
}

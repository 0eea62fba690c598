package memtable

import (
	"fmt"
	"testing"

	"github.com/strata-kv/strata/internal/record"
)

func TestSkipListPutGet(t *testing.T) {
	sl := NewSkipList()

	sl.Put(record.NewPut("key1", "value1", 1))
	sl.Put(record.NewPut("key2", "value2", 2))

	rec, found := sl.Get("key1")
	if !found {
		t.Fatal("key1 should be found")
	}
	if rec.Value != "value1" {
		t.Errorf("Expected value1, got %s", rec.Value)
	}

	if _, found := sl.Get("missing"); found {
		t.Error("missing key should not be found")
	}
}

func TestSkipListOverwrite(t *testing.T) {
	sl := NewSkipList()

	sl.Put(record.NewPut("k", "a", 1))
	prev, existed := sl.Put(record.NewPut("k", "b", 2))
	if !existed {
		t.Fatal("overwrite should report the previous record")
	}
	if prev.Value != "a" {
		t.Errorf("Expected previous value a, got %s", prev.Value)
	}

	rec, _ := sl.Get("k")
	if rec.Value != "b" || rec.Timestamp != 2 {
		t.Errorf("Expected (b, 2), got (%s, %d)", rec.Value, rec.Timestamp)
	}
	if sl.Size() != 1 {
		t.Errorf("Expected size 1, got %d", sl.Size())
	}
}

func TestSkipListTombstoneStored(t *testing.T) {
	sl := NewSkipList()

	sl.Put(record.NewTombstone("gone", 5))

	rec, found := sl.Get("gone")
	if !found {
		t.Fatal("tombstone record should be returned, hiding it is the caller's job")
	}
	if !rec.Tombstone {
		t.Error("record should be a tombstone")
	}
	if sl.Size() != 1 {
		t.Errorf("Expected size 1, got %d", sl.Size())
	}
}

func TestSkipListOrderedIteration(t *testing.T) {
	sl := NewSkipList()

	// insert out of order
	for _, k := range []string{"delta", "alpha", "echo", "charlie", "bravo"} {
		sl.Put(record.NewPut(k, "v-"+k, 1))
	}

	var keys []string
	for it := sl.NewIterator(); it.Valid(); it.Next() {
		keys = append(keys, it.Record().Key)
	}

	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	if len(keys) != len(want) {
		t.Fatalf("Expected %d keys, got %d", len(want), len(keys))
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("Position %d: expected %s, got %s", i, k, keys[i])
		}
	}
}

func TestSkipListManyKeys(t *testing.T) {
	sl := NewSkipList()

	n := 1000
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key%04d", (i*7919)%n) // scrambled insert order
		sl.Put(record.NewPut(k, fmt.Sprintf("val%04d", (i*7919)%n), int64(i)))
	}

	prev := ""
	count := 0
	for it := sl.NewIterator(); it.Valid(); it.Next() {
		k := it.Record().Key
		if k <= prev {
			t.Fatalf("keys out of order: %s after %s", k, prev)
		}
		prev = k
		count++
	}
	if count != n {
		t.Errorf("Expected %d entries, got %d", n, count)
	}
}

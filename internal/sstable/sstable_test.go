package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strata-kv/strata/internal/record"
)

func writeRun(t *testing.T, path string, id uint64, created int64, recs []record.Record) Metadata {
	t.Helper()
	w, err := NewWriter(path, id, created)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	return meta
}

func TestWriterReaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_000001.dat")

	recs := []record.Record{
		{Key: "apple", Value: "red", Timestamp: 10},
		{Key: "banana", Value: "yellow", Timestamp: 11},
		{Key: "cherry", Tombstone: true, Timestamp: 12},
		{Key: "date", Value: "", Timestamp: 13},
	}
	meta := writeRun(t, path, 1, 999, recs)

	require.Equal(t, "apple", meta.MinKey)
	require.Equal(t, "date", meta.MaxKey)
	require.Equal(t, 4, meta.EntryCount)
	require.Equal(t, int64(999), meta.CreatedMs)

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, st.Size(), meta.SizeBytes)

	r, err := NewReader(path, 1)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, meta, r.Metadata())

	for _, want := range recs {
		got, found, err := r.Get(want.Key)
		require.NoError(t, err)
		require.True(t, found, "key %s", want.Key)
		require.Equal(t, want, got)
	}

	// inside bounds but absent
	_, found, err := r.Get("blueberry")
	require.NoError(t, err)
	require.False(t, found)

	// outside bounds
	_, found, err = r.Get("aaa")
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = r.Get("zzz")
	require.NoError(t, err)
	require.False(t, found)
}

func TestWriterRejectsOutOfOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_000001.dat")
	w, err := NewWriter(path, 1, 1)
	require.NoError(t, err)
	defer w.Cancel()

	require.NoError(t, w.Write(record.NewPut("b", "1", 1)))
	require.ErrorIs(t, w.Write(record.NewPut("a", "2", 2)), ErrOutOfOrder)
	require.ErrorIs(t, w.Write(record.NewPut("b", "dup", 3)), ErrOutOfOrder)
}

func TestWriterCancelRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run_000001.dat")

	w, err := NewWriter(path, 1, 1)
	require.NoError(t, err)
	require.NoError(t, w.Write(record.NewPut("a", "1", 1)))
	w.Cancel()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "cancel must leave nothing behind")
}

func TestFinishIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run_000001.dat")

	w, err := NewWriter(path, 1, 1)
	require.NoError(t, err)

	// while writing, only the temporary file exists
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))

	require.NoError(t, w.Write(record.NewPut("a", "1", 1)))
	_, err = w.Finish()
	require.NoError(t, err)

	_, statErr = os.Stat(path)
	require.NoError(t, statErr)
	_, statErr = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(statErr))
}

func TestReaderLongKeyBounds(t *testing.T) {
	// footer holds variable-length key bounds; make them big
	path := filepath.Join(t.TempDir(), "run_000001.dat")
	longMin := strings.Repeat("a", 3000)
	longMax := strings.Repeat("z", 5000)

	writeRun(t, path, 1, 7, []record.Record{
		{Key: longMin, Value: "first", Timestamp: 1},
		{Key: "middle", Value: "mid", Timestamp: 2},
		{Key: longMax, Value: "last", Timestamp: 3},
	})

	r, err := NewReader(path, 1)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, longMin, r.Metadata().MinKey)
	require.Equal(t, longMax, r.Metadata().MaxKey)

	got, found, err := r.Get("middle")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "mid", got.Value)
}

func TestReaderIterFullScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_000001.dat")

	var recs []record.Record
	for i := 0; i < 100; i++ {
		recs = append(recs, record.NewPut(fmt.Sprintf("key%03d", i), fmt.Sprintf("val%03d", i), int64(i)))
	}
	writeRun(t, path, 1, 1, recs)

	r, err := NewReader(path, 1)
	require.NoError(t, err)
	defer r.Close()

	it := r.Iter("", "")
	defer it.Close()

	i := 0
	for ; it.Valid(); it.Next() {
		require.Equal(t, recs[i], it.Record())
		i++
	}
	require.NoError(t, it.Err())
	require.Equal(t, len(recs), i)
}

func TestReaderIterRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_000001.dat")

	var recs []record.Record
	for i := 0; i < 50; i++ {
		recs = append(recs, record.NewPut(fmt.Sprintf("key%03d", i), "v", int64(i)))
	}
	writeRun(t, path, 1, 1, recs)

	r, err := NewReader(path, 1)
	require.NoError(t, err)
	defer r.Close()

	it := r.Iter("key010", "key020")
	defer it.Close()

	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, it.Record().Key)
	}
	require.NoError(t, it.Err())
	require.Len(t, keys, 10)
	require.Equal(t, "key010", keys[0])
	require.Equal(t, "key019", keys[len(keys)-1])
}

func TestReaderRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_000001.dat")
	require.NoError(t, os.WriteFile(path, []byte("not a run file"), 0o644))

	_, err := NewReader(path, 1)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestMetadataContains(t *testing.T) {
	m := Metadata{MinKey: "b", MaxKey: "d"}
	require.True(t, m.Contains("b"))
	require.True(t, m.Contains("c"))
	require.True(t, m.Contains("d"))
	require.False(t, m.Contains("a"))
	require.False(t, m.Contains("e"))
}

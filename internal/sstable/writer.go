// Package sstable implements the on-disk sorted-run format: a streaming
// writer, a random-access reader and the k-way merge used by compaction.
//
// File layout, all integers big-endian:
//
//	[data section: encoded records, key-ascending]
//	[index section: per record u32 key_len | key | i64 offset]
//	[i64 index_offset]           // byte offset of the index section start
//	[u32 footer_len]             // footer block length, repeated as trailer
//	[u32 entry_count]
//	[u32 min_key_len][min_key]
//	[u32 max_key_len][max_key]
//	[i64 created_ms]
//	[u32 footer_len]             // the last 4 bytes of the file
//
// Readers locate the footer from the trailing length field, so key bounds
// of any size round-trip safely.
package sstable

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"

	"github.com/strata-kv/strata/internal/record"
)

var (
	ErrOutOfOrder = errors.New("sstable: keys must be strictly ascending")
	ErrCorrupt    = errors.New("sstable: corrupt file")
)

type indexEntry struct {
	key    string
	offset int64
}

// Writer streams records into a new run file. Records must arrive in
// strictly ascending key order, at most one per key. The file is written
// to a temporary sibling and moved into place by Finish, so a run is
// either fully present or absent.
type Writer struct {
	id        uint64
	path      string
	tmpPath   string
	file      *os.File
	bw        *bufio.Writer
	index     []indexEntry
	offset    int64
	minKey    string
	maxKey    string
	count     int
	createdMs int64
	done      bool
}

// NewWriter creates the temporary file backing a new run at path.
func NewWriter(path string, id uint64, createdMs int64) (*Writer, error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{
		id:        id,
		path:      path,
		tmpPath:   tmpPath,
		file:      f,
		bw:        bufio.NewWriter(f),
		createdMs: createdMs,
	}, nil
}

// Write appends rec to the data section and records its offset in the
// index buffer.
func (w *Writer) Write(rec record.Record) error {
	if w.done {
		return os.ErrInvalid
	}
	if w.count > 0 && rec.Key <= w.maxKey {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, rec.Key, w.maxKey)
	}

	enc := record.Encode(rec)
	if _, err := w.bw.Write(enc); err != nil {
		return err
	}

	w.index = append(w.index, indexEntry{key: rec.Key, offset: w.offset})
	if w.count == 0 {
		w.minKey = rec.Key
	}
	w.maxKey = rec.Key
	w.count++
	w.offset += int64(len(enc))
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	return w.count
}

// Finish writes the index and footer, fsyncs, moves the file into place
// and returns the run's metadata.
func (w *Writer) Finish() (Metadata, error) {
	if w.done {
		return Metadata{}, os.ErrInvalid
	}
	w.done = true

	indexOffset := w.offset
	written := indexOffset

	var scratch [8]byte
	for _, e := range w.index {
		binary.BigEndian.PutUint32(scratch[:4], uint32(len(e.key)))
		if _, err := w.bw.Write(scratch[:4]); err != nil {
			return Metadata{}, w.abort(err)
		}
		if _, err := w.bw.WriteString(e.key); err != nil {
			return Metadata{}, w.abort(err)
		}
		binary.BigEndian.PutUint64(scratch[:], uint64(e.offset))
		if _, err := w.bw.Write(scratch[:]); err != nil {
			return Metadata{}, w.abort(err)
		}
		written += int64(4 + len(e.key) + 8)
	}

	binary.BigEndian.PutUint64(scratch[:], uint64(indexOffset))
	if _, err := w.bw.Write(scratch[:]); err != nil {
		return Metadata{}, w.abort(err)
	}
	written += 8

	// footer block: its own length, entry count, key bounds, creation time
	footerLen := uint32(4 + 4 + 4 + len(w.minKey) + 4 + len(w.maxKey) + 8)
	footer := make([]byte, 0, footerLen+4)
	footer = binary.BigEndian.AppendUint32(footer, footerLen)
	footer = binary.BigEndian.AppendUint32(footer, uint32(w.count))
	footer = binary.BigEndian.AppendUint32(footer, uint32(len(w.minKey)))
	footer = append(footer, w.minKey...)
	footer = binary.BigEndian.AppendUint32(footer, uint32(len(w.maxKey)))
	footer = append(footer, w.maxKey...)
	footer = binary.BigEndian.AppendUint64(footer, uint64(w.createdMs))
	footer = binary.BigEndian.AppendUint32(footer, footerLen) // trailer
	if _, err := w.bw.Write(footer); err != nil {
		return Metadata{}, w.abort(err)
	}
	written += int64(len(footer))

	if err := w.bw.Flush(); err != nil {
		return Metadata{}, w.abort(err)
	}
	if err := w.file.Sync(); err != nil {
		return Metadata{}, w.abort(err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		os.Remove(w.tmpPath)
		return Metadata{}, err
	}
	w.file = nil

	if err := atomic.ReplaceFile(w.tmpPath, w.path); err != nil {
		os.Remove(w.tmpPath)
		return Metadata{}, err
	}

	return Metadata{
		ID:         w.id,
		Path:       w.path,
		MinKey:     w.minKey,
		MaxKey:     w.maxKey,
		EntryCount: w.count,
		SizeBytes:  written,
		CreatedMs:  w.createdMs,
	}, nil
}

func (w *Writer) abort(err error) error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.tmpPath)
	return err
}

// Cancel closes the stream and deletes the partial file. Safe after any
// prior step, including a finished or already-canceled writer.
func (w *Writer) Cancel() {
	if w.done && w.file == nil {
		return
	}
	w.done = true
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.tmpPath)
}

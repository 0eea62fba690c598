package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/strata-kv/strata/internal/record"
)

// Reader serves point lookups and forward scans over one run file. The
// footer and the complete index are loaded once at construction; data
// reads go through ReadAt sections, so one Reader may be shared by many
// goroutines until Close.
type Reader struct {
	file        *os.File
	meta        Metadata
	index       []indexEntry
	indexOffset int64 // data section length
}

// NewReader opens path and loads its footer and index.
func NewReader(path string, id uint64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{file: f}
	if err := r.load(path, id); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load(path string, id uint64) error {
	st, err := r.file.Stat()
	if err != nil {
		return err
	}
	size := st.Size()

	// trailer: the last 4 bytes hold the footer block length
	var lenBuf [4]byte
	if size < int64(len(lenBuf)) {
		return fmt.Errorf("%w: %s: file too small", ErrCorrupt, path)
	}
	if _, err := r.file.ReadAt(lenBuf[:], size-4); err != nil {
		return err
	}
	footerLen := int64(binary.BigEndian.Uint32(lenBuf[:]))

	footerStart := size - 4 - footerLen
	if footerLen < 24 || footerStart < 8 {
		return fmt.Errorf("%w: %s: bad footer length %d", ErrCorrupt, path, footerLen)
	}

	footer := make([]byte, footerLen)
	if _, err := r.file.ReadAt(footer, footerStart); err != nil {
		return err
	}
	if int64(binary.BigEndian.Uint32(footer[0:4])) != footerLen {
		return fmt.Errorf("%w: %s: footer length mismatch", ErrCorrupt, path)
	}
	entryCount := binary.BigEndian.Uint32(footer[4:8])

	pos := int64(8)
	minLen := int64(binary.BigEndian.Uint32(footer[pos : pos+4]))
	pos += 4
	if pos+minLen+4 > footerLen {
		return fmt.Errorf("%w: %s: footer key bounds overflow", ErrCorrupt, path)
	}
	minKey := string(footer[pos : pos+minLen])
	pos += minLen

	maxLen := int64(binary.BigEndian.Uint32(footer[pos : pos+4]))
	pos += 4
	if pos+maxLen+8 > footerLen {
		return fmt.Errorf("%w: %s: footer key bounds overflow", ErrCorrupt, path)
	}
	maxKey := string(footer[pos : pos+maxLen])
	pos += maxLen

	createdMs := int64(binary.BigEndian.Uint64(footer[pos : pos+8]))

	// the 8 bytes before the footer hold the index section offset
	var offBuf [8]byte
	if _, err := r.file.ReadAt(offBuf[:], footerStart-8); err != nil {
		return err
	}
	indexOffset := int64(binary.BigEndian.Uint64(offBuf[:]))
	indexEnd := footerStart - 8
	if indexOffset < 0 || indexOffset > indexEnd {
		return fmt.Errorf("%w: %s: bad index offset %d", ErrCorrupt, path, indexOffset)
	}

	index, err := readIndex(r.file, indexOffset, indexEnd)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if len(index) != int(entryCount) {
		return fmt.Errorf("%w: %s: index has %d entries, footer says %d",
			ErrCorrupt, path, len(index), entryCount)
	}

	r.index = index
	r.indexOffset = indexOffset
	r.meta = Metadata{
		ID:         id,
		Path:       path,
		MinKey:     minKey,
		MaxKey:     maxKey,
		EntryCount: int(entryCount),
		SizeBytes:  size,
		CreatedMs:  createdMs,
	}
	return nil
}

func readIndex(f *os.File, start, end int64) ([]indexEntry, error) {
	br := bufio.NewReader(io.NewSectionReader(f, start, end-start))

	var index []indexEntry
	var buf [8]byte
	for {
		if _, err := io.ReadFull(br, buf[:4]); err != nil {
			if err == io.EOF {
				return index, nil
			}
			return nil, err
		}
		klen := binary.BigEndian.Uint32(buf[:4])
		if klen == 0 || klen > 1<<20 {
			return nil, fmt.Errorf("index key length %d out of range", klen)
		}
		key := make([]byte, klen)
		if _, err := io.ReadFull(br, key); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(br, buf[:8]); err != nil {
			return nil, err
		}
		index = append(index, indexEntry{
			key:    string(key),
			offset: int64(binary.BigEndian.Uint64(buf[:8])),
		})
	}
}

// Metadata returns the run's metadata as read from the footer.
func (r *Reader) Metadata() Metadata {
	return r.meta
}

func (r *Reader) Path() string {
	return r.meta.Path
}

// Get returns the stored record for key, tombstone or not. The index is
// complete (one entry per record) so the binary search lands exactly on
// the target when present; the bounded forward scan also tolerates a
// sparser index from a future writer.
func (r *Reader) Get(key string) (record.Record, bool, error) {
	if r.file == nil {
		return record.Record{}, false, os.ErrInvalid
	}
	if !r.meta.Contains(key) {
		return record.Record{}, false, nil
	}

	// greatest index entry whose key <= target
	i := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].key > key
	})
	if i == 0 {
		return record.Record{}, false, nil
	}
	start := r.index[i-1].offset

	br := bufio.NewReader(io.NewSectionReader(r.file, start, r.indexOffset-start))
	for {
		rec, err := record.Decode(br)
		if err == io.EOF {
			return record.Record{}, false, nil
		}
		if err != nil {
			return record.Record{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.meta.Path, err)
		}
		if rec.Key == key {
			return rec, true, nil
		}
		if rec.Key > key {
			return record.Record{}, false, nil
		}
	}
}

// Iter returns a forward iterator over [from, to). Empty strings leave the
// corresponding bound open.
func (r *Reader) Iter(from, to string) *Iterator {
	start := int64(0)
	if from != "" && len(r.index) > 0 {
		// skip straight to the last index entry below from
		i := sort.Search(len(r.index), func(i int) bool {
			return r.index[i].key >= from
		})
		if i > 0 {
			start = r.index[i-1].offset
		}
	}

	it := &Iterator{
		br:   bufio.NewReader(io.NewSectionReader(r.file, start, r.indexOffset-start)),
		from: from,
		to:   to,
	}
	it.advance()
	return it
}

// Close releases the file handle. The catalog calls this before deleting
// the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Iterator is a forward scan over a run's records in key order.
type Iterator struct {
	br   *bufio.Reader
	from string
	to   string
	rec  record.Record
	eof  bool
	err  error
}

func (it *Iterator) advance() {
	if it.eof || it.err != nil {
		return
	}
	for {
		rec, err := record.Decode(it.br)
		if err == io.EOF {
			it.eof = true
			it.rec = record.Record{}
			return
		}
		if err != nil {
			it.err = err
			it.eof = true
			it.rec = record.Record{}
			return
		}
		if it.from != "" && rec.Key < it.from {
			continue
		}
		if it.to != "" && rec.Key >= it.to {
			it.eof = true
			it.rec = record.Record{}
			return
		}
		it.rec = rec
		return
	}
}

func (it *Iterator) Valid() bool {
	return !it.eof
}

func (it *Iterator) Record() record.Record {
	return it.rec
}

func (it *Iterator) Next() {
	it.advance()
}

// Err reports the first decode error hit, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Close drops the iterator's buffers. The shared reader keeps its handle.
func (it *Iterator) Close() {
	it.br = nil
	it.eof = true
}

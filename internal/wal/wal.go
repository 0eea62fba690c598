// Package wal implements the append-only recovery log. Every mutation is
// appended here before it becomes visible in the memtable; on restart the
// log is replayed into a fresh active table.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/strata-kv/strata/internal/record"
)

const (
	// KindPut and KindDelete are the on-disk record kinds.
	KindPut    byte = 1
	KindDelete byte = 2

	// headerSize is kind(1) + sequence(8) + timestamp(8) + klen(4).
	headerSize = 21

	// maxKeySize bounds a decoded key length (1MB).
	maxKeySize = 1 << 20
	// maxValueSize bounds a decoded value length (10MB).
	maxValueSize = 10 << 20

	// initialBufferSize is the initial capacity of the reusable encode buffer.
	initialBufferSize = 512
)

var (
	ErrClosed = errors.New("wal: closed")
	// ErrCorrupt marks a record that fails the format's invariants. During
	// recovery this truncates the tail rather than failing the open.
	ErrCorrupt = errors.New("wal: corrupt record")
)

// Entry is one recovered log record.
type Entry struct {
	Kind byte
	Seq  int64
	Rec  record.Record
}

// Log is the write-ahead log over a single append-only file.
//
// Record layout, all integers big-endian:
//
//	u8 kind | i64 sequence | i64 timestamp_ms | u32 key_len | key | u32 val_len | val
//
// val_len is 0 for DELETE. The sequence is assigned at append time and
// survives truncation; it exists for observability, recovery ordering is
// by position and timestamps.
type Log struct {
	mu sync.Mutex // the log is not otherwise thread-safe

	path   string
	file   *os.File
	buf    []byte // reusable encode buffer
	seq    int64
	closed bool

	syncInterval time.Duration // 0 forces fsync on every append
	lastSync     time.Time

	logger *zap.Logger
}

// Open creates parent directories as needed and opens the log for
// appending. A non-empty existing file is read once to seed the sequence
// counter past the maximum it contains.
func Open(path string, syncInterval time.Duration, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	l := &Log{
		path:         path,
		file:         f,
		buf:          make([]byte, 0, initialBufferSize),
		syncInterval: syncInterval,
		lastSync:     time.Now(),
		logger:       logger,
	}

	entries, validBytes, truncated, err := readEntries(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	if truncated {
		// drop the corrupt tail now, or the next appends would land
		// behind it and be unreachable to recovery
		if err := f.Truncate(validBytes); err != nil {
			f.Close()
			return nil, err
		}
		logger.Warn("wal tail truncated on open",
			zap.String("path", path),
			zap.Int64("valid_bytes", validBytes))
	}
	for _, e := range entries {
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}

	return l, nil
}

// AppendPut logs a live record and returns its sequence number. On return
// the record has reached the OS page cache; fsync is deferred up to the
// sync interval.
func (l *Log) AppendPut(key, value string, ts int64) (int64, error) {
	return l.append(KindPut, key, value, ts)
}

// AppendDelete logs a tombstone and returns its sequence number.
func (l *Log) AppendDelete(key string, ts int64) (int64, error) {
	return l.append(KindDelete, key, "", ts)
}

func (l *Log) append(kind byte, key, value string, ts int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	l.seq++
	seq := l.seq

	buf := l.buf[:0]
	buf = append(buf, kind)
	buf = binary.BigEndian.AppendUint64(buf, uint64(seq))
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
	buf = append(buf, value...)
	l.buf = buf[:0]

	if _, err := l.file.Write(buf); err != nil {
		return 0, err
	}

	if l.syncInterval == 0 || time.Since(l.lastSync) >= l.syncInterval {
		if err := l.file.Sync(); err != nil {
			return 0, err
		}
		l.lastSync = time.Now()
	}

	return seq, nil
}

// Sync flushes and fsyncs the file.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.lastSync = time.Now()
	return nil
}

// Recover reads the log from the start and returns every intact entry in
// append order. On corruption it stops and returns the entries read so
// far; the damaged suffix is discarded at the next truncation.
func (l *Log) Recover() ([]Entry, error) {
	l.mu.Lock()
	path := l.path
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	entries, _, truncated, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	if truncated {
		l.logger.Warn("wal tail truncated on recovery",
			zap.String("path", path),
			zap.Int("recovered", len(entries)))
	}
	return entries, nil
}

// readEntries scans the file at path, returning the intact entries, the
// byte length of the valid prefix and whether a corrupt tail was dropped.
func readEntries(path string) ([]Entry, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	defer f.Close()

	var (
		entries []Entry
		valid   int64
		header  [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if err == io.EOF {
				return entries, valid, false, nil
			}
			// short header: corrupt tail
			return entries, valid, true, nil
		}

		kind := header[0]
		seq := int64(binary.BigEndian.Uint64(header[1:9]))
		ts := int64(binary.BigEndian.Uint64(header[9:17]))
		klen := binary.BigEndian.Uint32(header[17:21])

		if kind != KindPut && kind != KindDelete {
			return entries, valid, true, nil
		}
		if klen == 0 || klen > maxKeySize {
			return entries, valid, true, nil
		}

		key := make([]byte, klen)
		if _, err := io.ReadFull(f, key); err != nil {
			return entries, valid, true, nil
		}
		var vlenBuf [4]byte
		if _, err := io.ReadFull(f, vlenBuf[:]); err != nil {
			return entries, valid, true, nil
		}
		vlen := binary.BigEndian.Uint32(vlenBuf[:])
		if vlen > maxValueSize || (kind == KindDelete && vlen != 0) {
			return entries, valid, true, nil
		}
		val := make([]byte, vlen)
		if _, err := io.ReadFull(f, val); err != nil {
			return entries, valid, true, nil
		}
		if !utf8.Valid(key) || !utf8.Valid(val) {
			return entries, valid, true, nil
		}

		rec := record.Record{
			Key:       string(key),
			Value:     string(val),
			Tombstone: kind == KindDelete,
			Timestamp: ts,
		}
		entries = append(entries, Entry{Kind: kind, Seq: seq, Rec: rec})
		valid += int64(headerSize) + int64(klen) + 4 + int64(vlen)
	}
}

// Truncate deletes the file and reopens an empty one. Invoked after a
// successful flush+publish. The sequence counter is not reset; it keeps
// increasing for observability.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	if err := l.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.closed = true
		return fmt.Errorf("wal: reopen after truncate: %w", err)
	}
	l.file = f
	l.lastSync = time.Now()
	return nil
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close fsyncs and closes the file. Further operations return ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

var (
	// ErrCorrupt means decoded bytes fail the format's invariants:
	// truncated record, oversized length prefix, or invalid UTF-8.
	ErrCorrupt = errors.New("record: corrupt")
)

const (
	// maxKeyLen bounds a decoded key length (1MB).
	maxKeyLen = 1 << 20
	// maxValueLen bounds a decoded value length (10MB).
	maxValueLen = 10 << 20
)

// Encoded record layout, all integers big-endian:
//
//	u32 key_len | key_utf8 | u32 val_len | val_utf8 | u8 tombstone | i64 timestamp_ms
//
// A zero val_len with tombstone=0 is an empty value; the tombstone byte is
// the sole discriminator between deletion and empty value.

// EncodedLen returns the encoded size of r in bytes.
func EncodedLen(r Record) int {
	return 4 + len(r.Key) + 4 + len(r.Value) + 1 + 8
}

// AppendEncode appends the encoding of r to dst and returns the result.
func AppendEncode(dst []byte, r Record) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Key)))
	dst = append(dst, r.Key...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Value)))
	dst = append(dst, r.Value...)
	if r.Tombstone {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.Timestamp))
	return dst
}

// Encode returns the encoding of r.
func Encode(r Record) []byte {
	return AppendEncode(make([]byte, 0, EncodedLen(r)), r)
}

// Decode reads one record from r. It returns io.EOF when the stream ends
// cleanly before the first byte, and ErrCorrupt on a premature end or
// invalid contents.
func Decode(r io.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: truncated key length: %v", ErrCorrupt, err)
	}
	keyLen := binary.BigEndian.Uint32(lenBuf[:])
	if keyLen == 0 || keyLen > maxKeyLen {
		return Record{}, fmt.Errorf("%w: key length %d out of range", ErrCorrupt, keyLen)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, fmt.Errorf("%w: truncated key: %v", ErrCorrupt, err)
	}
	if !utf8.Valid(key) {
		return Record{}, fmt.Errorf("%w: key is not valid UTF-8", ErrCorrupt)
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Record{}, fmt.Errorf("%w: truncated value length: %v", ErrCorrupt, err)
	}
	valLen := binary.BigEndian.Uint32(lenBuf[:])
	if valLen > maxValueLen {
		return Record{}, fmt.Errorf("%w: value length %d out of range", ErrCorrupt, valLen)
	}

	val := make([]byte, valLen)
	if _, err := io.ReadFull(r, val); err != nil {
		return Record{}, fmt.Errorf("%w: truncated value: %v", ErrCorrupt, err)
	}
	if !utf8.Valid(val) {
		return Record{}, fmt.Errorf("%w: value is not valid UTF-8", ErrCorrupt)
	}

	var tailBuf [9]byte
	if _, err := io.ReadFull(r, tailBuf[:]); err != nil {
		return Record{}, fmt.Errorf("%w: truncated record tail: %v", ErrCorrupt, err)
	}
	tombstone := tailBuf[0]
	if tombstone > 1 {
		return Record{}, fmt.Errorf("%w: invalid tombstone byte %d", ErrCorrupt, tombstone)
	}
	ts := int64(binary.BigEndian.Uint64(tailBuf[1:]))

	rec := Record{
		Key:       string(key),
		Value:     string(val),
		Tombstone: tombstone == 1,
		Timestamp: ts,
	}
	if rec.Tombstone {
		// On disk an absent value and an empty value look the same.
		rec.Value = ""
	}
	return rec, nil
}

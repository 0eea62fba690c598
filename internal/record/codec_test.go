package record

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{Key: "k1", Value: "v1", Timestamp: 1000},
		{Key: "k", Value: "", Timestamp: 42},                        // empty value
		{Key: "キー", Value: "値はこちら", Timestamp: 7},                   // multi-byte UTF-8
		{Key: "gone", Tombstone: true, Timestamp: 99},               // tombstone
		{Key: "big", Value: string(bytes.Repeat([]byte("x"), 4096)), Timestamp: 5},
	}

	for _, want := range cases {
		enc := Encode(want)
		require.Len(t, enc, EncodedLen(want))

		got, err := Decode(bytes.NewReader(enc))
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(Record{Key: "a", Value: "1", Timestamp: 1}))
	buf.Write(Encode(Record{Key: "b", Tombstone: true, Timestamp: 2}))

	r1, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, "a", r1.Key)

	r2, err := Decode(&buf)
	require.NoError(t, err)
	require.True(t, r2.Tombstone)
	require.Equal(t, "", r2.Value)

	_, err = Decode(&buf)
	require.Equal(t, io.EOF, err)
}

func TestDecodeEmptyValueIsNotTombstone(t *testing.T) {
	got, err := Decode(bytes.NewReader(Encode(Record{Key: "k", Value: "", Timestamp: 3})))
	require.NoError(t, err)
	require.False(t, got.Tombstone)
	require.Equal(t, "", got.Value)
}

func TestDecodeCorrupt(t *testing.T) {
	valid := Encode(Record{Key: "key", Value: "value", Timestamp: 10})

	t.Run("truncated", func(t *testing.T) {
		for cut := 1; cut < len(valid); cut++ {
			_, err := Decode(bytes.NewReader(valid[:cut]))
			require.ErrorIs(t, err, ErrCorrupt, "cut at %d", cut)
		}
	})

	t.Run("invalid tombstone byte", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[4+3+4+5] = 7 // tombstone position for 3-byte key, 5-byte value
		_, err := Decode(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("invalid utf8 key", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		bad[4] = 0xff
		_, err := Decode(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("zero key length", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		binary.BigEndian.PutUint32(bad[0:4], 0)
		_, err := Decode(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("oversized key length", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		binary.BigEndian.PutUint32(bad[0:4], 1<<30)
		_, err := Decode(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrCorrupt)
	})
}

package btree

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
)

// Order compares two keys and returns -1, 0 or 1.
type Order[K any] func(a, b K) int

// DefaultKeyOrder provides a default comparator for standard comparable types.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// KeyCodec converts keys to and from the fixed-width byte form stored in
// index pages. Every encoded key occupies exactly Size bytes.
type KeyCodec[K any] struct {
	Size   int
	Encode func(key K, dst []byte)
	Decode func(src []byte) K
	// Check, when set, rejects keys that Encode cannot represent.
	Check func(key K) error
}

func (c KeyCodec[K]) valid() bool {
	return c.Size > 0 && c.Encode != nil && c.Decode != nil
}

// Int64KeyCodec stores int64 keys as 8 little-endian bytes.
func Int64KeyCodec() KeyCodec[int64] {
	return KeyCodec[int64]{
		Size:   8,
		Encode: func(k int64, dst []byte) { binary.LittleEndian.PutUint64(dst, uint64(k)) },
		Decode: func(src []byte) int64 { return int64(binary.LittleEndian.Uint64(src)) },
	}
}

// FixedStringKeyCodec stores strings zero-padded to size bytes. Strings that
// are longer than size or contain a NUL byte are rejected.
func FixedStringKeyCodec(size int) KeyCodec[string] {
	return KeyCodec[string]{
		Size: size,
		Encode: func(k string, dst []byte) {
			n := copy(dst[:size], k)
			clear(dst[n:size])
		},
		Decode: func(src []byte) string {
			return string(bytes.TrimRight(src[:size], "\x00"))
		},
		Check: func(k string) error {
			if len(k) > size {
				return fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(k), size)
			}
			if bytes.IndexByte([]byte(k), 0) >= 0 {
				return fmt.Errorf("%w: key contains a NUL byte", ErrKeyTooLarge)
			}
			return nil
		},
	}
}

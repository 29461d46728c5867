package ledger

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const (
	// BitmapSize is the encoded size of a bitmap in bytes.
	BitmapSize = 32

	// MaxIndex is the highest signer slot a bitmap can hold.
	MaxIndex = 256
)

// Bitmap is a 256-bit participation vector.
// Bit i (least significant first) is set iff signer slot i+1 contributed.
type Bitmap [4]uint64

// FromSigners builds a bitmap from 1-based signer slots.
func FromSigners(signers []uint16) (Bitmap, error) {
	var b Bitmap

	for _, idx := range signers {
		if idx == 0 || idx > MaxIndex {
			return Bitmap{}, fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
		}

		bit := idx - 1
		b[bit/64] |= 1 << (bit % 64)
	}

	return b, nil
}

// Has reports whether the 1-based slot is set.
func (b Bitmap) Has(index uint16) bool {
	if index == 0 || index > MaxIndex {
		return false
	}

	bit := index - 1

	return b[bit/64]&(1<<(bit%64)) != 0
}

// IsZero reports whether no bit is set.
func (b Bitmap) IsZero() bool {
	return b == Bitmap{}
}

// Count returns the number of set bits.
func (b Bitmap) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}

	return n
}

// Signers returns the set 1-based slots in ascending order.
func (b Bitmap) Signers() []uint16 {
	var out []uint16

	for word, w := range b {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			out = append(out, uint16(word*64+bit+1))
			w &= w - 1
		}
	}

	return out
}

// Bytes encodes the bitmap as 32 little-endian bytes; byte 0 holds slots 1..8.
func (b Bitmap) Bytes() []byte {
	out := make([]byte, BitmapSize)
	for i, w := range b {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}

	return out
}

// ParseBitmap decodes a 32-byte little-endian bitmap.
func ParseBitmap(raw []byte) (Bitmap, error) {
	var b Bitmap
	if len(raw) != BitmapSize {
		return b, fmt.Errorf("bitmap must be %d bytes, got %d", BitmapSize, len(raw))
	}

	for i := range b {
		b[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}

	return b, nil
}

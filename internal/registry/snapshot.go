package registry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Attestor/internal/curve"
)

const (
	// checksumSize is the size of the BLAKE3 checksum trailing each blob.
	checksumSize = 32

	// headerSize is magic (4) + version (8) + count (2).
	headerSize = 4 + 8 + 2
)

// snapshotMagic tags encoded snapshot payloads.
var snapshotMagic = []byte("ATSN")

// ErrCorruptSnapshot is returned when a stored blob fails validation.
var ErrCorruptSnapshot = errors.New("corrupt signer snapshot")

// Snapshot is an immutable view of the signer set.
// Slot 0 is always empty; signers occupy slots 1..Count().
type Snapshot struct {
	version uint64                    // version increments on every add/remove
	points  []*curve.Point            // points[0] is nil
	index   map[curve.Identity]uint16 // index maps identities to slots
}

// genesis returns the initial snapshot with only the empty sentinel slot.
func genesis() *Snapshot {
	return &Snapshot{
		points: []*curve.Point{nil},
		index:  map[curve.Identity]uint16{},
	}
}

// Version returns the snapshot version.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Len returns the number of slots including the empty slot 0.
func (s *Snapshot) Len() int {
	return len(s.points)
}

// Count returns the number of registered signers.
func (s *Snapshot) Count() int {
	return len(s.points) - 1
}

// At returns the point at a slot, or nil for slot 0 and out-of-range slots.
func (s *Snapshot) At(index int) *curve.Point {
	if index <= 0 || index >= len(s.points) {
		return nil
	}

	return s.points[index]
}

// IndexOf returns the 1-based slot of an identity, or 0 if absent.
func (s *Snapshot) IndexOf(addr curve.Identity) uint16 {
	return s.index[addr]
}

// Slots returns the occupied slots in index order.
func (s *Snapshot) Slots() []Slot {
	slots := make([]Slot, 0, s.Count())
	for i := 1; i < len(s.points); i++ {
		slots = append(slots, Slot{
			Index:   uint16(i),
			Address: s.points[i].Address(),
			Key:     s.points[i],
		})
	}

	return slots
}

// clone copies the snapshot at the next version.
func (s *Snapshot) clone(extra int) *Snapshot {
	next := &Snapshot{
		version: s.version + 1,
		points:  make([]*curve.Point, len(s.points), len(s.points)+extra),
		index:   make(map[curve.Identity]uint16, len(s.index)+extra),
	}

	copy(next.points, s.points)
	for k, v := range s.index {
		next.index[k] = v
	}

	return next
}

// encode serializes the snapshot into a compressed, checksummed blob.
// Format: zstd(magic | version u64 | count u16 | points) || BLAKE3(payload).
func (s *Snapshot) encode() ([]byte, error) {
	payload := make([]byte, headerSize, headerSize+s.Count()*curve.PointSize)
	copy(payload, snapshotMagic)
	binary.BigEndian.PutUint64(payload[4:12], s.version)
	binary.BigEndian.PutUint16(payload[12:14], uint16(s.Count()))

	for _, p := range s.points[1:] {
		payload = append(payload, p.Bytes()...)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	sum := blake3.Sum256(payload)
	blob := encoder.EncodeAll(payload, nil)

	return append(blob, sum[:]...), nil
}

// decodeSnapshot parses a blob produced by encode.
func decodeSnapshot(blob []byte) (*Snapshot, error) {
	if len(blob) < checksumSize {
		return nil, fmt.Errorf("%w: blob too short", ErrCorruptSnapshot)
	}

	compressed, checksum := blob[:len(blob)-checksumSize], blob[len(blob)-checksumSize:]

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	payload, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress:\n%v", ErrCorruptSnapshot, err)
	}

	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], checksum) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	if len(payload) < headerSize || !bytes.Equal(payload[:4], snapshotMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptSnapshot)
	}

	version := binary.BigEndian.Uint64(payload[4:12])
	count := int(binary.BigEndian.Uint16(payload[12:14]))

	if count > MaxSigners || len(payload) != headerSize+count*curve.PointSize {
		return nil, fmt.Errorf("%w: %d signers in %d bytes", ErrCorruptSnapshot, count, len(payload))
	}

	s := &Snapshot{
		version: version,
		points:  make([]*curve.Point, 1, count+1),
		index:   make(map[curve.Identity]uint16, count),
	}

	for i := 0; i < count; i++ {
		off := headerSize + i*curve.PointSize

		p, err := curve.ParsePoint(payload[off : off+curve.PointSize])
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d:\n%v", ErrCorruptSnapshot, i+1, err)
		}

		addr := p.Address()
		if s.index[addr] != 0 {
			return nil, fmt.Errorf("%w: duplicate signer %s", ErrCorruptSnapshot, addr)
		}

		s.points = append(s.points, p)
		s.index[addr] = uint16(i + 1)
	}

	return s, nil
}

package feed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
)

// ErrCorruptRecord is returned when a stored feed cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt feed record")

// answerSize is value (32) + timestamp (8).
const answerSize = ValueSize + 8

// FeedRecord table fields.
const (
	fieldID = iota
	fieldName
	fieldOwner
	fieldKind
	fieldFrequency
	fieldMinSignatures
	fieldLatest
	fieldHistory
	fieldCreatedAt
	fieldSubscriptionDue
	fieldPricePerSecond
	fieldBalance
	fieldCount
)

// Key returns the storage key of a feed.
func Key(id string) []byte {
	return []byte("feed:" + id)
}

// Encode serializes the feed as a FeedRecord flatbuffer.
func (f *Feed) Encode() []byte {
	builder := flatbuffers.NewBuilder(512)

	history := f.History()
	packed := make([]byte, 0, len(history)*answerSize)
	for _, a := range history {
		packed = appendAnswer(packed, a)
	}

	idOff := builder.CreateString(f.ID)
	nameOff := builder.CreateString(f.Name)
	ownerOff := builder.CreateByteVector(f.Owner[:])
	latestOff := builder.CreateByteVector(appendAnswer(nil, f.Latest))
	historyOff := builder.CreateByteVector(packed)

	builder.StartObject(fieldCount)
	builder.PrependUOffsetTSlot(fieldID, idOff, 0)
	builder.PrependUOffsetTSlot(fieldName, nameOff, 0)
	builder.PrependUOffsetTSlot(fieldOwner, ownerOff, 0)
	builder.PrependByteSlot(fieldKind, byte(f.Kind), 0)
	builder.PrependUint64Slot(fieldFrequency, seconds(f.Frequency), 0)
	builder.PrependUint16Slot(fieldMinSignatures, f.MinSignatures, 0)
	builder.PrependUOffsetTSlot(fieldLatest, latestOff, 0)
	builder.PrependUOffsetTSlot(fieldHistory, historyOff, 0)
	builder.PrependInt64Slot(fieldCreatedAt, f.CreatedAt, 0)
	builder.PrependInt64Slot(fieldSubscriptionDue, f.SubscriptionDue, 0)
	builder.PrependUint64Slot(fieldPricePerSecond, f.PricePerSecond, 0)
	builder.PrependUint64Slot(fieldBalance, f.Balance, 0)
	builder.Finish(builder.EndObject())

	return builder.FinishedBytes()
}

// Decode parses a FeedRecord flatbuffer.
func Decode(data []byte) (f *Feed, err error) {
	// Malformed offsets make the flatbuffers accessors panic.
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("%w: %v", ErrCorruptRecord, r)
		}
	}()

	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: too short", ErrCorruptRecord)
	}

	t := &flatbuffers.Table{Bytes: data, Pos: flatbuffers.GetUOffsetT(data)}

	f = &Feed{
		ID:              tableString(t, fieldID),
		Name:            tableString(t, fieldName),
		Kind:            Kind(t.GetByteSlot(slot(fieldKind), 0)),
		Frequency:       time.Duration(t.GetUint64Slot(slot(fieldFrequency), 0)) * time.Second,
		MinSignatures:   t.GetUint16Slot(slot(fieldMinSignatures), 0),
		CreatedAt:       t.GetInt64Slot(slot(fieldCreatedAt), 0),
		SubscriptionDue: t.GetInt64Slot(slot(fieldSubscriptionDue), 0),
		PricePerSecond:  t.GetUint64Slot(slot(fieldPricePerSecond), 0),
		Balance:         t.GetUint64Slot(slot(fieldBalance), 0),
	}

	owner := tableBytes(t, fieldOwner)
	if len(owner) != len(f.Owner) {
		return nil, fmt.Errorf("%w: owner is %d bytes", ErrCorruptRecord, len(owner))
	}
	copy(f.Owner[:], owner)

	latest := tableBytes(t, fieldLatest)
	if len(latest) != answerSize {
		return nil, fmt.Errorf("%w: latest answer is %d bytes", ErrCorruptRecord, len(latest))
	}
	f.Latest = parseAnswer(latest)

	history := tableBytes(t, fieldHistory)
	if len(history)%answerSize != 0 || len(history)/answerSize > MaxHistory {
		return nil, fmt.Errorf("%w: history is %d bytes", ErrCorruptRecord, len(history))
	}

	for off := 0; off < len(history); off += answerSize {
		f.history[f.next] = parseAnswer(history[off : off+answerSize])
		f.next = (f.next + 1) % MaxHistory
		f.count++
	}

	return f, nil
}

// slot converts a field number to its vtable offset.
func slot(field int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*field)
}

// tableBytes returns a copy of a byte-vector field, nil if absent.
func tableBytes(t *flatbuffers.Table, field int) []byte {
	o := flatbuffers.UOffsetT(t.Offset(slot(field)))
	if o == 0 {
		return nil
	}

	return append([]byte(nil), t.ByteVector(o+t.Pos)...)
}

// tableString returns a string field, empty if absent.
func tableString(t *flatbuffers.Table, field int) string {
	return string(tableBytes(t, field))
}

// appendAnswer appends value || timestamp (big-endian).
func appendAnswer(b []byte, a Answer) []byte {
	b = append(b, a.Value[:]...)
	return binary.BigEndian.AppendUint64(b, uint64(a.Timestamp))
}

// parseAnswer reverses appendAnswer.
func parseAnswer(b []byte) Answer {
	var a Answer
	copy(a.Value[:], b[:ValueSize])
	a.Timestamp = int64(binary.BigEndian.Uint64(b[ValueSize:]))

	return a
}

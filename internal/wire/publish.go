// Package wire holds the flatbuffers tables exchanged over the HTTP binding.
package wire

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Attestor/internal/curve"
	"Attestor/internal/feed"
	"Attestor/internal/verifier"
)

const (
	// MaxMessageSize bounds the signed message carried in a request.
	MaxMessageSize = 4096

	// maxSigners is the registry capacity.
	maxSigners = 256
)

// ErrMalformed is returned for a buffer that is not a valid PublishRequest.
var ErrMalformed = errors.New("malformed publish request")

// PublishRequest table fields.
const (
	fieldMessage = iota
	fieldSignature
	fieldCommitment
	fieldSigners
	fieldValue
	fieldTimestamp
	fieldCount
)

// PublishRequest carries one signed answer for a feed.
type PublishRequest struct {
	Message    []byte          // Message is the signed answer message
	Signature  curve.Scalar    // Signature is the aggregate Schnorr scalar
	Commitment curve.Identity  // Commitment is the aggregate nonce identity
	Signers    []uint16        // Signers are the ascending registry slots
	Value      [feed.ValueSize]byte
	Timestamp  int64
}

// NewPublishRequest builds a request from a signed answer.
func NewPublishRequest(message []byte, sig verifier.AggregateSignature, a feed.Answer) *PublishRequest {
	return &PublishRequest{
		Message:    message,
		Signature:  sig.Signature,
		Commitment: sig.Commitment,
		Signers:    sig.Signers,
		Value:      a.Value,
		Timestamp:  a.Timestamp,
	}
}

// Answer returns the carried answer.
func (r *PublishRequest) Answer() feed.Answer {
	return feed.Answer{Value: r.Value, Timestamp: r.Timestamp}
}

// AggregateSignature returns the carried signature.
func (r *PublishRequest) AggregateSignature() verifier.AggregateSignature {
	return verifier.AggregateSignature{
		Signature:  r.Signature,
		Commitment: r.Commitment,
		Signers:    r.Signers,
	}
}

// Encode serializes the request as a PublishRequest flatbuffer.
func (r *PublishRequest) Encode() []byte {
	builder := flatbuffers.NewBuilder(256 + len(r.Message))

	msgOff := builder.CreateByteVector(r.Message)
	sigOff := builder.CreateByteVector(r.Signature[:])
	comOff := builder.CreateByteVector(r.Commitment[:])
	valOff := builder.CreateByteVector(r.Value[:])

	builder.StartVector(2, len(r.Signers), 2)
	for i := len(r.Signers) - 1; i >= 0; i-- {
		builder.PrependUint16(r.Signers[i])
	}
	signersOff := builder.EndVector(len(r.Signers))

	builder.StartObject(fieldCount)
	builder.PrependUOffsetTSlot(fieldMessage, msgOff, 0)
	builder.PrependUOffsetTSlot(fieldSignature, sigOff, 0)
	builder.PrependUOffsetTSlot(fieldCommitment, comOff, 0)
	builder.PrependUOffsetTSlot(fieldSigners, signersOff, 0)
	builder.PrependUOffsetTSlot(fieldValue, valOff, 0)
	builder.PrependInt64Slot(fieldTimestamp, r.Timestamp, 0)
	builder.Finish(builder.EndObject())

	return builder.FinishedBytes()
}

// DecodePublish parses and size-checks a PublishRequest flatbuffer.
func DecodePublish(data []byte) (r *PublishRequest, err error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("%w: %v", ErrMalformed, rec)
		}
	}()

	if len(data) < 8 {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}

	t := &flatbuffers.Table{Bytes: data, Pos: flatbuffers.GetUOffsetT(data)}
	r = &PublishRequest{Timestamp: t.GetInt64Slot(slot(fieldTimestamp), 0)}

	r.Message = tableBytes(t, fieldMessage)
	if len(r.Message) == 0 || len(r.Message) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message is %d bytes", ErrMalformed, len(r.Message))
	}

	if err := copyExact(r.Signature[:], tableBytes(t, fieldSignature), "signature"); err != nil {
		return nil, err
	}

	if err := copyExact(r.Commitment[:], tableBytes(t, fieldCommitment), "commitment"); err != nil {
		return nil, err
	}

	if err := copyExact(r.Value[:], tableBytes(t, fieldValue), "value"); err != nil {
		return nil, err
	}

	if r.Signers, err = tableUint16s(t, fieldSigners); err != nil {
		return nil, err
	}

	return r, nil
}

// copyExact copies src into dst, failing unless the sizes match.
func copyExact(dst, src []byte, name string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrMalformed, name, len(src), len(dst))
	}

	copy(dst, src)

	return nil
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

// tableUint16s reads a [ushort] field.
func tableUint16s(t *flatbuffers.Table, field int) ([]uint16, error) {
	o := flatbuffers.UOffsetT(t.Offset(slot(field)))
	if o == 0 {
		return nil, nil
	}

	n := t.VectorLen(o)
	if n > maxSigners {
		return nil, fmt.Errorf("%w: %d signers", ErrMalformed, n)
	}

	start := t.Vector(o)
	out := make([]uint16, n)

	for i := range out {
		out[i] = t.GetUint16(start + flatbuffers.UOffsetT(i*2))
	}

	return out, nil
}

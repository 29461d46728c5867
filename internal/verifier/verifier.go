// Package verifier checks aggregate signatures against the signer registry.
package verifier

import (
	"errors"
	"fmt"

	"Attestor/internal/curve"
	"Attestor/internal/registry"
)

var (
	// ErrNotEnoughSignatures is returned for an empty signer list or one below the threshold.
	ErrNotEnoughSignatures = errors.New("not enough signatures")

	// ErrDegenerateSignature is returned when the signature or commitment is zero.
	ErrDegenerateSignature = errors.New("degenerate signature")

	// ErrInvalidThreshold is returned for a zero threshold.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInvalidIndex is returned for a signer index outside the snapshot.
	ErrInvalidIndex = errors.New("invalid signer index")

	// ErrInvalidSignerOrder is returned when indices are not strictly ascending.
	ErrInvalidSignerOrder = errors.New("signer indices not strictly ascending")

	// ErrInvalidSignature is returned when the signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// AggregateSignature is one signature over a message by several registered signers.
type AggregateSignature struct {
	Signature  curve.Scalar   // Signature is the summed partial signatures
	Commitment curve.Identity // Commitment is the identity of the summed nonce points
	Signers    []uint16       // Signers are the 1-based slots, strictly ascending
}

// SnapshotSource provides the current signer snapshot.
type SnapshotSource interface {
	Snapshot() *registry.Snapshot
}

// Verifier validates aggregate signatures against a registry.
type Verifier struct {
	source SnapshotSource
}

// New creates a verifier reading snapshots from source.
func New(source SnapshotSource) *Verifier {
	return &Verifier{source: source}
}

// Verify takes one snapshot and checks the signature against it.
// A registry change after the snapshot is taken does not affect the outcome.
func (v *Verifier) Verify(message []byte, sig AggregateSignature, threshold int) error {
	return VerifyWith(v.source.Snapshot(), message, sig, threshold)
}

// VerifyWith checks the signature against an explicit snapshot.
func VerifyWith(snap *registry.Snapshot, message []byte, sig AggregateSignature, threshold int) error {
	if threshold <= 0 {
		return ErrInvalidThreshold
	}

	if len(sig.Signers) == 0 {
		return fmt.Errorf("%w: no signers", ErrNotEnoughSignatures)
	}

	if sig.Signature.IsZero() || sig.Commitment.IsZero() {
		return ErrDegenerateSignature
	}

	if len(sig.Signers) < threshold {
		return fmt.Errorf("%w: got %d, need %d", ErrNotEnoughSignatures, len(sig.Signers), threshold)
	}

	aggKey, err := AggregateKey(snap, sig.Signers)
	if err != nil {
		return err
	}

	if !curve.Verify(aggKey, message, sig.Signature, sig.Commitment) {
		return ErrInvalidSignature
	}

	return nil
}

// AggregateKey sums the points of an ascending signer list in one pass.
// Each index must be in bounds and greater than the previous one.
func AggregateKey(snap *registry.Snapshot, signers []uint16) (*curve.Point, error) {
	if len(signers) == 0 {
		return nil, ErrNotEnoughSignatures
	}

	first := snap.At(int(signers[0]))
	if first == nil {
		return nil, fmt.Errorf("%w: %d at position 0", ErrInvalidIndex, signers[0])
	}

	agg := curve.NewAggregate(first)
	prev := signers[0]

	for i, idx := range signers[1:] {
		p := snap.At(int(idx))
		if p == nil {
			return nil, fmt.Errorf("%w: %d at position %d", ErrInvalidIndex, idx, i+1)
		}

		if idx <= prev {
			return nil, fmt.Errorf("%w: %d after %d", ErrInvalidSignerOrder, idx, prev)
		}

		agg.Add(p)
		prev = idx
	}

	// Distinct registered keys only cancel if the registry holds a key and its negation.
	key, err := agg.Point()
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate key is the identity", ErrInvalidSignature)
	}

	return key, nil
}

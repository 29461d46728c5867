package verifier

import (
	"bytes"
	"errors"
	"testing"

	"Attestor/internal/curve"
	"Attestor/internal/registry"
)

// setup registers n deterministic signers and returns their keys by slot (keys[0] is nil).
func setup(t *testing.T, n int) (*registry.Registry, []*curve.PrivateKey) {
	t.Helper()

	reg := registry.New()
	keys := make([]*curve.PrivateKey, n+1)

	for i := 1; i <= n; i++ {
		k, err := curve.KeyFromSeed(bytes.Repeat([]byte{byte(i)}, 32))
		if err != nil {
			t.Fatalf("derive key %d: %v", i, err)
		}

		idx, err := reg.Add(k.Public())
		if err != nil {
			t.Fatalf("add signer %d: %v", i, err)
		}

		keys[idx] = k
	}

	return reg, keys
}

// sign produces an aggregate signature from the given slots.
func sign(t *testing.T, keys []*curve.PrivateKey, msg []byte, signers ...uint16) AggregateSignature {
	t.Helper()

	subset := make([]*curve.PrivateKey, len(signers))
	for i, idx := range signers {
		subset[i] = keys[idx]
	}

	sig, commitment, err := curve.SignAggregate(subset, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	return AggregateSignature{Signature: sig, Commitment: commitment, Signers: signers}
}

func TestVerifyThresholdSubset(t *testing.T) {
	reg, keys := setup(t, 5)
	v := New(reg)
	msg := []byte("SOL/USD 142.10")

	sig := sign(t, keys, msg, 1, 3, 5)

	if err := v.Verify(msg, sig, 3); err != nil {
		t.Errorf("valid 3-of-5 should verify: %v", err)
	}

	if err := v.Verify(msg, sig, 2); err != nil {
		t.Errorf("above threshold should verify: %v", err)
	}
}

func TestVerifyBelowThreshold(t *testing.T) {
	reg, keys := setup(t, 3)
	msg := []byte("m")

	sig := sign(t, keys, msg, 1, 2)

	if err := New(reg).Verify(msg, sig, 3); !errors.Is(err, ErrNotEnoughSignatures) {
		t.Errorf("expected ErrNotEnoughSignatures, got %v", err)
	}
}

func TestVerifyEmptySigners(t *testing.T) {
	reg, keys := setup(t, 2)
	msg := []byte("m")

	sig := sign(t, keys, msg, 1)
	sig.Signers = nil

	if err := New(reg).Verify(msg, sig, 1); !errors.Is(err, ErrNotEnoughSignatures) {
		t.Errorf("expected ErrNotEnoughSignatures, got %v", err)
	}
}

func TestVerifyDegenerate(t *testing.T) {
	reg, keys := setup(t, 2)
	v := New(reg)
	msg := []byte("m")

	sig := sign(t, keys, msg, 1, 2)

	zeroSig := sig
	zeroSig.Signature = curve.Scalar{}
	if err := v.Verify(msg, zeroSig, 1); !errors.Is(err, ErrDegenerateSignature) {
		t.Errorf("zero signature: expected ErrDegenerateSignature, got %v", err)
	}

	zeroCommit := sig
	zeroCommit.Commitment = curve.Identity{}
	if err := v.Verify(msg, zeroCommit, 1); !errors.Is(err, ErrDegenerateSignature) {
		t.Errorf("zero commitment: expected ErrDegenerateSignature, got %v", err)
	}
}

func TestVerifyInvalidThreshold(t *testing.T) {
	reg, keys := setup(t, 1)
	msg := []byte("m")

	if err := New(reg).Verify(msg, sign(t, keys, msg, 1), 0); !errors.Is(err, ErrInvalidThreshold) {
		t.Errorf("expected ErrInvalidThreshold, got %v", err)
	}
}

func TestVerifyOrderEnforcement(t *testing.T) {
	reg, keys := setup(t, 4)
	v := New(reg)
	msg := []byte("order")

	valid := sign(t, keys, msg, 1, 2, 3)

	cases := []struct {
		name    string
		signers []uint16
	}{
		{"duplicate", []uint16{1, 2, 2}},
		{"descending", []uint16{3, 2, 1}},
		{"swap", []uint16{1, 3, 2}},
		{"leading duplicate", []uint16{1, 1, 2, 3}},
	}

	for _, tc := range cases {
		sig := valid
		sig.Signers = tc.signers

		if err := v.Verify(msg, sig, 1); !errors.Is(err, ErrInvalidSignerOrder) {
			t.Errorf("%s: expected ErrInvalidSignerOrder, got %v", tc.name, err)
		}
	}
}

func TestVerifyIndexBounds(t *testing.T) {
	reg, keys := setup(t, 3)
	v := New(reg)
	msg := []byte("bounds")

	valid := sign(t, keys, msg, 1, 2)

	for _, signers := range [][]uint16{{0, 1}, {1, 4}, {4}, {1, 2, 300}} {
		sig := valid
		sig.Signers = signers

		if err := v.Verify(msg, sig, 1); !errors.Is(err, ErrInvalidIndex) {
			t.Errorf("signers %v: expected ErrInvalidIndex, got %v", signers, err)
		}
	}
}

func TestVerifyWrongSubset(t *testing.T) {
	reg, keys := setup(t, 3)
	msg := []byte("subset")

	sig := sign(t, keys, msg, 1, 2)
	sig.Signers = []uint16{1, 3}

	if err := New(reg).Verify(msg, sig, 2); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyBitFlips(t *testing.T) {
	reg, keys := setup(t, 3)
	v := New(reg)
	msg := []byte("flip")

	sig := sign(t, keys, msg, 1, 2, 3)

	for i := 0; i < curve.ScalarSize*8; i += 7 {
		flipped := sig
		flipped.Signature[i/8] ^= 1 << (i % 8)

		if err := v.Verify(msg, flipped, 3); err == nil {
			t.Fatalf("signature bit %d flip should fail", i)
		}
	}

	for i := 0; i < curve.IdentitySize*8; i += 5 {
		flipped := sig
		flipped.Commitment[i/8] ^= 1 << (i % 8)

		if err := v.Verify(msg, flipped, 3); err == nil {
			t.Fatalf("commitment bit %d flip should fail", i)
		}
	}
}

func TestVerifyChangedSignerPoint(t *testing.T) {
	reg, keys := setup(t, 3)
	msg := []byte("point")

	sig := sign(t, keys, msg, 1, 2, 3)

	// Replace signer 3 with a different key at the same slot.
	if _, err := reg.Remove(keys[3].Public().Address()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	other, err := curve.KeyFromSeed(bytes.Repeat([]byte{0x77}, 32))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	if idx, err := reg.Add(other.Public()); err != nil || idx != 3 {
		t.Fatalf("add: idx=%d err=%v", idx, err)
	}

	if err := New(reg).Verify(msg, sig, 3); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyUsesSingleSnapshot(t *testing.T) {
	reg, keys := setup(t, 3)
	msg := []byte("snapshot")

	sig := sign(t, keys, msg, 1, 2)
	snap := reg.Snapshot()

	if _, err := reg.Remove(keys[1].Public().Address()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if err := VerifyWith(snap, msg, sig, 2); err != nil {
		t.Errorf("verification against the earlier snapshot should succeed: %v", err)
	}

	// Slot 1 now holds signer 3, so the live registry rejects it.
	if err := New(reg).Verify(msg, sig, 2); err == nil {
		t.Error("live registry should reject after the index shuffle")
	}
}

func TestAggregateKeyMatchesSum(t *testing.T) {
	reg, keys := setup(t, 4)

	got, err := AggregateKey(reg.Snapshot(), []uint16{2, 4})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	want, err := curve.Sum([]*curve.Point{keys[2].Public(), keys[4].Public()})
	if err != nil {
		t.Fatalf("sum: %v", err)
	}

	if !got.Equal(want) {
		t.Error("aggregate key should equal the sum of the selected points")
	}
}

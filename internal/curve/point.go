// Package curve holds the minimal BLS12-381 G1 arithmetic the oracle needs:
// point parsing, point addition, signer identities and the aggregate
// Schnorr scheme used to attest feed updates.
package curve

import (
	"encoding/hex"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PointSize is the size of a compressed G1 point in bytes.
	PointSize = 48

	// IdentitySize is the size of a signer identity in bytes.
	IdentitySize = 20

	// compressedInfinity is the flag bit marking the identity point in compressed form.
	compressedInfinity = 0x40
)

var (
	// ErrInvalidPoint is returned for encodings that are not a G1 subgroup point.
	ErrInvalidPoint = errors.New("invalid curve point")

	// ErrIdentityPoint is returned when a point is the group identity.
	ErrIdentityPoint = errors.New("point is the identity")
)

// Identity is the short canonical form of a public key, used for indexing.
type Identity [IdentitySize]byte

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// String returns the hex encoding of the identity.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// ParseIdentity decodes a hex identity.
func ParseIdentity(s string) (Identity, error) {
	var id Identity

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode identity:\n%w", err)
	}

	if len(raw) != IdentitySize {
		return id, fmt.Errorf("identity must be %d bytes, got %d", IdentitySize, len(raw))
	}

	copy(id[:], raw)

	return id, nil
}

// identityOf hashes a compressed point into its identity.
func identityOf(compressed []byte) Identity {
	sum := blake3.Sum256(compressed)

	var id Identity
	copy(id[:], sum[:IdentitySize])

	return id
}

// Point is a G1 point that is never the identity.
type Point struct {
	affine blst.P1Affine
}

// ParsePoint decodes a compressed point and checks subgroup membership.
func ParsePoint(b []byte) (*Point, error) {
	if len(b) != PointSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPoint, len(b), PointSize)
	}

	if b[0]&compressedInfinity != 0 {
		return nil, ErrIdentityPoint
	}

	p := &Point{}
	if p.affine.Uncompress(b) == nil {
		return nil, ErrInvalidPoint
	}

	if !p.affine.InG1() {
		return nil, fmt.Errorf("%w: not in G1", ErrInvalidPoint)
	}

	return p, nil
}

// ParsePointHex decodes a hex-encoded compressed point.
func ParsePointHex(s string) (*Point, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode point:\n%w", err)
	}

	return ParsePoint(raw)
}

// Bytes returns the compressed encoding.
func (p *Point) Bytes() []byte {
	return p.affine.Compress()
}

// String returns the hex of the compressed encoding.
func (p *Point) String() string {
	return hex.EncodeToString(p.Bytes())
}

// Address returns the identity derived from the point.
func (p *Point) Address() Identity {
	return identityOf(p.Bytes())
}

// IsIdentity reports whether p is the point at infinity. The zero Point is.
func (p *Point) IsIdentity() bool {
	return p.affine.Compress()[0]&compressedInfinity != 0
}

// Equal reports whether two points are the same.
func (p *Point) Equal(q *Point) bool {
	return p.affine.Equals(&q.affine)
}

// Add returns p + q.
// Fails only if the sum is the identity (q == -p).
func (p *Point) Add(q *Point) (*Point, error) {
	agg := NewAggregate(p)
	agg.Add(q)

	return agg.Point()
}

// Aggregate accumulates a running sum of points in projective form.
type Aggregate struct {
	acc blst.P1 // acc is the running sum
	n   int     // n is the number of points added
}

// NewAggregate starts a sum at the given point.
func NewAggregate(first *Point) *Aggregate {
	a := &Aggregate{n: 1}
	a.acc.FromAffine(&first.affine)

	return a
}

// Add adds a point into the running sum.
func (a *Aggregate) Add(p *Point) {
	a.acc.AddAssign(&p.affine)
	a.n++
}

// Len returns how many points were summed.
func (a *Aggregate) Len() int {
	return a.n
}

// Point returns the sum. Returns ErrIdentityPoint if the points cancelled out.
func (a *Aggregate) Point() (*Point, error) {
	if isInfinity(&a.acc) {
		return nil, ErrIdentityPoint
	}

	return &Point{affine: *a.acc.ToAffine()}, nil
}

// Sum adds all points together.
func Sum(points []*Point) (*Point, error) {
	if len(points) == 0 {
		return nil, ErrIdentityPoint
	}

	agg := NewAggregate(points[0])
	for _, p := range points[1:] {
		agg.Add(p)
	}

	return agg.Point()
}

// isInfinity reports whether a projective point is the identity.
func isInfinity(p *blst.P1) bool {
	return p.Compress()[0]&compressedInfinity != 0
}

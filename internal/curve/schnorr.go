package curve

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// ScalarSize is the size of a big-endian scalar in bytes.
	ScalarSize = 32

	// seedSize is the minimum seed length accepted by key generation.
	seedSize = 32
)

// challengeDST is the domain separation tag of the challenge hash.
var challengeDST = []byte("ATTESTOR-SCHNORR-G1-V1")

// ErrInvalidScalar is returned for scalars that are zero or not below the group order.
var ErrInvalidScalar = errors.New("invalid scalar")

// Scalar is a big-endian element of the scalar field.
type Scalar [ScalarSize]byte

// IsZero reports whether every byte is zero.
func (s Scalar) IsZero() bool {
	return s == Scalar{}
}

// String returns the hex encoding.
func (s Scalar) String() string {
	return hex.EncodeToString(s[:])
}

// ParseScalar copies a 32-byte big-endian scalar.
// Range checks happen when the scalar is used.
func ParseScalar(b []byte) (Scalar, error) {
	var s Scalar
	if len(b) != ScalarSize {
		return s, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidScalar, len(b), ScalarSize)
	}

	copy(s[:], b)

	return s, nil
}

// ParseScalarHex decodes a hex scalar.
func ParseScalarHex(s string) (Scalar, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Scalar{}, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}

	return ParseScalar(raw)
}

// field converts to blst form, rejecting zero and values >= r.
func (s Scalar) field() (*blst.Scalar, error) {
	v := new(blst.Scalar).Deserialize(s[:])
	if v == nil {
		return nil, ErrInvalidScalar
	}

	return v, nil
}

// scalarOf serializes a blst scalar.
func scalarOf(v *blst.Scalar) Scalar {
	var s Scalar
	copy(s[:], v.Serialize())

	return s
}

// PrivateKey is a signer's secret scalar with its public point.
type PrivateKey struct {
	secret *blst.SecretKey // secret is x
	public *Point          // public is x·G
}

// GenerateKey creates a key from a random seed.
func GenerateKey() (*PrivateKey, error) {
	var ikm [seedSize]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyFromSeed(ikm[:])
}

// KeyFromSeed derives a key deterministically. The seed must be at least 32 bytes.
func KeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) < seedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes", seedSize)
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to derive key")
	}

	k := &PrivateKey{secret: secret, public: &Point{}}
	k.public.affine.From(secret)

	return k, nil
}

// Public returns the public point.
func (k *PrivateKey) Public() *Point {
	return k.public
}

// Nonce is a one-time secret with its public commitment point.
// A nonce must never sign two different challenges.
type Nonce struct {
	k     *blst.Scalar
	point *Point
}

// Point returns the public commitment R_i = k·G.
func (n *Nonce) Point() *Point {
	return n.point
}

// Commit draws a fresh nonce.
func Commit() (*Nonce, error) {
	var ikm [seedSize]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate nonce:\n%w", err)
	}

	k := blst.KeyGen(ikm[:])
	if k == nil {
		return nil, fmt.Errorf("failed to derive nonce")
	}

	n := &Nonce{k: k, point: &Point{}}
	n.point.affine.From(k)

	return n, nil
}

// AggregateCommitments sums the signers' nonce points and returns the
// commitment identity carried in the aggregate signature.
func AggregateCommitments(points []*Point) (Identity, error) {
	r, err := Sum(points)
	if err != nil {
		return Identity{}, fmt.Errorf("aggregate commitments:\n%w", err)
	}

	return r.Address(), nil
}

// Challenge computes e = H(P || commitment || BLAKE3(message)).
func Challenge(aggregateKey *Point, commitment Identity, message []byte) (Scalar, error) {
	e := challenge(aggregateKey, commitment, message)
	if e == nil {
		return Scalar{}, ErrInvalidScalar
	}

	return scalarOf(e), nil
}

// challenge returns nil if the hash reduced to zero.
func challenge(aggregateKey *Point, commitment Identity, message []byte) *blst.Scalar {
	digest := blake3.Sum256(message)

	buf := make([]byte, 0, PointSize+IdentitySize+len(digest))
	buf = append(buf, aggregateKey.Bytes()...)
	buf = append(buf, commitment[:]...)
	buf = append(buf, digest[:]...)

	return blst.HashToScalar(buf, challengeDST)
}

// SignPartial returns s_i = k_i + e·x_i.
func (k *PrivateKey) SignPartial(nonce *Nonce, challenge Scalar) (Scalar, error) {
	e, err := challenge.field()
	if err != nil {
		return Scalar{}, err
	}

	ex, ok := e.Mul(k.secret)
	if !ok {
		return Scalar{}, ErrInvalidScalar
	}

	s, ok := nonce.k.Add(ex)
	if !ok {
		return Scalar{}, ErrInvalidScalar
	}

	return scalarOf(s), nil
}

// CombinePartials sums the partial signatures.
func CombinePartials(partials []Scalar) (Scalar, error) {
	if len(partials) == 0 {
		return Scalar{}, fmt.Errorf("no partial signatures")
	}

	acc, err := partials[0].field()
	if err != nil {
		return Scalar{}, fmt.Errorf("partial 0:\n%w", err)
	}

	for i, p := range partials[1:] {
		v, err := p.field()
		if err != nil {
			return Scalar{}, fmt.Errorf("partial %d:\n%w", i+1, err)
		}

		if _, ok := acc.AddAssign(v); !ok {
			return Scalar{}, ErrInvalidScalar
		}
	}

	return scalarOf(acc), nil
}

// SignAggregate runs the whole signing round locally for the given keys,
// which must be in the same order the verifier aggregates them.
func SignAggregate(keys []*PrivateKey, message []byte) (Scalar, Identity, error) {
	if len(keys) == 0 {
		return Scalar{}, Identity{}, fmt.Errorf("no signers")
	}

	publics := make([]*Point, len(keys))
	nonces := make([]*Nonce, len(keys))
	points := make([]*Point, len(keys))

	for i, k := range keys {
		n, err := Commit()
		if err != nil {
			return Scalar{}, Identity{}, err
		}

		publics[i] = k.Public()
		nonces[i] = n
		points[i] = n.Point()
	}

	aggKey, err := Sum(publics)
	if err != nil {
		return Scalar{}, Identity{}, fmt.Errorf("aggregate keys:\n%w", err)
	}

	commitment, err := AggregateCommitments(points)
	if err != nil {
		return Scalar{}, Identity{}, err
	}

	e, err := Challenge(aggKey, commitment, message)
	if err != nil {
		return Scalar{}, Identity{}, err
	}

	partials := make([]Scalar, len(keys))
	for i, k := range keys {
		partials[i], err = k.SignPartial(nonces[i], e)
		if err != nil {
			return Scalar{}, Identity{}, fmt.Errorf("sign partial %d:\n%w", i, err)
		}
	}

	sig, err := CombinePartials(partials)
	if err != nil {
		return Scalar{}, Identity{}, err
	}

	return sig, commitment, nil
}

// Sign produces a single-key signature and its commitment.
func (k *PrivateKey) Sign(message []byte) (Scalar, Identity, error) {
	return SignAggregate([]*PrivateKey{k}, message)
}

// Verify checks s·G − e·P against the commitment identity.
func Verify(aggregateKey *Point, message []byte, signature Scalar, commitment Identity) bool {
	if commitment.IsZero() {
		return false
	}

	s, err := signature.field()
	if err != nil {
		return false
	}

	e := challenge(aggregateKey, commitment, message)
	if e == nil {
		return false
	}

	var pk blst.P1
	pk.FromAffine(&aggregateKey.affine)

	r := blst.P1Generator().Mult(s)
	r.SubAssign(pk.Mult(e))

	if isInfinity(r) {
		return false
	}

	return identityOf(r.Compress()) == commitment
}

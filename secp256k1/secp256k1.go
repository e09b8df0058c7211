package secp256k1

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/big"

	dcrec "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/group"
)

const (
	// PointLen is the length of a compressed SEC1 point.
	PointLen = 33
	// ScalarLen is the length of an encoded scalar.
	ScalarLen = 32
)

// Scalar is an integer modulo the secp256k1 group order.
type Scalar struct {
	inner dcrec.ModNScalar
}

// Add sets s to a + b and returns s.
func (s *Scalar) Add(a, b group.Scalar) group.Scalar {
	s.inner.Add2(&a.(*Scalar).inner, &b.(*Scalar).inner)
	return s
}

// Sub sets s to a - b and returns s.
func (s *Scalar) Sub(a, b group.Scalar) group.Scalar {
	var negB dcrec.ModNScalar
	negB.NegateVal(&b.(*Scalar).inner)
	s.inner.Add2(&a.(*Scalar).inner, &negB)
	return s
}

// Mul sets s to a * b and returns s.
func (s *Scalar) Mul(a, b group.Scalar) group.Scalar {
	s.inner.Mul2(&a.(*Scalar).inner, &b.(*Scalar).inner)
	return s
}

// Negate sets s to -a and returns s.
func (s *Scalar) Negate(a group.Scalar) group.Scalar {
	s.inner.NegateVal(&a.(*Scalar).inner)
	return s
}

// Invert sets s to a^(-1) and returns s.
func (s *Scalar) Invert(a group.Scalar) (group.Scalar, error) {
	aScalar := a.(*Scalar)
	if aScalar.inner.IsZero() {
		return nil, errors.New("cannot invert zero scalar")
	}
	s.inner.InverseValNonConst(&aScalar.inner)
	return s, nil
}

// Set copies a into s and returns s.
func (s *Scalar) Set(a group.Scalar) group.Scalar {
	s.inner.Set(&a.(*Scalar).inner)
	return s
}

// SetUint64 sets s to v and returns s.
func (s *Scalar) SetUint64(v uint64) group.Scalar {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	s.inner.SetByteSlice(buf[:])
	return s
}

// Bytes returns the 32-byte big-endian encoding of s.
func (s *Scalar) Bytes() []byte {
	b := s.inner.Bytes()
	return b[:]
}

// SetBytes sets s from big-endian bytes of any length, reduced modulo the
// group order.
func (s *Scalar) SetBytes(data []byte) (group.Scalar, error) {
	if len(data) <= ScalarLen {
		s.inner.SetByteSlice(data)
		return s, nil
	}
	reduced := new(big.Int).SetBytes(data)
	reduced.Mod(reduced, dcrec.Params().N)
	var buf [ScalarLen]byte
	reduced.FillBytes(buf[:])
	s.inner.SetBytes(&buf)
	return s, nil
}

// Equal reports whether s equals b.
func (s *Scalar) Equal(b group.Scalar) bool {
	return s.inner.Equals(&b.(*Scalar).inner)
}

// IsZero reports whether s is zero.
func (s *Scalar) IsZero() bool {
	return s.inner.IsZero()
}

// Zeroize wipes s.
func (s *Scalar) Zeroize() {
	s.inner.Zero()
}

// Point is a secp256k1 point in Jacobian coordinates. A zero Z coordinate
// is the point at infinity, so the zero value is the identity.
type Point struct {
	inner dcrec.JacobianPoint
}

// Add sets p to a + b and returns p.
func (p *Point) Add(a, b group.Point) group.Point {
	var result dcrec.JacobianPoint
	dcrec.AddNonConst(&a.(*Point).inner, &b.(*Point).inner, &result)
	p.inner.Set(&result)
	return p
}

// Sub sets p to a - b and returns p.
func (p *Point) Sub(a, b group.Point) group.Point {
	var negB Point
	negB.Negate(b)
	return p.Add(a, &negB)
}

// Negate sets p to -a and returns p.
func (p *Point) Negate(a group.Point) group.Point {
	aPoint := a.(*Point)
	if aPoint.IsIdentity() {
		p.inner = dcrec.JacobianPoint{}
		return p
	}
	result := aPoint.affine()
	result.Y.Negate(1).Normalize()
	p.inner.Set(&result)
	return p
}

// ScalarMult sets p to s * q and returns p.
func (p *Point) ScalarMult(s group.Scalar, q group.Point) group.Point {
	scalar := s.(*Scalar)
	qPoint := q.(*Point)
	if scalar.IsZero() || qPoint.IsIdentity() {
		p.inner = dcrec.JacobianPoint{}
		return p
	}
	base := qPoint.affine()
	var result dcrec.JacobianPoint
	dcrec.ScalarMultNonConst(&scalar.inner, &base, &result)
	p.inner.Set(&result)
	return p
}

// Set copies a into p and returns p.
func (p *Point) Set(a group.Point) group.Point {
	p.inner.Set(&a.(*Point).inner)
	return p
}

// Bytes returns the 33-byte compressed encoding of p, or 33 zero bytes for
// the point at infinity.
func (p *Point) Bytes() []byte {
	if p.IsIdentity() {
		return make([]byte, PointLen)
	}
	affine := p.affine()
	return dcrec.NewPublicKey(&affine.X, &affine.Y).SerializeCompressed()
}

// SetBytes decodes a compressed point. The all-zero sentinel decodes to the
// point at infinity.
func (p *Point) SetBytes(data []byte) (group.Point, error) {
	if len(data) != PointLen {
		return nil, errors.Errorf("invalid point length %d", len(data))
	}
	if group.IsInfinityEncoding(data) {
		p.inner = dcrec.JacobianPoint{}
		return p, nil
	}
	pk, err := dcrec.ParsePubKey(data)
	if err != nil {
		return nil, errors.Wrap(err, "invalid secp256k1 point")
	}
	pk.AsJacobian(&p.inner)
	return p, nil
}

// Equal reports whether p and b are the same point.
func (p *Point) Equal(b group.Point) bool {
	bPoint := b.(*Point)
	pInf, bInf := p.IsIdentity(), bPoint.IsIdentity()
	if pInf || bInf {
		return pInf == bInf
	}
	pa, ba := p.affine(), bPoint.affine()
	return pa.X.Equals(&ba.X) && pa.Y.Equals(&ba.Y)
}

// IsIdentity reports whether p is the point at infinity.
func (p *Point) IsIdentity() bool {
	z := p.inner.Z
	z.Normalize()
	if z.IsZero() {
		return true
	}
	x, y := p.inner.X, p.inner.Y
	x.Normalize()
	y.Normalize()
	return x.IsZero() && y.IsZero()
}

// affine returns a normalized affine copy of p. p must not be the identity.
func (p *Point) affine() dcrec.JacobianPoint {
	result := p.inner
	result.ToAffine()
	return result
}

// Secp256k1 implements [group.Group] for the secp256k1 curve.
type Secp256k1 struct{}

// New returns the secp256k1 group.
func New() *Secp256k1 {
	return &Secp256k1{}
}

// Name returns "secp256k1".
func (g *Secp256k1) Name() string {
	return "secp256k1"
}

// NewScalar returns a zero scalar.
func (g *Secp256k1) NewScalar() group.Scalar {
	return &Scalar{}
}

// NewPoint returns the point at infinity.
func (g *Secp256k1) NewPoint() group.Point {
	return &Point{}
}

// Generator returns the standard base point G.
func (g *Secp256k1) Generator() group.Point {
	var one dcrec.ModNScalar
	one.SetInt(1)
	var p Point
	dcrec.ScalarBaseMultNonConst(&one, &p.inner)
	p.inner.ToAffine()
	return &p
}

// RandomScalar returns a uniformly random non-zero scalar read from r.
func (g *Secp256k1) RandomScalar(r io.Reader) (group.Scalar, error) {
	var buf [ScalarLen]byte
	defer func() {
		for i := range buf {
			buf[i] = 0
		}
	}()
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, errors.Wrap(err, "read randomness")
		}
		var s Scalar
		if overflow := s.inner.SetBytes(&buf); overflow != 0 || s.inner.IsZero() {
			continue
		}
		return &s, nil
	}
}

// HashToScalar hashes the concatenated data with SHA-256 and reduces the
// digest modulo the group order.
func (g *Secp256k1) HashToScalar(data ...[]byte) (group.Scalar, error) {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var s Scalar
	s.inner.SetByteSlice(h.Sum(nil))
	return &s, nil
}

// Order returns the group order as big-endian bytes.
func (g *Secp256k1) Order() []byte {
	return dcrec.Params().N.Bytes()
}

// PointLen implements [group.Group].
func (g *Secp256k1) PointLen() int { return PointLen }

// ScalarLen implements [group.Group].
func (g *Secp256k1) ScalarLen() int { return ScalarLen }

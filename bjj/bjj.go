package bjj

import (
	"crypto/sha256"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards"
	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/group"
)

const (
	// PointLen is the length of a compressed point.
	PointLen = 32
	// ScalarLen is the length of an encoded scalar.
	ScalarLen = 32

	// wideLen is the number of random bytes reduced into one scalar, so
	// that the modular bias stays negligible.
	wideLen = 48
)

// order is the prime order of the Baby Jubjub subgroup, not the BN254 Fr
// modulus.
var order = func() *big.Int {
	curve := twistededwards.GetEdwardsCurve()
	return new(big.Int).Set(&curve.Order)
}()

// Scalar is an integer modulo the subgroup order.
type Scalar struct {
	v *big.Int
}

func scalarOf(v *big.Int) *Scalar {
	s := &Scalar{v: v}
	s.v.Mod(s.v, order)
	return s
}

func unwrapScalar(a group.Scalar) *big.Int { return a.(*Scalar).v }

// store reduces v into s.
func (s *Scalar) store(v *big.Int) group.Scalar {
	s.v.Mod(v, order)
	return s
}

func (s *Scalar) Add(a, b group.Scalar) group.Scalar {
	return s.store(new(big.Int).Add(unwrapScalar(a), unwrapScalar(b)))
}

func (s *Scalar) Sub(a, b group.Scalar) group.Scalar {
	return s.store(new(big.Int).Sub(unwrapScalar(a), unwrapScalar(b)))
}

func (s *Scalar) Mul(a, b group.Scalar) group.Scalar {
	return s.store(new(big.Int).Mul(unwrapScalar(a), unwrapScalar(b)))
}

func (s *Scalar) Negate(a group.Scalar) group.Scalar {
	return s.store(new(big.Int).Neg(unwrapScalar(a)))
}

// Invert fails for zero.
func (s *Scalar) Invert(a group.Scalar) (group.Scalar, error) {
	v := unwrapScalar(a)
	if v.Sign() == 0 {
		return nil, errors.New("cannot invert zero scalar")
	}
	return s.store(new(big.Int).ModInverse(v, order)), nil
}

func (s *Scalar) Set(a group.Scalar) group.Scalar {
	s.v.Set(unwrapScalar(a))
	return s
}

func (s *Scalar) SetUint64(v uint64) group.Scalar {
	return s.store(new(big.Int).SetUint64(v))
}

// Bytes encodes s as ScalarLen big-endian bytes.
func (s *Scalar) Bytes() []byte {
	return s.v.FillBytes(make([]byte, ScalarLen))
}

// SetBytes reads a big-endian integer and reduces it modulo the order.
func (s *Scalar) SetBytes(data []byte) (group.Scalar, error) {
	return s.store(new(big.Int).SetBytes(data)), nil
}

func (s *Scalar) Equal(b group.Scalar) bool { return s.v.Cmp(unwrapScalar(b)) == 0 }

func (s *Scalar) IsZero() bool { return s.v.Sign() == 0 }

// Zeroize wipes the limbs backing s and leaves it equal to zero.
func (s *Scalar) Zeroize() {
	words := s.v.Bits()
	for i := range words {
		words[i] = 0
	}
	s.v.SetInt64(0)
}

// Point is an affine point of the twisted Edwards curve. The identity (0, 1)
// is encoded as PointLen zero bytes instead of its compressed form.
type Point struct {
	a twistededwards.PointAffine
}

func unwrapPoint(p group.Point) *twistededwards.PointAffine { return &p.(*Point).a }

func (p *Point) Add(a, b group.Point) group.Point {
	p.a.Add(unwrapPoint(a), unwrapPoint(b))
	return p
}

func (p *Point) Sub(a, b group.Point) group.Point {
	var neg twistededwards.PointAffine
	neg.Neg(unwrapPoint(b))
	p.a.Add(unwrapPoint(a), &neg)
	return p
}

func (p *Point) Negate(a group.Point) group.Point {
	p.a.Neg(unwrapPoint(a))
	return p
}

func (p *Point) ScalarMult(s group.Scalar, q group.Point) group.Point {
	p.a.ScalarMultiplication(unwrapPoint(q), unwrapScalar(s))
	return p
}

func (p *Point) Set(a group.Point) group.Point {
	p.a.Set(unwrapPoint(a))
	return p
}

func (p *Point) Bytes() []byte {
	if p.IsIdentity() {
		return make([]byte, PointLen)
	}
	enc := p.a.Bytes()
	return enc[:]
}

// SetBytes decodes a compressed point. Points outside the prime-order
// subgroup are rejected.
func (p *Point) SetBytes(data []byte) (group.Point, error) {
	if len(data) != PointLen {
		return nil, errors.Errorf("invalid point length %d", len(data))
	}
	if group.IsInfinityEncoding(data) {
		p.setIdentity()
		return p, nil
	}
	var decoded, torsion twistededwards.PointAffine
	if _, err := decoded.SetBytes(data); err != nil {
		return nil, errors.Wrap(err, "invalid baby jubjub point")
	}
	if !torsion.ScalarMultiplication(&decoded, order).IsZero() {
		return nil, errors.New("point is not in the prime-order subgroup")
	}
	p.a.Set(&decoded)
	return p, nil
}

func (p *Point) Equal(b group.Point) bool { return p.a.Equal(unwrapPoint(b)) }

func (p *Point) IsIdentity() bool { return p.a.IsZero() }

func (p *Point) setIdentity() {
	p.a.X.SetZero()
	p.a.Y.SetOne()
}

// BJJ is the Baby Jubjub group over the BN254 scalar field.
type BJJ struct{}

func New() *BJJ { return &BJJ{} }

func (*BJJ) Name() string { return "bjj" }

func (*BJJ) NewScalar() group.Scalar { return &Scalar{v: new(big.Int)} }

// NewPoint returns the identity.
func (*BJJ) NewPoint() group.Point {
	p := new(Point)
	p.setIdentity()
	return p
}

func (*BJJ) Generator() group.Point {
	return &Point{a: twistededwards.GetEdwardsCurve().Base}
}

// RandomScalar draws a non-zero scalar from r.
func (*BJJ) RandomScalar(r io.Reader) (group.Scalar, error) {
	var buf [wideLen]byte
	defer clear(buf[:])
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, errors.Wrap(err, "read randomness")
		}
		if s := scalarOf(new(big.Int).SetBytes(buf[:])); !s.IsZero() {
			return s, nil
		}
	}
}

// HashToScalar reduces SHA-256 over the concatenation of data.
func (*BJJ) HashToScalar(data ...[]byte) (group.Scalar, error) {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return scalarOf(new(big.Int).SetBytes(h.Sum(nil))), nil
}

// Order returns the subgroup order as big-endian bytes.
func (*BJJ) Order() []byte { return order.Bytes() }

func (*BJJ) PointLen() int { return PointLen }

func (*BJJ) ScalarLen() int { return ScalarLen }

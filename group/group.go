package group

import (
	"io"
)

// Scalar is an integer modulo the group order. Secret shares, nonces and
// polynomial coefficients are scalars and must be wiped with Zeroize when
// they go out of use.
type Scalar interface {
	Add(a, b Scalar) Scalar
	Sub(a, b Scalar) Scalar
	Mul(a, b Scalar) Scalar
	Negate(a Scalar) Scalar
	// Invert fails when a is zero.
	Invert(a Scalar) (Scalar, error)
	Set(a Scalar) Scalar
	SetUint64(v uint64) Scalar
	// Bytes is big-endian and ScalarLen long.
	Bytes() []byte
	// SetBytes accepts any length and reduces modulo the order.
	SetBytes(data []byte) (Scalar, error)
	Equal(b Scalar) bool
	IsZero() bool
	Zeroize()
}

// Point is a curve point. The identity encodes as PointLen zero bytes and
// decodes back to the identity.
type Point interface {
	Add(a, b Point) Point
	Sub(a, b Point) Point
	Negate(a Point) Point
	ScalarMult(s Scalar, p Point) Point
	Set(a Point) Point
	Bytes() []byte
	// SetBytes rejects encodings that are not points of the prime-order
	// subgroup.
	SetBytes(data []byte) (Point, error)
	Equal(b Point) bool
	IsIdentity() bool
}

// Group is implemented once per curve. Ceremony code only sees this
// interface.
type Group interface {
	Name() string
	// NewScalar returns zero.
	NewScalar() Scalar
	// NewPoint returns the identity.
	NewPoint() Point
	Generator() Point
	// RandomScalar returns a uniformly random non-zero scalar.
	RandomScalar(r io.Reader) (Scalar, error)
	HashToScalar(data ...[]byte) (Scalar, error)
	// Order is big-endian.
	Order() []byte
	PointLen() int
	ScalarLen() int
}

// IsInfinityEncoding reports whether data is the all-zero identity encoding.
func IsInfinityEncoding(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

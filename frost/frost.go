package frost

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/bjj"
	"github.com/f3rmion/multisig/group"
	"github.com/f3rmion/multisig/secp256k1"
)

// ChainTag distinguishes key material of different schemes in shared storage.
type ChainTag uint16

const (
	ChainTagSecp256k1  ChainTag = 0x0000
	ChainTagBabyJubjub ChainTag = 0x0001
)

// Bytes returns the big-endian encoding of the tag.
func (t ChainTag) Bytes() []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(t))
	return b[:]
}

// FROST binds a curve to the hash functions used by key generation and
// signing ceremonies. It is stateless and safe for concurrent use.
type FROST struct {
	name   string
	tag    ChainTag
	group  group.Group
	hasher Hasher
}

// New creates a scheme over g using hasher h.
func New(name string, tag ChainTag, g group.Group, h Hasher) *FROST {
	return &FROST{
		name:   name,
		tag:    tag,
		group:  g,
		hasher: h,
	}
}

// Secp256k1 returns the secp256k1 scheme.
func Secp256k1() *FROST {
	return New("secp256k1", ChainTagSecp256k1, secp256k1.New(), &SHA256Hasher{})
}

// BabyJubjub returns the Baby Jubjub scheme.
func BabyJubjub() *FROST {
	return New("bjj", ChainTagBabyJubjub, bjj.New(), NewBlake2bHasher())
}

// ByName looks up a built-in scheme.
func ByName(name string) (*FROST, error) {
	switch name {
	case "secp256k1":
		return Secp256k1(), nil
	case "bjj":
		return BabyJubjub(), nil
	default:
		return nil, errors.Errorf("unknown crypto scheme %q", name)
	}
}

// Schemes returns every built-in scheme.
func Schemes() []*FROST {
	return []*FROST{Secp256k1(), BabyJubjub()}
}

// Name returns the scheme name.
func (f *FROST) Name() string { return f.name }

// Tag returns the chain tag used as a storage prefix.
func (f *FROST) Tag() ChainTag { return f.tag }

// Group returns the underlying curve.
func (f *FROST) Group() group.Group { return f.group }

// Hasher returns the scheme's hash functions.
func (f *FROST) Hasher() Hasher { return f.hasher }

// ThresholdParameters describe how many parties hold shares of a key and
// how many of them may be faulty.
type ThresholdParameters struct {
	// ShareCount is the total number of parties holding a share (n).
	ShareCount uint32 `msgpack:"share_count"`
	// Threshold is the maximum number of corrupted or absent parties
	// tolerated (t). Any t+1 parties can sign.
	Threshold uint32 `msgpack:"threshold"`
}

// ThresholdFromShareCount returns the largest t with t < 2n/3, so that
// t+1 honest parties are always a strict majority of the remaining ones.
func ThresholdFromShareCount(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return (2*n - 1) / 3
}

// NewThresholdParameters derives the parameters for n parties.
func NewThresholdParameters(n uint32) ThresholdParameters {
	return ThresholdParameters{
		ShareCount: n,
		Threshold:  ThresholdFromShareCount(n),
	}
}

// SuccessThreshold is the minimum number of parties needed to sign.
func (p ThresholdParameters) SuccessThreshold() uint32 {
	return p.Threshold + 1
}

// ScalarFromIdx returns the party index as a scalar.
func (f *FROST) ScalarFromIdx(idx uint32) group.Scalar {
	return f.group.NewScalar().SetUint64(uint64(idx))
}

func (f *FROST) evalPolynomial(coeffs []group.Scalar, x group.Scalar) group.Scalar {
	result := f.group.NewScalar().Set(coeffs[len(coeffs)-1])
	for i := len(coeffs) - 2; i >= 0; i-- {
		result = f.group.NewScalar().Mul(result, x)
		result = f.group.NewScalar().Add(result, coeffs[i])
	}
	return result
}

// EvalCommitments evaluates a committed polynomial "in the exponent":
// sum of C_k * idx^k.
func (f *FROST) EvalCommitments(commitments []group.Point, idx uint32) group.Point {
	x := f.ScalarFromIdx(idx)
	result := f.group.NewPoint()
	if len(commitments) == 0 {
		return result
	}
	result.Set(commitments[len(commitments)-1])
	for i := len(commitments) - 2; i >= 0; i-- {
		result = f.group.NewPoint().ScalarMult(x, result)
		result = f.group.NewPoint().Add(result, commitments[i])
	}
	return result
}

// LagrangeCoefficient returns the coefficient of party idx for
// interpolating at zero over the set all.
func (f *FROST) LagrangeCoefficient(idx uint32, all []uint32) (group.Scalar, error) {
	num := f.ScalarFromIdx(1)
	den := f.ScalarFromIdx(1)
	self := f.ScalarFromIdx(idx)
	found := false

	for _, j := range all {
		if j == idx {
			found = true
			continue
		}
		other := f.ScalarFromIdx(j)
		num = f.group.NewScalar().Mul(num, other)
		diff := f.group.NewScalar().Sub(other, self)
		den = f.group.NewScalar().Mul(den, diff)
	}
	if !found {
		return nil, errors.Errorf("party %d is not in the signing set", idx)
	}

	denInv, err := f.group.NewScalar().Invert(den)
	if err != nil {
		return nil, errors.Wrap(err, "duplicate party index")
	}
	return f.group.NewScalar().Mul(num, denInv), nil
}

// SortedIdxs returns the keys of m in ascending order.
func SortedIdxs[V any](m map[uint32]V) []uint32 {
	idxs := make([]uint32, 0, len(m))
	for idx := range m {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	return idxs
}

func idxBytes(idx uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], idx)
	return b[:]
}

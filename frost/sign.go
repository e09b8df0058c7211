package frost

import (
	"io"

	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/group"
)

// NoncePair holds a signer's secret nonces for one payload.
type NoncePair struct {
	D group.Scalar // hiding nonce
	E group.Scalar // binding nonce
}

// Zeroize wipes both nonces.
func (n *NoncePair) Zeroize() {
	if n == nil {
		return
	}
	if n.D != nil {
		n.D.Zeroize()
	}
	if n.E != nil {
		n.E.Zeroize()
	}
}

// SigningCommitment is broadcast in the first signing stage.
type SigningCommitment struct {
	D group.Point // D = d * G
	E group.Point // E = e * G
}

// Signature is a Schnorr signature (R, z).
type Signature struct {
	R group.Point
	Z group.Scalar
}

// GenerateNonces samples a nonce pair and its commitment.
func (f *FROST) GenerateNonces(r io.Reader) (*NoncePair, *SigningCommitment, error) {
	d, err := f.group.RandomScalar(r)
	if err != nil {
		return nil, nil, err
	}
	e, err := f.group.RandomScalar(r)
	if err != nil {
		return nil, nil, err
	}

	return &NoncePair{D: d, E: e}, &SigningCommitment{
		D: f.group.NewPoint().ScalarMult(d, f.group.Generator()),
		E: f.group.NewPoint().ScalarMult(e, f.group.Generator()),
	}, nil
}

func (f *FROST) encodeCommitments(commitments map[uint32]*SigningCommitment) []byte {
	var out []byte
	for _, idx := range SortedIdxs(commitments) {
		c := commitments[idx]
		out = append(out, idxBytes(idx)...)
		out = append(out, c.D.Bytes()...)
		out = append(out, c.E.Bytes()...)
	}
	return out
}

// BindingFactors computes rho_i for every signer. A zero factor is replaced
// with one.
func (f *FROST) BindingFactors(msg []byte, commitments map[uint32]*SigningCommitment) map[uint32]group.Scalar {
	encoded := f.encodeCommitments(commitments)
	factors := make(map[uint32]group.Scalar, len(commitments))
	for idx := range commitments {
		rho := f.hasher.Binding(f.group, idxBytes(idx), msg, encoded)
		if rho.IsZero() {
			rho = f.ScalarFromIdx(1)
		}
		factors[idx] = rho
	}
	return factors
}

// GroupCommitment computes R = sum(D_i + rho_i * E_i).
func (f *FROST) GroupCommitment(commitments map[uint32]*SigningCommitment, bindings map[uint32]group.Scalar) group.Point {
	R := f.group.NewPoint()
	for _, idx := range SortedIdxs(commitments) {
		R = f.group.NewPoint().Add(R, f.commitmentShare(commitments[idx], bindings[idx]))
	}
	return R
}

func (f *FROST) commitmentShare(c *SigningCommitment, rho group.Scalar) group.Point {
	rhoE := f.group.NewPoint().ScalarMult(rho, c.E)
	return f.group.NewPoint().Add(c.D, rhoE)
}

// Challenge computes c = H(R, Y, msg).
func (f *FROST) Challenge(R, Y group.Point, msg []byte) group.Scalar {
	return f.hasher.Challenge(f.group, R.Bytes(), Y.Bytes(), msg)
}

// LocalSignature computes z_i = d + rho_i * e + lambda_i * x_i * c.
// commitments must contain an entry for every signer in the set.
func (f *FROST) LocalSignature(
	msg []byte,
	keyShare group.Scalar,
	aggKey group.Point,
	nonces *NoncePair,
	commitments map[uint32]*SigningCommitment,
	ownIdx uint32,
) (group.Scalar, error) {
	if _, ok := commitments[ownIdx]; !ok {
		return nil, errors.Errorf("missing own commitment for party %d", ownIdx)
	}
	bindings := f.BindingFactors(msg, commitments)
	R := f.GroupCommitment(commitments, bindings)
	c := f.Challenge(R, aggKey, msg)

	lambda, err := f.LagrangeCoefficient(ownIdx, SortedIdxs(commitments))
	if err != nil {
		return nil, err
	}

	z := f.group.NewScalar().Mul(bindings[ownIdx], nonces.E) // rho * e
	z = f.group.NewScalar().Add(nonces.D, z)                 // d + rho * e
	lambdaX := f.group.NewScalar().Mul(lambda, keyShare)     // lambda * x
	defer lambdaX.Zeroize()
	lambdaXC := f.group.NewScalar().Mul(lambdaX, c) // lambda * x * c
	z = f.group.NewScalar().Add(z, lambdaXC)        // d + rho*e + lambda*x*c

	return z, nil
}

// AggregateSignature checks every signer's response against its public key
// share and combines them. On failure it returns the indices of the
// signers whose responses are invalid or missing.
func (f *FROST) AggregateSignature(
	msg []byte,
	aggKey group.Point,
	partyPublicKeys map[uint32]group.Point,
	commitments map[uint32]*SigningCommitment,
	responses map[uint32]group.Scalar,
) (*Signature, []uint32) {
	bindings := f.BindingFactors(msg, commitments)
	R := f.GroupCommitment(commitments, bindings)
	c := f.Challenge(R, aggKey, msg)
	signers := SortedIdxs(commitments)

	var invalid []uint32
	for _, idx := range signers {
		z, ok := responses[idx]
		pk, known := partyPublicKeys[idx]
		if !ok || !known || z == nil {
			invalid = append(invalid, idx)
			continue
		}
		lambda, err := f.LagrangeCoefficient(idx, signers)
		if err != nil {
			invalid = append(invalid, idx)
			continue
		}
		// z_i * G == D_i + rho_i * E_i + (lambda_i * c) * Y_i
		lhs := f.group.NewPoint().ScalarMult(z, f.group.Generator())
		lambdaC := f.group.NewScalar().Mul(lambda, c)
		rhs := f.group.NewPoint().ScalarMult(lambdaC, pk)
		rhs = f.group.NewPoint().Add(f.commitmentShare(commitments[idx], bindings[idx]), rhs)
		if !lhs.Equal(rhs) {
			invalid = append(invalid, idx)
		}
	}
	if len(invalid) > 0 {
		return nil, invalid
	}

	z := f.group.NewScalar()
	for _, idx := range signers {
		z = f.group.NewScalar().Add(z, responses[idx])
	}
	return &Signature{R: R, Z: z}, nil
}

// Verify checks z*G == R + c*Y.
func (f *FROST) Verify(msg []byte, sig *Signature, aggKey group.Point) bool {
	if sig == nil || sig.R == nil || sig.Z == nil {
		return false
	}
	c := f.Challenge(sig.R, aggKey, msg)

	lhs := f.group.NewPoint().ScalarMult(sig.Z, f.group.Generator())
	cY := f.group.NewPoint().ScalarMult(c, aggKey)
	rhs := f.group.NewPoint().Add(sig.R, cY)

	return lhs.Equal(rhs)
}

package frost

import (
	"io"

	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/group"
)

// ShamirShare is the evaluation of a party's secret polynomial at another
// party's index.
type ShamirShare struct {
	Value group.Scalar
}

// Zeroize wipes the share.
func (s *ShamirShare) Zeroize() {
	if s != nil && s.Value != nil {
		s.Value.Zeroize()
	}
}

// ZKP is a Schnorr proof of knowledge of the discrete logarithm of the
// first coefficient commitment.
type ZKP struct {
	R group.Point  // nonce commitment
	Z group.Scalar // response
}

// UnverifiedCommitment is a party's published commitment to its polynomial
// together with its proof of knowledge, before validation.
type UnverifiedCommitment struct {
	Commitments []group.Point // C_k = a_k * G, k = 0..t
	ZKP         ZKP
}

// Commitment is a commitment whose proof of knowledge has been verified.
type Commitment struct {
	Commitments []group.Point
}

// Dealing holds a party's secret polynomial and the public commitment to it.
type Dealing struct {
	coefficients []group.Scalar
	Commitment   *UnverifiedCommitment
}

// Zeroize wipes the polynomial coefficients.
func (d *Dealing) Zeroize() {
	for _, c := range d.coefficients {
		c.Zeroize()
	}
}

// GenerateDealing samples a polynomial of degree threshold whose constant
// term is secret, commits to it and proves knowledge of the secret.
// A nil secret samples a random one. context binds the proof to a ceremony.
func (f *FROST) GenerateDealing(r io.Reader, secret group.Scalar, threshold, ownIdx uint32, context []byte) (*Dealing, error) {
	coeffs := make([]group.Scalar, threshold+1)
	if secret == nil {
		s, err := f.group.RandomScalar(r)
		if err != nil {
			return nil, errors.Wrap(err, "sample secret")
		}
		coeffs[0] = s
	} else {
		coeffs[0] = f.group.NewScalar().Set(secret)
	}
	for i := 1; i <= int(threshold); i++ {
		c, err := f.group.RandomScalar(r)
		if err != nil {
			return nil, errors.Wrap(err, "sample coefficient")
		}
		coeffs[i] = c
	}

	commits := make([]group.Point, len(coeffs))
	for i, c := range coeffs {
		commits[i] = f.group.NewPoint().ScalarMult(c, f.group.Generator())
	}

	proof, err := f.proveKnowledge(r, coeffs[0], commits[0], ownIdx, context)
	if err != nil {
		return nil, err
	}

	return &Dealing{
		coefficients: coeffs,
		Commitment: &UnverifiedCommitment{
			Commitments: commits,
			ZKP:         *proof,
		},
	}, nil
}

// ShareFor evaluates the dealer's polynomial at the recipient's index.
func (f *FROST) ShareFor(d *Dealing, recipientIdx uint32) *ShamirShare {
	return &ShamirShare{Value: f.evalPolynomial(d.coefficients, f.ScalarFromIdx(recipientIdx))}
}

func (f *FROST) proveKnowledge(r io.Reader, secret group.Scalar, point group.Point, ownIdx uint32, context []byte) (*ZKP, error) {
	nonce, err := f.group.RandomScalar(r)
	if err != nil {
		return nil, errors.Wrap(err, "sample proof nonce")
	}
	defer nonce.Zeroize()

	R := f.group.NewPoint().ScalarMult(nonce, f.group.Generator())
	c := f.hasher.ProofChallenge(f.group, point.Bytes(), R.Bytes(), idxBytes(ownIdx), context)

	// z = nonce + secret * c
	z := f.group.NewScalar().Mul(secret, c)
	z = f.group.NewScalar().Add(nonce, z)

	return &ZKP{R: R, Z: z}, nil
}

// VerifyProof checks R + C0 * c == z * G.
func (f *FROST) VerifyProof(c *UnverifiedCommitment, proverIdx uint32, context []byte) bool {
	if len(c.Commitments) == 0 || c.ZKP.R == nil || c.ZKP.Z == nil {
		return false
	}
	C0 := c.Commitments[0]
	challenge := f.hasher.ProofChallenge(f.group, C0.Bytes(), c.ZKP.R.Bytes(), idxBytes(proverIdx), context)

	lhs := f.group.NewPoint().ScalarMult(c.ZKP.Z, f.group.Generator())
	rhs := f.group.NewPoint().ScalarMult(challenge, C0)
	rhs = f.group.NewPoint().Add(c.ZKP.R, rhs)
	return lhs.Equal(rhs)
}

// ValidateCommitment checks the commitment length and proof of knowledge.
func (f *FROST) ValidateCommitment(c *UnverifiedCommitment, proverIdx, threshold uint32, context []byte) (*Commitment, error) {
	if len(c.Commitments) != int(threshold)+1 {
		return nil, errors.Errorf("expected %d coefficient commitments, got %d", threshold+1, len(c.Commitments))
	}
	if !f.VerifyProof(c, proverIdx, context) {
		return nil, errors.New("invalid proof of knowledge")
	}
	return &Commitment{Commitments: c.Commitments}, nil
}

// VerifyShare performs the Feldman check share * G == sum(C_k * idx^k).
func (f *FROST) VerifyShare(share *ShamirShare, c *Commitment, recipientIdx uint32) bool {
	if share == nil || share.Value == nil {
		return false
	}
	lhs := f.group.NewPoint().ScalarMult(share.Value, f.group.Generator())
	return lhs.Equal(f.EvalCommitments(c.Commitments, recipientIdx))
}

// AggregateKey returns the sum of every party's first coefficient
// commitment.
func (f *FROST) AggregateKey(commitments map[uint32]*Commitment) group.Point {
	key := f.group.NewPoint()
	for _, idx := range SortedIdxs(commitments) {
		key = f.group.NewPoint().Add(key, commitments[idx].Commitments[0])
	}
	return key
}

// IsKeyCompatible reports whether the joint polynomial has full degree,
// i.e. the sum of the highest coefficient commitments is not the identity.
func (f *FROST) IsKeyCompatible(commitments map[uint32]*Commitment) bool {
	sum := f.group.NewPoint()
	for _, idx := range SortedIdxs(commitments) {
		cs := commitments[idx].Commitments
		sum = f.group.NewPoint().Add(sum, cs[len(cs)-1])
	}
	return !sum.IsIdentity()
}

// PartyPublicKey derives the public key share of the party at idx from the
// commitments of every dealer.
func (f *FROST) PartyPublicKey(commitments map[uint32]*Commitment, idx uint32) group.Point {
	pk := f.group.NewPoint()
	for _, dealer := range SortedIdxs(commitments) {
		pk = f.group.NewPoint().Add(pk, f.EvalCommitments(commitments[dealer].Commitments, idx))
	}
	return pk
}

// CombineShares sums the shares received from every dealer into the
// party's secret key share.
func (f *FROST) CombineShares(shares map[uint32]*ShamirShare) group.Scalar {
	x := f.group.NewScalar()
	for _, idx := range SortedIdxs(shares) {
		x = f.group.NewScalar().Add(x, shares[idx].Value)
	}
	return x
}

// ResharingSecret scales an existing key share by the party's Lagrange
// coefficient over the sharing set, so that the sharers' secrets sum to the
// original private key.
func (f *FROST) ResharingSecret(keyShare group.Scalar, idx uint32, sharing []uint32) (group.Scalar, error) {
	lambda, err := f.LagrangeCoefficient(idx, sharing)
	if err != nil {
		return nil, err
	}
	return f.group.NewScalar().Mul(lambda, keyShare), nil
}

// ExpectedPubkeyShare is the public counterpart of ResharingSecret.
func (f *FROST) ExpectedPubkeyShare(partyPublicKey group.Point, idx uint32, sharing []uint32) (group.Point, error) {
	lambda, err := f.LagrangeCoefficient(idx, sharing)
	if err != nil {
		return nil, err
	}
	return f.group.NewPoint().ScalarMult(lambda, partyPublicKey), nil
}

package frost

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/multisig/group"
)

var testContext = []byte("ceremony context")

type dkgOutput struct {
	aggKey      group.Point
	shares      map[uint32]group.Scalar
	publicKeys  map[uint32]group.Point
	commitments map[uint32]*Commitment
}

// runDKG runs the key generation math for parties 1..n where every party
// deals with the given secrets (nil for random) and shares are evaluated
// at recipients[j] for receiving party j.
func runDKG(t *testing.T, f *FROST, dealers []uint32, secrets map[uint32]group.Scalar, recipients map[uint32]uint32, threshold uint32) *dkgOutput {
	t.Helper()

	dealings := make(map[uint32]*Dealing)
	commitments := make(map[uint32]*Commitment)
	for _, idx := range dealers {
		d, err := f.GenerateDealing(rand.Reader, secrets[idx], threshold, idx, testContext)
		require.NoError(t, err, "party %d failed to deal", idx)
		dealings[idx] = d

		c, err := f.ValidateCommitment(d.Commitment, idx, threshold, testContext)
		require.NoError(t, err, "commitment of party %d rejected", idx)
		commitments[idx] = c
	}

	out := &dkgOutput{
		aggKey:      f.AggregateKey(commitments),
		shares:      make(map[uint32]group.Scalar),
		publicKeys:  make(map[uint32]group.Point),
		commitments: commitments,
	}
	for receiver, evalIdx := range recipients {
		received := make(map[uint32]*ShamirShare)
		for _, dealer := range dealers {
			share := f.ShareFor(dealings[dealer], evalIdx)
			require.True(t, f.VerifyShare(share, commitments[dealer], evalIdx),
				"party %d failed to verify share from %d", receiver, dealer)
			received[dealer] = share
		}
		out.shares[evalIdx] = f.CombineShares(received)
		out.publicKeys[evalIdx] = f.PartyPublicKey(commitments, evalIdx)
	}
	return out
}

func identityRecipients(idxs []uint32) map[uint32]uint32 {
	m := make(map[uint32]uint32, len(idxs))
	for _, idx := range idxs {
		m[idx] = idx
	}
	return m
}

func signWith(t *testing.T, f *FROST, msg []byte, aggKey group.Point, shares map[uint32]group.Scalar, publicKeys map[uint32]group.Point, signers []uint32) *Signature {
	t.Helper()

	nonces := make(map[uint32]*NoncePair)
	commitments := make(map[uint32]*SigningCommitment)
	for _, idx := range signers {
		n, c, err := f.GenerateNonces(rand.Reader)
		require.NoError(t, err)
		nonces[idx] = n
		commitments[idx] = c
	}

	responses := make(map[uint32]group.Scalar)
	for _, idx := range signers {
		z, err := f.LocalSignature(msg, shares[idx], aggKey, nonces[idx], commitments, idx)
		require.NoError(t, err)
		nonces[idx].Zeroize()
		responses[idx] = z
	}

	sig, invalid := f.AggregateSignature(msg, aggKey, publicKeys, commitments, responses)
	require.Empty(t, invalid)
	return sig
}

func TestThresholdFromShareCount(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 0, 2: 1, 3: 1, 4: 2, 5: 3, 6: 3, 7: 4, 10: 6, 150: 99}
	for n, expected := range cases {
		assert.Equal(t, expected, ThresholdFromShareCount(n), "n=%d", n)
	}

	params := NewThresholdParameters(4)
	assert.Equal(t, uint32(2), params.Threshold)
	assert.Equal(t, uint32(3), params.SuccessThreshold())
}

func TestDKGAndSign(t *testing.T) {
	for _, f := range []*FROST{Secp256k1(), BabyJubjub()} {
		t.Run(f.Name(), func(t *testing.T) {
			idxs := []uint32{1, 2, 3, 4}
			threshold := ThresholdFromShareCount(uint32(len(idxs)))
			out := runDKG(t, f, idxs, nil, identityRecipients(idxs), threshold)

			t.Run("PublicKeysMatchShares", func(t *testing.T) {
				for idx, x := range out.shares {
					expected := f.Group().NewPoint().ScalarMult(x, f.Group().Generator())
					assert.True(t, expected.Equal(out.publicKeys[idx]), "party %d", idx)
				}
			})

			t.Run("KeyIsCompatible", func(t *testing.T) {
				assert.True(t, f.IsKeyCompatible(out.commitments))
			})

			t.Run("Sign", func(t *testing.T) {
				msg := []byte("hello multisig")
				for _, signers := range [][]uint32{{1, 2, 3}, {2, 3, 4}, {1, 2, 3, 4}} {
					t.Run(fmt.Sprint(signers), func(t *testing.T) {
						sig := signWith(t, f, msg, out.aggKey, out.shares, out.publicKeys, signers)
						assert.True(t, f.Verify(msg, sig, out.aggKey))
						assert.False(t, f.Verify([]byte("other message"), sig, out.aggKey))
					})
				}
			})

			t.Run("InvalidResponseIsBlamed", func(t *testing.T) {
				msg := []byte("blame me")
				signers := []uint32{1, 2, 3}
				commitments := make(map[uint32]*SigningCommitment)
				nonces := make(map[uint32]*NoncePair)
				for _, idx := range signers {
					n, c, err := f.GenerateNonces(rand.Reader)
					require.NoError(t, err)
					nonces[idx], commitments[idx] = n, c
				}
				responses := make(map[uint32]group.Scalar)
				for _, idx := range signers {
					z, err := f.LocalSignature(msg, out.shares[idx], out.aggKey, nonces[idx], commitments, idx)
					require.NoError(t, err)
					responses[idx] = z
				}
				responses[2] = f.Group().NewScalar().Add(responses[2], f.ScalarFromIdx(1))

				sig, invalid := f.AggregateSignature(msg, out.aggKey, out.publicKeys, commitments, responses)
				assert.Nil(t, sig)
				assert.Equal(t, []uint32{2}, invalid)
			})
		})
	}
}

func TestCommitmentValidation(t *testing.T) {
	f := Secp256k1()
	d, err := f.GenerateDealing(rand.Reader, nil, 2, 1, testContext)
	require.NoError(t, err)

	t.Run("Valid", func(t *testing.T) {
		_, err := f.ValidateCommitment(d.Commitment, 1, 2, testContext)
		require.NoError(t, err)
	})

	t.Run("WrongProver", func(t *testing.T) {
		_, err := f.ValidateCommitment(d.Commitment, 2, 2, testContext)
		require.Error(t, err)
	})

	t.Run("WrongContext", func(t *testing.T) {
		_, err := f.ValidateCommitment(d.Commitment, 1, 2, []byte("other ceremony"))
		require.Error(t, err)
	})

	t.Run("WrongLength", func(t *testing.T) {
		_, err := f.ValidateCommitment(d.Commitment, 1, 3, testContext)
		require.Error(t, err)
	})

	t.Run("TamperedCommitment", func(t *testing.T) {
		tampered := &UnverifiedCommitment{
			Commitments: append([]group.Point{f.Group().Generator()}, d.Commitment.Commitments[1:]...),
			ZKP:         d.Commitment.ZKP,
		}
		_, err := f.ValidateCommitment(tampered, 1, 2, testContext)
		require.Error(t, err)
	})

	t.Run("BadShare", func(t *testing.T) {
		c, err := f.ValidateCommitment(d.Commitment, 1, 2, testContext)
		require.NoError(t, err)

		share := f.ShareFor(d, 3)
		require.True(t, f.VerifyShare(share, c, 3))
		assert.False(t, f.VerifyShare(share, c, 2), "share evaluated at another index")

		bad := &ShamirShare{Value: f.Group().NewScalar().Add(share.Value, f.ScalarFromIdx(1))}
		assert.False(t, f.VerifyShare(bad, c, 3))
		assert.False(t, f.VerifyShare(nil, c, 3))
	})

	t.Run("ZeroSecret", func(t *testing.T) {
		zero, err := f.GenerateDealing(rand.Reader, f.Group().NewScalar(), 1, 4, testContext)
		require.NoError(t, err)
		assert.True(t, zero.Commitment.Commitments[0].IsIdentity())
		_, err = f.ValidateCommitment(zero.Commitment, 4, 1, testContext)
		require.NoError(t, err)
	})
}

func TestResharingPreservesKey(t *testing.T) {
	f := Secp256k1()
	original := []uint32{1, 2, 3}
	out := runDKG(t, f, original, nil, identityRecipients(original), ThresholdFromShareCount(3))

	// Parties 2 and 3 reshare to a new set of four whose future indices
	// are 1..4; in the handover ceremony the old holders take part as
	// dealers only.
	sharing := []uint32{2, 3}
	secrets := make(map[uint32]group.Scalar)
	for _, idx := range sharing {
		s, err := f.ResharingSecret(out.shares[idx], idx, sharing)
		require.NoError(t, err)
		secrets[idx] = s

		expected, err := f.ExpectedPubkeyShare(out.publicKeys[idx], idx, sharing)
		require.NoError(t, err)
		assert.True(t, expected.Equal(f.Group().NewPoint().ScalarMult(s, f.Group().Generator())))
	}

	newSet := []uint32{1, 2, 3, 4}
	threshold := ThresholdFromShareCount(uint32(len(newSet)))
	reshared := runDKG(t, f, sharing, secrets, identityRecipients(newSet), threshold)
	require.True(t, reshared.aggKey.Equal(out.aggKey), "resharing changed the aggregate key")

	msg := []byte("after handover")
	sig := signWith(t, f, msg, reshared.aggKey, reshared.shares, reshared.publicKeys, []uint32{1, 3, 4})
	assert.True(t, f.Verify(msg, sig, out.aggKey))
}

func TestLagrangeCoefficient(t *testing.T) {
	f := BabyJubjub()

	t.Run("InterpolatesConstant", func(t *testing.T) {
		// p(x) = 7 + 3x, p(1) = 10, p(2) = 13
		l1, err := f.LagrangeCoefficient(1, []uint32{1, 2})
		require.NoError(t, err)
		l2, err := f.LagrangeCoefficient(2, []uint32{1, 2})
		require.NoError(t, err)

		sum := f.Group().NewScalar().Add(
			f.Group().NewScalar().Mul(l1, f.ScalarFromIdx(10)),
			f.Group().NewScalar().Mul(l2, f.ScalarFromIdx(13)),
		)
		assert.True(t, sum.Equal(f.ScalarFromIdx(7)))
	})

	t.Run("NotInSet", func(t *testing.T) {
		_, err := f.LagrangeCoefficient(5, []uint32{1, 2})
		require.Error(t, err)
	})
}

func TestBindingFactorsDependOnMessage(t *testing.T) {
	f := Secp256k1()
	commitments := make(map[uint32]*SigningCommitment)
	for _, idx := range []uint32{1, 2} {
		_, c, err := f.GenerateNonces(rand.Reader)
		require.NoError(t, err)
		commitments[idx] = c
	}

	a := f.BindingFactors([]byte("a"), commitments)
	b := f.BindingFactors([]byte("b"), commitments)
	assert.False(t, a[1].Equal(b[1]))
	assert.False(t, a[1].Equal(a[2]))
}

func TestHashers(t *testing.T) {
	g := Secp256k1().Group()
	for _, h := range []Hasher{&SHA256Hasher{}, NewBlake2bHasher()} {
		t.Run(fmt.Sprintf("%T", h), func(t *testing.T) {
			c1 := h.Challenge(g, []byte("R"), []byte("Y"), []byte("m"))
			c2 := h.ProofChallenge(g, []byte("R"), []byte("Y"), []byte("m"), nil)
			assert.False(t, c1.Equal(c2), "challenges must be domain separated")
		})
	}
}

package keygen

import (
	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/group"
)

// Stage numbers as carried on the wire.
const (
	StagePubkeyShares0 uint8 = iota
	StageHashComm1
	StageVerifyHashComm2
	StageCoeffComm3
	StageVerifyCoeffComm4
	StageSecretShares5
	StageComplaints6
	StageVerifyComplaints7
	StageBlameResponse8
	StageVerifyBlameResponses9
)

var stageNames = [...]string{
	"PubkeyShares0",
	"HashComm1",
	"VerifyHashComm2",
	"CoeffComm3",
	"VerifyCoeffComm4",
	"SecretShares5",
	"Complaints6",
	"VerifyComplaints7",
	"BlameResponse8",
	"VerifyBlameResponses9",
}

// IsInitialStage reports whether a message for stage may arrive before the
// ceremony is requested locally.
func IsInitialStage(stage uint8) bool {
	return stage == StagePubkeyShares0 || stage == StageHashComm1
}

// IdxValue pairs a party index with an encoded point or scalar.
type IdxValue struct {
	Idx   uint32 `msgpack:"idx"`
	Value []byte `msgpack:"value"`
}

// PubkeyShares0 carries the public key share every sharer is expected to
// commit to in a handover.
type PubkeyShares0 struct {
	Shares []IdxValue `msgpack:"shares"`
}

// HashComm1 commits to the sender's CoeffComm3 before it is revealed.
type HashComm1 struct {
	Hash []byte `msgpack:"hash"`
}

// CoeffComm3 carries the coefficient commitments and the proof of
// knowledge of the secret behind the first one.
type CoeffComm3 struct {
	Commitments [][]byte `msgpack:"commitments"`
	ProofR      []byte   `msgpack:"proof_r"`
	ProofZ      []byte   `msgpack:"proof_z"`
}

// SecretShare5 is a share sent privately to its recipient.
type SecretShare5 struct {
	Value []byte `msgpack:"value"`
}

// Complaints6 lists the parties whose share failed to verify.
type Complaints6 struct {
	Blamed []uint32 `msgpack:"blamed"`
}

// BlameResponse8 reveals the shares the sender was accused over, keyed by
// the complainer's index.
type BlameResponse8 struct {
	Shares []IdxValue `msgpack:"shares"`
}

func encodeCommitment(c *frost.UnverifiedCommitment) *CoeffComm3 {
	out := &CoeffComm3{
		Commitments: make([][]byte, len(c.Commitments)),
		ProofR:      c.ZKP.R.Bytes(),
		ProofZ:      c.ZKP.Z.Bytes(),
	}
	for i, p := range c.Commitments {
		out.Commitments[i] = p.Bytes()
	}
	return out
}

func decodeCommitment(g group.Group, m *CoeffComm3) (*frost.UnverifiedCommitment, error) {
	points := make([]group.Point, len(m.Commitments))
	for i, b := range m.Commitments {
		p, err := g.NewPoint().SetBytes(b)
		if err != nil {
			return nil, errors.Wrapf(err, "commitment %d", i)
		}
		points[i] = p
	}
	R, err := g.NewPoint().SetBytes(m.ProofR)
	if err != nil {
		return nil, errors.Wrap(err, "proof commitment")
	}
	z, err := decodeScalar(g, m.ProofZ)
	if err != nil {
		return nil, errors.Wrap(err, "proof response")
	}
	return &frost.UnverifiedCommitment{
		Commitments: points,
		ZKP:         frost.ZKP{R: R, Z: z},
	}, nil
}

func decodeScalar(g group.Group, b []byte) (group.Scalar, error) {
	if len(b) != g.ScalarLen() {
		return nil, errors.Errorf("scalar must be %d bytes, got %d", g.ScalarLen(), len(b))
	}
	return g.NewScalar().SetBytes(b)
}

func decodeShare(g group.Group, b []byte) (*frost.ShamirShare, error) {
	s, err := decodeScalar(g, b)
	if err != nil {
		return nil, err
	}
	return &frost.ShamirShare{Value: s}, nil
}

func findValue(values []IdxValue, idx uint32) ([]byte, bool) {
	for _, v := range values {
		if v.Idx == idx {
			return v.Value, true
		}
	}
	return nil, false
}

// checkSortedIdxs requires strictly increasing indices, which also rules
// out duplicates.
func checkSortedIdxs(idxs []uint32) error {
	for i := 1; i < len(idxs); i++ {
		if idxs[i] <= idxs[i-1] {
			return errors.New("indices are not strictly increasing")
		}
	}
	return nil
}

package signing

import (
	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/group"
)

// Stage numbers as carried on the wire.
const (
	StageComm1 uint8 = iota + 1
	StageVerifyComm2
	StageLocalSig3
	StageVerifyLocalSig4
)

var stageNames = map[uint8]string{
	StageComm1:           "Comm1",
	StageVerifyComm2:     "VerifyComm2",
	StageLocalSig3:       "LocalSig3",
	StageVerifyLocalSig4: "VerifyLocalSig4",
}

// IsInitialStage reports whether a message for stage may arrive before the
// ceremony is requested locally.
func IsInitialStage(stage uint8) bool {
	return stage == StageComm1
}

// NonceCommitment is the encoded (D, E) pair of one payload.
type NonceCommitment struct {
	D []byte `msgpack:"d"`
	E []byte `msgpack:"e"`
}

// Comm1 carries one nonce commitment per payload, in payload order.
type Comm1 struct {
	Commitments []NonceCommitment `msgpack:"commitments"`
}

// LocalSig3 carries one signature share per payload, in payload order.
type LocalSig3 struct {
	Responses [][]byte `msgpack:"responses"`
}

func encodeNonceCommitment(c *frost.SigningCommitment) NonceCommitment {
	return NonceCommitment{D: c.D.Bytes(), E: c.E.Bytes()}
}

func decodeNonceCommitment(g group.Group, c NonceCommitment) (*frost.SigningCommitment, error) {
	d, err := g.NewPoint().SetBytes(c.D)
	if err != nil {
		return nil, errors.Wrap(err, "hiding commitment")
	}
	e, err := g.NewPoint().SetBytes(c.E)
	if err != nil {
		return nil, errors.Wrap(err, "binding commitment")
	}
	return &frost.SigningCommitment{D: d, E: e}, nil
}

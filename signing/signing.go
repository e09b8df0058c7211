// Package signing implements the four-stage threshold Schnorr signing
// ceremony. One ceremony signs a batch of payloads, each under a key held
// by the same set of parties, in a single round trip.
package signing

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/f3rmion/multisig/broadcast"
	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/group"
	"github.com/f3rmion/multisig/keygen"
)

// Payload is one message to be signed with one key.
type Payload struct {
	KeyID   ceremony.KeyID
	Key     *keygen.ResultInfo
	Message []byte
}

// Setup describes one signing ceremony. Party indices in Common are the
// signers' indices in the keys' mapping.
type Setup struct {
	Common   *broadcast.Common
	Scheme   *frost.FROST
	Payloads []Payload
}

// New returns the first stage of the ceremony. Nonces are sampled here.
func New(s Setup) (broadcast.Stage[[]*frost.Signature], error) {
	if s.Common == nil || s.Scheme == nil {
		return nil, errors.New("incomplete signing setup")
	}
	if err := checkPayloads(s.Payloads, s.Common); err != nil {
		return nil, err
	}

	st := &state{
		scheme:   s.Scheme,
		payloads: s.Payloads,
	}
	common := *s.Common
	common.Cleanup = st.zeroize
	if common.Logger == nil {
		common.Logger = zap.NewNop()
	}
	st.common = &common

	for range s.Payloads {
		n, c, err := s.Scheme.GenerateNonces(common.Rand)
		if err != nil {
			st.zeroize()
			return nil, errors.Wrap(err, "generate nonces")
		}
		st.nonces = append(st.nonces, n)
		st.ownComms = append(st.ownComms, c)
	}
	return broadcast.NewStage[Comm1, []*frost.Signature](st.common, StageComm1,
		stageNames[StageComm1], &commProcessor{st: st}), nil
}

// checkPayloads requires a non-empty batch of keys that share one mapping,
// a share of every key, and enough signers.
func checkPayloads(payloads []Payload, c *broadcast.Common) error {
	if len(payloads) == 0 {
		return errors.New("nothing to sign")
	}
	first := payloads[0].Key
	for i, p := range payloads {
		if p.Key == nil || p.Key.Key == nil || p.Key.Mapping == nil {
			return errors.Errorf("payload %d has no key", i)
		}
		if !p.Key.IsHolder() {
			return errors.Errorf("payload %d: no share of key %s", i, p.KeyID)
		}
		if !sameAccounts(first.Mapping, p.Key.Mapping) {
			return errors.Errorf("payload %d: key is held by a different set of parties", i)
		}
		if uint32(len(c.AllIdxs)) < p.Key.Params.SuccessThreshold() {
			return errors.Errorf("%d signers cannot sign with threshold %d", len(c.AllIdxs), p.Key.Params.Threshold)
		}
		for _, idx := range c.AllIdxs {
			if _, ok := p.Key.Key.PartyPublicKeys[idx]; !ok {
				return errors.Errorf("party %d does not hold key %s", idx, p.KeyID)
			}
		}
	}
	if !c.IsParticipant(c.OwnIdx) {
		return errors.Errorf("own index %d is not a signer", c.OwnIdx)
	}
	return nil
}

func sameAccounts(a, b *ceremony.PartyIdxMapping) bool {
	if a.Len() != b.Len() {
		return false
	}
	x, y := a.AccountIDs(), b.AccountIDs()
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

type state struct {
	common   *broadcast.Common
	scheme   *frost.FROST
	payloads []Payload

	nonces      []*frost.NoncePair
	ownComms    []*frost.SigningCommitment
	commitments []map[uint32]*frost.SigningCommitment
}

func (st *state) zeroize() {
	for _, n := range st.nonces {
		n.Zeroize()
	}
}

func (st *state) fail(reason ceremony.Reason, blamed []uint32) broadcast.Result[[]*frost.Signature] {
	st.common.Logger.Warn("signing failed", zap.Stringer("reason", reason), zap.Uint32s("blamed", blamed))
	return broadcast.Error[[]*frost.Signature](reason, blamed)
}

type commProcessor struct {
	st *state
}

func (p *commProcessor) Init() broadcast.DataToSend[Comm1] {
	msg := &Comm1{}
	for _, c := range p.st.ownComms {
		msg.Commitments = append(msg.Commitments, encodeNonceCommitment(c))
	}
	return broadcast.DataToSend[Comm1]{Broadcast: msg}
}

func (p *commProcessor) ValidateMessage(idx uint32, m *Comm1) error {
	return p.st.validateComm(idx, m)
}

// validateComm checks the encodings only. A wrong number of commitments is
// blamed once the message has been verified.
func (st *state) validateComm(_ uint32, m *Comm1) error {
	g := st.scheme.Group()
	for i, c := range m.Commitments {
		if _, err := decodeNonceCommitment(g, c); err != nil {
			return errors.Wrapf(err, "commitment %d", i)
		}
	}
	return nil
}

func (p *commProcessor) Process(messages map[uint32]*Comm1) broadcast.Result[[]*frost.Signature] {
	st := p.st
	return broadcast.NextStage[[]*frost.Signature](broadcast.VerifyStage(st.common, StageVerifyComm2,
		stageNames[StageVerifyComm2], messages, st.validateComm, st.verifyComm))
}

func (st *state) verifyComm(agreed map[uint32]*Comm1) broadcast.Result[[]*frost.Signature] {
	var blamed []uint32
	for _, idx := range st.common.AllIdxs {
		if len(agreed[idx].Commitments) != len(st.payloads) {
			blamed = append(blamed, idx)
		}
	}
	if len(blamed) > 0 {
		return st.fail(ceremony.ReasonInvalidNumberOfPayloads, blamed)
	}

	g := st.scheme.Group()
	st.commitments = make([]map[uint32]*frost.SigningCommitment, len(st.payloads))
	for i := range st.payloads {
		st.commitments[i] = make(map[uint32]*frost.SigningCommitment, len(agreed))
		for idx, m := range agreed {
			// Encodings were checked when the message was accepted.
			c, _ := decodeNonceCommitment(g, m.Commitments[i])
			st.commitments[i][idx] = c
		}
	}
	return broadcast.NextStage[[]*frost.Signature](broadcast.NewStage[LocalSig3, []*frost.Signature](
		st.common, StageLocalSig3, stageNames[StageLocalSig3], &localSigProcessor{st: st}))
}

type localSigProcessor struct {
	st *state
}

func (p *localSigProcessor) Init() broadcast.DataToSend[LocalSig3] {
	st := p.st
	defer st.zeroize()

	msg := &LocalSig3{}
	for i, payload := range st.payloads {
		key := payload.Key.Key
		z, err := st.scheme.LocalSignature(payload.Message, key.Share, key.AggKey,
			st.nonces[i], st.commitments[i], st.common.OwnIdx)
		if err != nil {
			// Every signer, us included, has a commitment by now.
			panic(errors.Wrap(err, "local signature"))
		}
		msg.Responses = append(msg.Responses, z.Bytes())
	}
	return broadcast.DataToSend[LocalSig3]{Broadcast: msg}
}

func (p *localSigProcessor) ValidateMessage(idx uint32, m *LocalSig3) error {
	return p.st.validateLocalSig(idx, m)
}

func (st *state) validateLocalSig(_ uint32, m *LocalSig3) error {
	if len(m.Responses) != len(st.payloads) {
		return errors.Errorf("expected %d signature shares, got %d", len(st.payloads), len(m.Responses))
	}
	n := st.scheme.Group().ScalarLen()
	for i, z := range m.Responses {
		if len(z) != n {
			return errors.Errorf("signature share %d must be %d bytes", i, n)
		}
	}
	return nil
}

func (p *localSigProcessor) Process(messages map[uint32]*LocalSig3) broadcast.Result[[]*frost.Signature] {
	st := p.st
	return broadcast.NextStage[[]*frost.Signature](broadcast.VerifyStage(st.common, StageVerifyLocalSig4,
		stageNames[StageVerifyLocalSig4], messages, st.validateLocalSig, st.aggregate))
}

func (st *state) aggregate(agreed map[uint32]*LocalSig3) broadcast.Result[[]*frost.Signature] {
	g := st.scheme.Group()
	invalid := make(map[uint32]struct{})
	sigs := make([]*frost.Signature, len(st.payloads))

	for i, payload := range st.payloads {
		responses := make(map[uint32]group.Scalar, len(agreed))
		for idx, m := range agreed {
			z, err := g.NewScalar().SetBytes(m.Responses[i])
			if err != nil {
				invalid[idx] = struct{}{}
				continue
			}
			responses[idx] = z
		}
		key := payload.Key.Key
		sig, bad := st.scheme.AggregateSignature(payload.Message, key.AggKey, key.PartyPublicKeys, st.commitments[i], responses)
		for _, idx := range bad {
			invalid[idx] = struct{}{}
		}
		sigs[i] = sig
	}

	if len(invalid) > 0 {
		return st.fail(ceremony.ReasonInvalidSigShare, frost.SortedIdxs(invalid))
	}
	st.common.Logger.Debug("signing complete", zap.Int("payloads", len(sigs)))
	return broadcast.Done(sigs)
}

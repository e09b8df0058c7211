package keygen

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/f3rmion/multisig/broadcast"
	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/group"
	"github.com/f3rmion/multisig/wire"
)

// Setup describes one keygen or handover ceremony from our point of view.
type Setup struct {
	Common  *broadcast.Common
	Scheme  *frost.FROST
	Mapping *ceremony.PartyIdxMapping
	// Resharing turns the ceremony into a key handover when set.
	Resharing *ResharingContext
}

// New returns the first stage of the ceremony.
func New(s Setup) (broadcast.Stage[*ResultInfo], error) {
	if s.Common == nil || s.Scheme == nil || s.Mapping == nil {
		return nil, errors.New("incomplete keygen setup")
	}
	if !s.Common.IsParticipant(s.Common.OwnIdx) {
		return nil, errors.Errorf("own index %d is not a participant", s.Common.OwnIdx)
	}
	if len(s.Common.AllIdxs) != s.Mapping.Len() {
		return nil, errors.New("participant indices do not match the mapping")
	}

	st := &state{
		scheme:      s.Scheme,
		mapping:     s.Mapping,
		resharing:   s.Resharing,
		commitments: make(map[uint32]*frost.Commitment),
		shares:      make(map[uint32]*frost.ShamirShare),
	}
	common := *s.Common
	common.Cleanup = st.zeroize
	if common.Logger == nil {
		common.Logger = zap.NewNop()
	}
	st.common = &common

	if s.Resharing != nil {
		st.params = frost.NewThresholdParameters(uint32(len(s.Resharing.receiving)))
	} else {
		st.params = frost.NewThresholdParameters(uint32(s.Mapping.Len()))
	}
	st.context = zkpContext(common.CeremonyID, s.Mapping.AccountIDs())
	if err := st.deal(); err != nil {
		return nil, err
	}

	if s.Resharing != nil {
		return st.pubkeySharesStage(), nil
	}
	return st.hashCommStage(), nil
}

// zkpContext binds proofs of knowledge to one ceremony and participant set.
func zkpContext(id ceremony.CeremonyID, accounts []ceremony.AccountID) []byte {
	h, _ := blake2b.New256(nil)
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], uint64(id))
	h.Write(idBytes[:])
	for _, a := range accounts {
		h.Write(a[:])
	}
	return h.Sum(nil)
}

func hashCommitment(m *CoeffComm3) ([]byte, error) {
	enc, err := wire.Marshal(m)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(enc)
	return sum[:], nil
}

// state is shared by the stages of one ceremony.
type state struct {
	common    *broadcast.Common
	scheme    *frost.FROST
	mapping   *ceremony.PartyIdxMapping
	resharing *ResharingContext
	params    frost.ThresholdParameters
	context   []byte

	dealing     *frost.Dealing
	ownComm     *CoeffComm3
	hashes      map[uint32]*HashComm1
	commitments map[uint32]*frost.Commitment
	shares      map[uint32]*frost.ShamirShare
	complaints  map[uint32][]uint32
}

func (st *state) logger() *zap.Logger {
	return st.common.Logger
}

func (st *state) isReceiver(idx uint32) bool {
	if st.resharing == nil {
		return true
	}
	_, ok := st.resharing.futureIdxs[idx]
	return ok
}

// receivers lists the ceremony indices that obtain a share of the key.
func (st *state) receivers() []uint32 {
	if st.resharing == nil {
		return st.common.AllIdxs
	}
	return st.resharing.receiving
}

// evalIdx is the point a party's shares are evaluated at: its index in the
// resulting key.
func (st *state) evalIdx(idx uint32) uint32 {
	if st.resharing == nil {
		return idx
	}
	return st.resharing.futureIdxs[idx]
}

func (st *state) zeroize() {
	if st.dealing != nil {
		st.dealing.Zeroize()
	}
	for _, s := range st.shares {
		s.Zeroize()
	}
	if st.resharing != nil && st.resharing.secret != nil {
		st.resharing.secret.Zeroize()
	}
}

// deal samples our polynomial. Its constant term is the handover secret,
// or random for a fresh key.
func (st *state) deal() error {
	var secret group.Scalar
	if st.resharing != nil {
		secret = st.resharing.secret
	}
	d, err := st.scheme.GenerateDealing(st.common.Rand, secret, st.params.Threshold, st.common.OwnIdx, st.context)
	if err != nil {
		return errors.Wrap(err, "generate dealing")
	}
	st.dealing = d
	st.ownComm = encodeCommitment(d.Commitment)
	return nil
}

// finish derives the key from the verified commitments and shares.
func (st *state) finish() broadcast.Result[*ResultInfo] {
	aggKey := st.scheme.AggregateKey(st.commitments)

	key := &KeyShare{AggKey: aggKey, PartyPublicKeys: make(map[uint32]group.Point)}
	for _, idx := range st.receivers() {
		fIdx := st.evalIdx(idx)
		key.PartyPublicKeys[fIdx] = st.scheme.PartyPublicKey(st.commitments, fIdx)
	}
	if st.isReceiver(st.common.OwnIdx) {
		key.Share = st.scheme.CombineShares(st.shares)
	}

	mapping := st.mapping
	if st.resharing != nil {
		mapping = st.resharing.futureMapping
	}

	st.logger().Debug("keygen complete", zap.Binary("agg_key", aggKey.Bytes()))
	return broadcast.Done(&ResultInfo{Key: key, Params: st.params, Mapping: mapping})
}

func (st *state) fail(reason ceremony.Reason, blamed []uint32) broadcast.Result[*ResultInfo] {
	st.logger().Warn("keygen failed", zap.Stringer("reason", reason), zap.Uint32s("blamed", blamed))
	return broadcast.Error[*ResultInfo](reason, blamed)
}

func (st *state) pubkeySharesStage() broadcast.Stage[*ResultInfo] {
	return broadcast.NewStage[PubkeyShares0, *ResultInfo](st.common, StagePubkeyShares0,
		stageNames[StagePubkeyShares0], &pubkeySharesProcessor{st: st}).ExpectFrom(st.resharing.sharing)
}

type pubkeySharesProcessor struct {
	st *state
}

func (p *pubkeySharesProcessor) Init() broadcast.DataToSend[PubkeyShares0] {
	rc := p.st.resharing
	if !rc.isSharer(p.st.common.OwnIdx) {
		return broadcast.DataToSend[PubkeyShares0]{}
	}
	msg := &PubkeyShares0{}
	for _, idx := range rc.sharing {
		msg.Shares = append(msg.Shares, IdxValue{Idx: idx, Value: rc.expected[idx].Bytes()})
	}
	return broadcast.DataToSend[PubkeyShares0]{Broadcast: msg}
}

func (p *pubkeySharesProcessor) ValidateMessage(_ uint32, m *PubkeyShares0) error {
	sharing := p.st.resharing.sharing
	if len(m.Shares) != len(sharing) {
		return errors.Errorf("expected %d shares, got %d", len(sharing), len(m.Shares))
	}
	g := p.st.scheme.Group()
	for i, s := range m.Shares {
		if s.Idx != sharing[i] {
			return errors.Errorf("unexpected party %d", s.Idx)
		}
		if _, err := g.NewPoint().SetBytes(s.Value); err != nil {
			return errors.Wrapf(err, "share of party %d", s.Idx)
		}
	}
	return nil
}

func (p *pubkeySharesProcessor) Process(messages map[uint32]*PubkeyShares0) broadcast.Result[*ResultInfo] {
	st := p.st
	rc := st.resharing
	if rc.isSharer(st.common.OwnIdx) {
		return broadcast.NextStage(st.hashCommStage())
	}

	counts := make(map[string]int)
	values := make(map[string]*PubkeyShares0)
	var silent []uint32
	for _, idx := range rc.sharing {
		m := messages[idx]
		if m == nil {
			silent = append(silent, idx)
			continue
		}
		enc, err := wire.Marshal(m)
		if err != nil {
			continue
		}
		counts[string(enc)]++
		values[string(enc)] = m
	}

	for enc, count := range counts {
		if 2*count <= len(rc.sharing) {
			continue
		}
		g := st.scheme.Group()
		rc.expected = make(map[uint32]group.Point, len(rc.sharing))
		for _, s := range values[enc].Shares {
			pt, _ := g.NewPoint().SetBytes(s.Value)
			rc.expected[s.Idx] = pt
		}
		return broadcast.NextStage(st.hashCommStage())
	}

	if len(silent) > 0 {
		return st.fail(ceremony.ReasonBroadcastInsufficientMessages, silent)
	}
	return st.fail(ceremony.ReasonBroadcastInconsistency, rc.sharing)
}

func (st *state) hashCommStage() broadcast.Stage[*ResultInfo] {
	return broadcast.NewStage[HashComm1, *ResultInfo](st.common, StageHashComm1,
		stageNames[StageHashComm1], &hashCommProcessor{st: st})
}

type hashCommProcessor struct {
	st *state
}

func (p *hashCommProcessor) Init() broadcast.DataToSend[HashComm1] {
	hash, err := hashCommitment(p.st.ownComm)
	if err != nil {
		panic(err)
	}
	return broadcast.DataToSend[HashComm1]{Broadcast: &HashComm1{Hash: hash}}
}

func (p *hashCommProcessor) ValidateMessage(_ uint32, m *HashComm1) error {
	return validateHash(0, m)
}

func validateHash(_ uint32, m *HashComm1) error {
	if len(m.Hash) != blake2b.Size256 {
		return errors.Errorf("hash must be %d bytes, got %d", blake2b.Size256, len(m.Hash))
	}
	return nil
}

func (p *hashCommProcessor) Process(messages map[uint32]*HashComm1) broadcast.Result[*ResultInfo] {
	st := p.st
	return broadcast.NextStage[*ResultInfo](broadcast.VerifyStage(st.common, StageVerifyHashComm2,
		stageNames[StageVerifyHashComm2], messages, validateHash,
		func(agreed map[uint32]*HashComm1) broadcast.Result[*ResultInfo] {
			st.hashes = agreed
			return broadcast.NextStage(st.coeffCommStage())
		}))
}

func (st *state) coeffCommStage() broadcast.Stage[*ResultInfo] {
	return broadcast.NewStage[CoeffComm3, *ResultInfo](st.common, StageCoeffComm3,
		stageNames[StageCoeffComm3], &coeffCommProcessor{st: st})
}

type coeffCommProcessor struct {
	st *state
}

func (p *coeffCommProcessor) Init() broadcast.DataToSend[CoeffComm3] {
	return broadcast.DataToSend[CoeffComm3]{Broadcast: p.st.ownComm}
}

func (p *coeffCommProcessor) ValidateMessage(idx uint32, m *CoeffComm3) error {
	return p.st.validateCoeffComm(idx, m)
}

// validateCoeffComm bounds the size of a commitment. Its contents are
// checked in VerifyCoeffComm4, where failures are blamed.
func (st *state) validateCoeffComm(_ uint32, m *CoeffComm3) error {
	if len(m.Commitments) > len(st.common.AllIdxs) {
		return errors.Errorf("%d commitments exceed the participant count", len(m.Commitments))
	}
	return nil
}

func (p *coeffCommProcessor) Process(messages map[uint32]*CoeffComm3) broadcast.Result[*ResultInfo] {
	st := p.st
	return broadcast.NextStage[*ResultInfo](broadcast.VerifyStage(st.common, StageVerifyCoeffComm4,
		stageNames[StageVerifyCoeffComm4], messages, st.validateCoeffComm, st.verifyCommitments))
}

func (st *state) verifyCommitments(agreed map[uint32]*CoeffComm3) broadcast.Result[*ResultInfo] {
	g := st.scheme.Group()
	var blamed []uint32
	for _, idx := range st.common.AllIdxs {
		m := agreed[idx]

		hash, err := hashCommitment(m)
		if err != nil || !bytes.Equal(hash, st.hashes[idx].Hash) {
			st.logger().Warn("commitment does not match its hash", zap.Uint32("party", idx))
			blamed = append(blamed, idx)
			continue
		}
		unverified, err := decodeCommitment(g, m)
		if err != nil {
			st.logger().Warn("undecodable commitment", zap.Uint32("party", idx), zap.Error(err))
			blamed = append(blamed, idx)
			continue
		}
		c, err := st.scheme.ValidateCommitment(unverified, idx, st.params.Threshold, st.context)
		if err != nil {
			st.logger().Warn("invalid commitment", zap.Uint32("party", idx), zap.Error(err))
			blamed = append(blamed, idx)
			continue
		}
		if st.resharing != nil && !c.Commitments[0].Equal(st.resharing.expectedCommitment(g, idx)) {
			st.logger().Warn("commitment does not match the expected key share", zap.Uint32("party", idx))
			blamed = append(blamed, idx)
			continue
		}
		st.commitments[idx] = c
	}

	if len(blamed) > 0 {
		return st.fail(ceremony.ReasonInvalidCommitment, blamed)
	}
	if !st.scheme.IsKeyCompatible(st.commitments) {
		return st.fail(ceremony.ReasonKeyNotCompatible, nil)
	}
	return broadcast.NextStage(st.secretSharesStage())
}

func (st *state) secretSharesStage() broadcast.Stage[*ResultInfo] {
	s := broadcast.NewStage[SecretShare5, *ResultInfo](st.common, StageSecretShares5,
		stageNames[StageSecretShares5], &secretSharesProcessor{st: st})
	if !st.isReceiver(st.common.OwnIdx) {
		s.ExpectFrom([]uint32{})
	}
	return s
}

type secretSharesProcessor struct {
	st *state
}

func (p *secretSharesProcessor) Init() broadcast.DataToSend[SecretShare5] {
	st := p.st
	out := make(map[uint32]*SecretShare5)
	for _, idx := range st.receivers() {
		share := st.scheme.ShareFor(st.dealing, st.evalIdx(idx))
		out[idx] = &SecretShare5{Value: share.Value.Bytes()}
		share.Zeroize()
	}
	return broadcast.DataToSend[SecretShare5]{Private: out}
}

func (p *secretSharesProcessor) ValidateMessage(_ uint32, m *SecretShare5) error {
	if n := p.st.scheme.Group().ScalarLen(); len(m.Value) != n {
		return errors.Errorf("share must be %d bytes, got %d", n, len(m.Value))
	}
	return nil
}

func (p *secretSharesProcessor) Process(messages map[uint32]*SecretShare5) broadcast.Result[*ResultInfo] {
	st := p.st
	own := st.evalIdx(st.common.OwnIdx)

	var complaints []uint32
	for _, idx := range frost.SortedIdxs(messages) {
		m := messages[idx]
		if m == nil {
			complaints = append(complaints, idx)
			continue
		}
		share, err := decodeShare(st.scheme.Group(), m.Value)
		if err != nil || !st.scheme.VerifyShare(share, st.commitments[idx], own) {
			st.logger().Warn("invalid secret share", zap.Uint32("party", idx))
			complaints = append(complaints, idx)
			continue
		}
		st.shares[idx] = share
	}
	return broadcast.NextStage(st.complaintsStage(complaints))
}

func (st *state) complaintsStage(complaints []uint32) broadcast.Stage[*ResultInfo] {
	return broadcast.NewStage[Complaints6, *ResultInfo](st.common, StageComplaints6,
		stageNames[StageComplaints6], &complaintsProcessor{st: st, own: complaints})
}

type complaintsProcessor struct {
	st  *state
	own []uint32
}

func (p *complaintsProcessor) Init() broadcast.DataToSend[Complaints6] {
	return broadcast.DataToSend[Complaints6]{Broadcast: &Complaints6{Blamed: p.own}}
}

func (p *complaintsProcessor) ValidateMessage(idx uint32, m *Complaints6) error {
	return p.st.validateComplaints(idx, m)
}

func (st *state) validateComplaints(_ uint32, m *Complaints6) error {
	if len(m.Blamed) > len(st.common.AllIdxs) {
		return errors.Errorf("%d complaints exceed the participant count", len(m.Blamed))
	}
	return nil
}

func (p *complaintsProcessor) Process(messages map[uint32]*Complaints6) broadcast.Result[*ResultInfo] {
	st := p.st
	return broadcast.NextStage[*ResultInfo](broadcast.VerifyStage(st.common, StageVerifyComplaints7,
		stageNames[StageVerifyComplaints7], messages, st.validateComplaints, st.verifyComplaints))
}

func (st *state) verifyComplaints(agreed map[uint32]*Complaints6) broadcast.Result[*ResultInfo] {
	var invalid []uint32
	complaints := make(map[uint32][]uint32)
	for _, idx := range st.common.AllIdxs {
		blamed := agreed[idx].Blamed
		if len(blamed) == 0 {
			continue
		}
		valid := st.isReceiver(idx) && checkSortedIdxs(blamed) == nil
		for _, b := range blamed {
			if b == idx || !st.common.IsParticipant(b) {
				valid = false
			}
		}
		if !valid {
			invalid = append(invalid, idx)
			continue
		}
		complaints[idx] = blamed
	}

	if len(invalid) > 0 {
		return st.fail(ceremony.ReasonInvalidComplaint, invalid)
	}
	if len(complaints) == 0 {
		return st.finish()
	}
	st.complaints = complaints
	return broadcast.NextStage(st.blameResponseStage())
}

func (st *state) blameResponseStage() broadcast.Stage[*ResultInfo] {
	return broadcast.NewStage[BlameResponse8, *ResultInfo](st.common, StageBlameResponse8,
		stageNames[StageBlameResponse8], &blameResponseProcessor{st: st})
}

type blameResponseProcessor struct {
	st *state
}

func (p *blameResponseProcessor) Init() broadcast.DataToSend[BlameResponse8] {
	st := p.st
	own := st.common.OwnIdx
	msg := &BlameResponse8{}
	for _, complainer := range frost.SortedIdxs(st.complaints) {
		if !contains(st.complaints[complainer], own) {
			continue
		}
		share := st.scheme.ShareFor(st.dealing, st.evalIdx(complainer))
		msg.Shares = append(msg.Shares, IdxValue{Idx: complainer, Value: share.Value.Bytes()})
		share.Zeroize()
	}
	return broadcast.DataToSend[BlameResponse8]{Broadcast: msg}
}

func (p *blameResponseProcessor) ValidateMessage(idx uint32, m *BlameResponse8) error {
	return p.st.validateBlameResponse(idx, m)
}

func (st *state) validateBlameResponse(_ uint32, m *BlameResponse8) error {
	if len(m.Shares) > len(st.common.AllIdxs) {
		return errors.Errorf("%d revealed shares exceed the participant count", len(m.Shares))
	}
	n := st.scheme.Group().ScalarLen()
	for _, s := range m.Shares {
		if len(s.Value) != n {
			return errors.Errorf("revealed share for %d must be %d bytes", s.Idx, n)
		}
	}
	return nil
}

func (p *blameResponseProcessor) Process(messages map[uint32]*BlameResponse8) broadcast.Result[*ResultInfo] {
	st := p.st
	return broadcast.NextStage[*ResultInfo](broadcast.VerifyStage(st.common, StageVerifyBlameResponses9,
		stageNames[StageVerifyBlameResponses9], messages, st.validateBlameResponse, st.verifyBlameResponses))
}

func (st *state) verifyBlameResponses(agreed map[uint32]*BlameResponse8) broadcast.Result[*ResultInfo] {
	own := st.common.OwnIdx
	var blamed []uint32
	for _, complainer := range frost.SortedIdxs(st.complaints) {
		for _, accused := range st.complaints[complainer] {
			if contains(blamed, accused) {
				continue
			}
			revealed, ok := findValue(agreed[accused].Shares, complainer)
			if !ok {
				blamed = append(blamed, accused)
				continue
			}
			share, err := decodeShare(st.scheme.Group(), revealed)
			if err != nil || !st.scheme.VerifyShare(share, st.commitments[accused], st.evalIdx(complainer)) {
				blamed = append(blamed, accused)
				continue
			}
			if complainer == own {
				st.shares[accused] = share
			}
		}
	}

	if len(blamed) > 0 {
		return st.fail(ceremony.ReasonInvalidBlameResponse, sortIdxs(blamed))
	}
	return st.finish()
}

func sortIdxs(idxs []uint32) []uint32 {
	m := make(map[uint32]struct{}, len(idxs))
	for _, idx := range idxs {
		m[idx] = struct{}{}
	}
	return frost.SortedIdxs(m)
}

package keygen

import (
	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/group"
)

// ResharingContext turns a keygen ceremony into a key handover: the
// sharing parties, who hold the current key, deal shares of it to the
// receiving parties. Indices are ceremony indices unless noted.
type ResharingContext struct {
	sharing   []uint32
	receiving []uint32
	// futureIdxs maps a receiver's ceremony index to its index in the new key.
	futureIdxs    map[uint32]uint32
	futureMapping *ceremony.PartyIdxMapping

	// secret is our dealt constant term: lambda_i * x_i for sharers, zero
	// for everyone else.
	secret group.Scalar
	// expected holds the public key share each sharer must commit to.
	// Parties that do not hold the key learn it in PubkeyShares0.
	expected map[uint32]group.Point
}

// NewResharingContext prepares a handover of oldKey, which must be set when
// own is one of the sharing parties. mapping is the ceremony mapping over
// the union of both sets.
func NewResharingContext(
	scheme *frost.FROST,
	mapping *ceremony.PartyIdxMapping,
	own ceremony.AccountID,
	sharing, receiving []ceremony.AccountID,
	oldKey *ResultInfo,
) (*ResharingContext, error) {
	sharingIdxs, err := mapping.IdxsOf(sharing)
	if err != nil {
		return nil, errors.Wrap(err, "sharing parties")
	}
	receivingIdxs, err := mapping.IdxsOf(receiving)
	if err != nil {
		return nil, errors.Wrap(err, "receiving parties")
	}
	if len(sharingIdxs) == 0 || len(receivingIdxs) == 0 {
		return nil, errors.New("handover needs both sharing and receiving parties")
	}

	futureMapping, err := ceremony.NewPartyIdxMapping(receiving)
	if err != nil {
		return nil, err
	}
	futureIdxs := make(map[uint32]uint32, len(receiving))
	for _, a := range receiving {
		cIdx, _ := mapping.IdxOf(a)
		fIdx, _ := futureMapping.IdxOf(a)
		futureIdxs[cIdx] = fIdx
	}

	rc := &ResharingContext{
		sharing:       sharingIdxs,
		receiving:     receivingIdxs,
		futureIdxs:    futureIdxs,
		futureMapping: futureMapping,
		secret:        scheme.Group().NewScalar(),
	}

	ownIdx, ok := mapping.IdxOf(own)
	if !ok || !contains(sharingIdxs, ownIdx) {
		return rc, nil
	}

	if oldKey == nil || oldKey.Key == nil || oldKey.Key.Share == nil {
		return nil, errors.New("sharing party has no share of the key")
	}
	oldSharing, err := oldKey.Mapping.IdxsOf(sharing)
	if err != nil {
		return nil, errors.Wrap(err, "sharing parties are not holders of the key")
	}
	if uint32(len(oldSharing)) < oldKey.Params.SuccessThreshold() {
		return nil, errors.Errorf("%d sharing parties cannot reconstruct a key with threshold %d",
			len(oldSharing), oldKey.Params.Threshold)
	}

	rc.expected = make(map[uint32]group.Point, len(sharing))
	for _, a := range sharing {
		oldIdx, _ := oldKey.Mapping.IdxOf(a)
		cIdx, _ := mapping.IdxOf(a)
		pk, ok := oldKey.Key.PartyPublicKeys[oldIdx]
		if !ok {
			return nil, errors.Errorf("key has no public share for party %d", oldIdx)
		}
		expected, err := scheme.ExpectedPubkeyShare(pk, oldIdx, oldSharing)
		if err != nil {
			return nil, err
		}
		rc.expected[cIdx] = expected
	}

	ownOldIdx, _ := oldKey.Mapping.IdxOf(own)
	rc.secret, err = scheme.ResharingSecret(oldKey.Key.Share, ownOldIdx, oldSharing)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// FutureMapping is the mapping of the key produced by the handover.
func (rc *ResharingContext) FutureMapping() *ceremony.PartyIdxMapping {
	return rc.futureMapping
}

func (rc *ResharingContext) isSharer(idx uint32) bool {
	return contains(rc.sharing, idx)
}

// expectedCommitment is the first coefficient commitment idx must publish.
func (rc *ResharingContext) expectedCommitment(g group.Group, idx uint32) group.Point {
	if p, ok := rc.expected[idx]; ok {
		return p
	}
	return g.NewPoint()
}

func contains(idxs []uint32, idx uint32) bool {
	for _, i := range idxs {
		if i == idx {
			return true
		}
	}
	return false
}

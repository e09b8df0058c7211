package keygen

import (
	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/group"
	"github.com/f3rmion/multisig/wire"
)

// KeyShare is a party's view of a generated key.
type KeyShare struct {
	AggKey group.Point
	// Share is the party's secret share, nil for parties that only dealt
	// in a handover.
	Share group.Scalar
	// PartyPublicKeys holds share * G of every key holder, by key index.
	PartyPublicKeys map[uint32]group.Point
}

// ResultInfo is the output of a keygen ceremony. All fields except the
// secret share are identical across honest parties.
type ResultInfo struct {
	Key     *KeyShare
	Params  frost.ThresholdParameters
	Mapping *ceremony.PartyIdxMapping
}

// PublicKey returns the encoded aggregate key.
func (r *ResultInfo) PublicKey() []byte {
	return r.Key.AggKey.Bytes()
}

// KeyID identifies the key in the given epoch.
func (r *ResultInfo) KeyID(epoch uint32) ceremony.KeyID {
	return ceremony.KeyID{EpochIndex: epoch, PublicKey: r.PublicKey()}
}

// IsHolder reports whether this result carries a secret share.
func (r *ResultInfo) IsHolder() bool {
	return r.Key.Share != nil
}

// Zeroize wipes the secret share.
func (r *ResultInfo) Zeroize() {
	if r.Key != nil && r.Key.Share != nil {
		r.Key.Share.Zeroize()
	}
}

type resultRecord struct {
	Scheme          string                    `msgpack:"scheme"`
	AggKey          []byte                    `msgpack:"agg_key"`
	Share           []byte                    `msgpack:"share"`
	PartyPublicKeys []IdxValue                `msgpack:"party_public_keys"`
	Params          frost.ThresholdParameters `msgpack:"params"`
	Accounts        [][]byte                  `msgpack:"accounts"`
}

// Marshal encodes the result for persistent storage.
func (r *ResultInfo) Marshal(scheme *frost.FROST) ([]byte, error) {
	rec := resultRecord{
		Scheme: scheme.Name(),
		AggKey: r.Key.AggKey.Bytes(),
		Params: r.Params,
	}
	if r.Key.Share != nil {
		rec.Share = r.Key.Share.Bytes()
	}
	for _, idx := range frost.SortedIdxs(r.Key.PartyPublicKeys) {
		rec.PartyPublicKeys = append(rec.PartyPublicKeys, IdxValue{Idx: idx, Value: r.Key.PartyPublicKeys[idx].Bytes()})
	}
	for _, a := range r.Mapping.AccountIDs() {
		a := a
		rec.Accounts = append(rec.Accounts, a[:])
	}
	return wire.Marshal(&rec)
}

// UnmarshalResultInfo decodes a result stored with Marshal.
func UnmarshalResultInfo(scheme *frost.FROST, data []byte) (*ResultInfo, error) {
	var rec resultRecord
	if err := wire.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Scheme != scheme.Name() {
		return nil, errors.Errorf("key belongs to scheme %q, not %q", rec.Scheme, scheme.Name())
	}

	g := scheme.Group()
	aggKey, err := g.NewPoint().SetBytes(rec.AggKey)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate key")
	}
	key := &KeyShare{AggKey: aggKey, PartyPublicKeys: make(map[uint32]group.Point, len(rec.PartyPublicKeys))}
	if rec.Share != nil {
		if key.Share, err = decodeScalar(g, rec.Share); err != nil {
			return nil, errors.Wrap(err, "secret share")
		}
	}
	for _, pk := range rec.PartyPublicKeys {
		p, err := g.NewPoint().SetBytes(pk.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "public key of party %d", pk.Idx)
		}
		key.PartyPublicKeys[pk.Idx] = p
	}

	accounts := make([]ceremony.AccountID, len(rec.Accounts))
	for i, b := range rec.Accounts {
		if accounts[i], err = ceremony.AccountIDFromBytes(b); err != nil {
			return nil, err
		}
	}
	mapping, err := ceremony.NewPartyIdxMapping(accounts)
	if err != nil {
		return nil, err
	}

	return &ResultInfo{Key: key, Params: rec.Params, Mapping: mapping}, nil
}

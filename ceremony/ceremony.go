package ceremony

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// CeremonyID is assigned by the caller and strictly increases across all
// ceremonies run by a node.
type CeremonyID uint64

// AccountID identifies a validator.
type AccountID [32]byte

// String returns the hex encoding of the first bytes of the id.
func (a AccountID) String() string {
	return hex.EncodeToString(a[:4])
}

// AccountIDFromBytes copies b into an AccountID.
func AccountIDFromBytes(b []byte) (AccountID, error) {
	var id AccountID
	if len(b) != len(id) {
		return id, errors.Errorf("account id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Kind tells keygen and signing ceremonies apart on the wire.
type Kind uint8

const (
	KindKeygen Kind = iota + 1
	KindSigning
)

func (k Kind) String() string {
	switch k {
	case KindKeygen:
		return "keygen"
	case KindSigning:
		return "signing"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindKeygen || k == KindSigning
}

// PartyIdxMapping is an immutable bijection between the participants of a
// ceremony and the indices 1..n. Indices follow the byte order of the
// account ids.
type PartyIdxMapping struct {
	accounts []AccountID
	idxs     map[AccountID]uint32
}

// NewPartyIdxMapping builds the mapping for a set of participants.
func NewPartyIdxMapping(participants []AccountID) (*PartyIdxMapping, error) {
	if len(participants) == 0 {
		return nil, errors.New("empty participant set")
	}

	accounts := make([]AccountID, len(participants))
	copy(accounts, participants)
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})

	idxs := make(map[AccountID]uint32, len(accounts))
	for i, a := range accounts {
		if _, dup := idxs[a]; dup {
			return nil, errors.Errorf("duplicate participant %s", a)
		}
		idxs[a] = uint32(i + 1)
	}

	return &PartyIdxMapping{accounts: accounts, idxs: idxs}, nil
}

// Len returns the number of parties.
func (m *PartyIdxMapping) Len() int { return len(m.accounts) }

// IdxOf returns the index of an account.
func (m *PartyIdxMapping) IdxOf(id AccountID) (uint32, bool) {
	idx, ok := m.idxs[id]
	return idx, ok
}

// AccountOf returns the account at an index.
func (m *PartyIdxMapping) AccountOf(idx uint32) (AccountID, bool) {
	if idx == 0 || int(idx) > len(m.accounts) {
		return AccountID{}, false
	}
	return m.accounts[idx-1], true
}

// AccountIDs returns the participants in index order.
func (m *PartyIdxMapping) AccountIDs() []AccountID {
	out := make([]AccountID, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// Idxs returns 1..n.
func (m *PartyIdxMapping) Idxs() []uint32 {
	out := make([]uint32, len(m.accounts))
	for i := range out {
		out[i] = uint32(i + 1)
	}
	return out
}

// IdxsOf maps a set of accounts to their sorted indices. Unknown accounts
// are an error.
func (m *PartyIdxMapping) IdxsOf(ids []AccountID) ([]uint32, error) {
	out := make([]uint32, 0, len(ids))
	seen := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		idx, ok := m.idxs[id]
		if !ok {
			return nil, errors.Errorf("account %s is not a participant", id)
		}
		if _, dup := seen[idx]; dup {
			return nil, errors.Errorf("duplicate account %s", id)
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// AccountsOf maps indices back to accounts, skipping unknown indices.
func (m *PartyIdxMapping) AccountsOf(idxs []uint32) []AccountID {
	out := make([]AccountID, 0, len(idxs))
	for _, idx := range idxs {
		if a, ok := m.AccountOf(idx); ok {
			out = append(out, a)
		}
	}
	return out
}

// KeyID identifies a stored key.
type KeyID struct {
	EpochIndex uint32
	PublicKey  []byte
}

// Bytes returns epoch (u32 BE) followed by the public key bytes.
func (k KeyID) Bytes() []byte {
	out := make([]byte, 4+len(k.PublicKey))
	binary.BigEndian.PutUint32(out, k.EpochIndex)
	copy(out[4:], k.PublicKey)
	return out
}

// KeyIDFromBytes parses the output of KeyID.Bytes.
func KeyIDFromBytes(b []byte) (KeyID, error) {
	if len(b) < 4 {
		return KeyID{}, errors.Errorf("key id too short: %d bytes", len(b))
	}
	pk := make([]byte, len(b)-4)
	copy(pk, b[4:])
	return KeyID{EpochIndex: binary.BigEndian.Uint32(b), PublicKey: pk}, nil
}

// String is used as a map key by in-memory stores.
func (k KeyID) String() string {
	return fmt.Sprintf("%d-%s", k.EpochIndex, hex.EncodeToString(k.PublicKey))
}

// Equal reports whether two ids are identical.
func (k KeyID) Equal(o KeyID) bool {
	return k.EpochIndex == o.EpochIndex && bytes.Equal(k.PublicKey, o.PublicKey)
}

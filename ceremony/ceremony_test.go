package ceremony

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func account(b byte) AccountID {
	var a AccountID
	a[0] = b
	return a
}

func TestPartyIdxMapping(t *testing.T) {
	m, err := NewPartyIdxMapping([]AccountID{account(3), account(1), account(2)})
	require.NoError(t, err)

	t.Run("SortedIndices", func(t *testing.T) {
		for i, b := range []byte{1, 2, 3} {
			idx, ok := m.IdxOf(account(b))
			require.True(t, ok)
			assert.Equal(t, uint32(i+1), idx)

			a, ok := m.AccountOf(idx)
			require.True(t, ok)
			assert.Equal(t, account(b), a)
		}
		assert.Equal(t, []uint32{1, 2, 3}, m.Idxs())
		assert.Equal(t, 3, m.Len())
	})

	t.Run("Unknown", func(t *testing.T) {
		_, ok := m.IdxOf(account(9))
		assert.False(t, ok)
		_, ok = m.AccountOf(0)
		assert.False(t, ok)
		_, ok = m.AccountOf(4)
		assert.False(t, ok)

		_, err := m.IdxsOf([]AccountID{account(1), account(9)})
		require.Error(t, err)
	})

	t.Run("IdxsOf", func(t *testing.T) {
		idxs, err := m.IdxsOf([]AccountID{account(3), account(1)})
		require.NoError(t, err)
		assert.Equal(t, []uint32{1, 3}, idxs)
		assert.Equal(t, []AccountID{account(1), account(3)}, m.AccountsOf(idxs))
	})

	t.Run("Duplicate", func(t *testing.T) {
		_, err := NewPartyIdxMapping([]AccountID{account(1), account(1)})
		require.Error(t, err)
		_, err = NewPartyIdxMapping(nil)
		require.Error(t, err)
	})
}

func TestKeyID(t *testing.T) {
	id := KeyID{EpochIndex: 7, PublicKey: []byte{0x02, 0xaa, 0xbb}}
	encoded := id.Bytes()
	assert.Equal(t, []byte{0, 0, 0, 7, 0x02, 0xaa, 0xbb}, encoded)

	decoded, err := KeyIDFromBytes(encoded)
	require.NoError(t, err)
	assert.True(t, id.Equal(decoded))
	assert.Equal(t, "7-02aabb", decoded.String())

	_, err = KeyIDFromBytes([]byte{1, 2})
	require.Error(t, err)
}

func TestFailure(t *testing.T) {
	f := &Failure{
		Blamed: []AccountID{account(0xab)},
		Reason: ReasonInvalidCommitment,
		Stage:  "VerifyCoeffComm4",
	}
	assert.Equal(t, "ceremony failed: invalid_commitment in VerifyCoeffComm4, blamed [ab000000]", f.Error())

	var err error = NewFailure(ReasonUnknownKey)
	assert.Equal(t, "ceremony failed: unknown_key", err.Error())

	assert.Equal(t, "reason(200)", Reason(200).String())
	assert.Equal(t, "signing", KindSigning.String())
	assert.False(t, Kind(0).Valid())
}

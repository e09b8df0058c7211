package broadcast

import (
	"github.com/pkg/errors"

	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/wire"
)

// Echo is the payload of a verification stage: the values its sender
// received from every party in the preceding data stage. A nil entry means
// nothing was received from that party.
type Echo[M any] struct {
	Data map[uint32]*M `msgpack:"data"`
}

// Failure is a failed stage, blaming parties by index.
type Failure struct {
	Blamed []uint32
	Reason ceremony.Reason
}

// Verify decides, for each party in idxs, the value it broadcast in the
// data stage, given the echoes received in the verification stage. echoes
// holds nil for parties whose echo never arrived.
//
// A value is agreed when more than threshold echoes report it. Values are
// compared by their encoding. With threshold or fewer echoes the stage
// fails with ReasonBroadcastInsufficientVerificationMessages and only the
// parties no echo reported a value for are blamed.
func Verify[M any](threshold uint32, idxs []uint32, echoes map[uint32]*Echo[M]) (map[uint32]*M, *Failure) {
	senders := make([]uint32, 0, len(echoes))
	for _, sender := range frost.SortedIdxs(echoes) {
		if echoes[sender] != nil {
			senders = append(senders, sender)
		}
	}

	if uint32(len(senders)) <= threshold {
		var blamed []uint32
		for _, idx := range idxs {
			reported := false
			for _, sender := range senders {
				if echoes[sender].Data[idx] != nil {
					reported = true
					break
				}
			}
			if !reported {
				blamed = append(blamed, idx)
			}
		}
		return nil, &Failure{Blamed: blamed, Reason: ceremony.ReasonBroadcastInsufficientVerificationMessages}
	}

	agreed := make(map[uint32]*M, len(idxs))
	var blamed []uint32
	inconsistent := false
	for _, idx := range idxs {
		counts := make(map[string]uint32)
		values := make(map[string]*M)
		var reports uint32

		for _, sender := range senders {
			v := echoes[sender].Data[idx]
			if v == nil {
				continue
			}
			enc, err := wire.Marshal(v)
			if err != nil {
				continue
			}
			reports++
			counts[string(enc)]++
			if _, ok := values[string(enc)]; !ok {
				values[string(enc)] = v
			}
		}

		for enc, count := range counts {
			if count > threshold {
				agreed[idx] = values[enc]
				break
			}
		}
		if _, ok := agreed[idx]; !ok {
			blamed = append(blamed, idx)
			if reports > threshold {
				inconsistent = true
			}
		}
	}

	if len(blamed) > 0 {
		reason := ceremony.ReasonBroadcastInsufficientMessages
		if inconsistent {
			reason = ceremony.ReasonBroadcastInconsistency
		}
		return nil, &Failure{Blamed: blamed, Reason: reason}
	}
	return agreed, nil
}

// ValidateEcho checks that an echo reports on exactly the parties in idxs
// and that every reported value passes check. check may be nil.
func ValidateEcho[M any](e *Echo[M], idxs []uint32, check func(idx uint32, m *M) error) error {
	if len(e.Data) != len(idxs) {
		return errors.Errorf("echo reports %d parties, expected %d", len(e.Data), len(idxs))
	}
	for _, idx := range idxs {
		m, ok := e.Data[idx]
		if !ok {
			return errors.Errorf("echo is missing party %d", idx)
		}
		if m == nil || check == nil {
			continue
		}
		if err := check(idx, m); err != nil {
			return errors.Wrapf(err, "value of party %d", idx)
		}
	}
	return nil
}

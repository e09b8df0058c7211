// Package broadcasttest runs a set of ceremony stages against each other in
// memory, in lockstep rounds, for use in tests.
package broadcasttest

import (
	"github.com/f3rmion/multisig/broadcast"
	"github.com/f3rmion/multisig/frost"
)

// Interceptor may rewrite a payload in flight. Returning nil drops it.
type Interceptor func(from, to uint32, stage uint8, payload []byte) []byte

// Outcome is the terminal result of one party.
type Outcome[R any] struct {
	Value   R
	Failure *broadcast.Failure
	// Stage is the name of the stage the party terminated in.
	Stage string
}

type delivery struct {
	from    uint32
	stage   uint8
	payload []byte
}

// Run drives every party's stages to completion. In each round all active
// parties initialize their stage, every outgoing payload is delivered to
// recipients currently in the same stage, and all stages are finalized.
// intercept may be nil.
func Run[R any](stages map[uint32]broadcast.Stage[R], intercept Interceptor) map[uint32]Outcome[R] {
	outcomes := make(map[uint32]Outcome[R], len(stages))
	active := stages

	for len(active) > 0 {
		inbox := make(map[uint32][]delivery)
		for _, from := range frost.SortedIdxs(active) {
			s := active[from]
			for _, out := range s.Init() {
				for _, to := range out.To {
					payload := out.Payload
					if intercept != nil {
						payload = intercept(from, to, s.Number(), payload)
					}
					if payload == nil {
						continue
					}
					inbox[to] = append(inbox[to], delivery{from: from, stage: s.Number(), payload: payload})
				}
			}
		}

		for to, msgs := range inbox {
			s, ok := active[to]
			if !ok {
				continue
			}
			for _, m := range msgs {
				if m.stage == s.Number() {
					_ = s.ProcessMessage(m.from, m.payload)
				}
			}
		}

		next := make(map[uint32]broadcast.Stage[R], len(active))
		for idx, s := range active {
			res := s.Finalize()
			if n, ok := res.Next(); ok {
				next[idx] = n
				continue
			}
			if v, ok := res.Value(); ok {
				outcomes[idx] = Outcome[R]{Value: v, Stage: s.Name()}
				continue
			}
			outcomes[idx] = Outcome[R]{Failure: res.Failure(), Stage: s.Name()}
		}
		active = next
	}
	return outcomes
}

// DropFrom drops every payload sent by the given party.
func DropFrom(party uint32) Interceptor {
	return func(from, _ uint32, _ uint8, payload []byte) []byte {
		if from == party {
			return nil
		}
		return payload
	}
}

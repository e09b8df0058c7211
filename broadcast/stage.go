package broadcast

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/wire"
)

// Common is the per-ceremony context shared by every stage.
type Common struct {
	CeremonyID ceremony.CeremonyID
	OwnIdx     uint32
	// AllIdxs are the indices of every participant, sorted.
	AllIdxs []uint32
	Rand    io.Reader
	Logger  *zap.Logger
	// Cleanup wipes the ceremony's secret material. It runs once the
	// ceremony terminates or is aborted, and may run more than once.
	Cleanup func()
}

// Threshold is the number of faulty parties tolerated by broadcast
// verification among the participants.
func (c *Common) Threshold() uint32 {
	return frost.ThresholdFromShareCount(uint32(len(c.AllIdxs)))
}

func (c *Common) cleanup() {
	if c.Cleanup != nil {
		c.Cleanup()
	}
}

// IsParticipant reports whether idx takes part in the ceremony.
func (c *Common) IsParticipant(idx uint32) bool {
	return contains(c.AllIdxs, idx)
}

// Others returns every participant except ourselves.
func (c *Common) Others() []uint32 {
	out := make([]uint32, 0, len(c.AllIdxs))
	for _, idx := range c.AllIdxs {
		if idx != c.OwnIdx {
			out = append(out, idx)
		}
	}
	return out
}

// Outgoing is an encoded stage payload addressed to parties by index.
type Outgoing struct {
	To      []uint32
	Payload []byte
}

// Result is what a stage yields when finalized: exactly one of the next
// stage, the ceremony output or a failure.
type Result[R any] struct {
	next    Stage[R]
	done    bool
	value   R
	failure *Failure
}

// NextStage continues the ceremony with s.
func NextStage[R any](s Stage[R]) Result[R] {
	return Result[R]{next: s}
}

// Done completes the ceremony.
func Done[R any](value R) Result[R] {
	return Result[R]{done: true, value: value}
}

// Error fails the ceremony.
func Error[R any](reason ceremony.Reason, blamed []uint32) Result[R] {
	return Result[R]{failure: &Failure{Blamed: blamed, Reason: reason}}
}

// Next returns the following stage, if any.
func (r Result[R]) Next() (Stage[R], bool) {
	return r.next, r.next != nil
}

// Value returns the ceremony output, if any.
func (r Result[R]) Value() (R, bool) {
	return r.value, r.done
}

// Failure returns the failure, if any.
func (r Result[R]) Failure() *Failure {
	return r.failure
}

// Stage is one round of a ceremony. Stages are only built by this package,
// so the set of stage shapes is closed.
type Stage[R any] interface {
	// Number is the stage number carried on the wire.
	Number() uint8
	Name() string
	// Init computes the stage's own data and returns what to send.
	Init() []Outgoing
	// ProcessMessage stores a peer's payload. Malformed, unexpected and
	// duplicate payloads are rejected with an error and not stored.
	ProcessMessage(sender uint32, payload []byte) error
	// Ready reports whether every expected message has arrived.
	Ready() bool
	// Awaiting lists the parties that have not sent their message yet.
	Awaiting() []uint32
	// Finalize processes the collected messages. It may be called before
	// Ready, in which case missing messages are nil.
	Finalize() Result[R]
	// Abort ends the ceremony without finalizing.
	Abort()

	sealed()
}

// DataToSend is a stage's own contribution: either one broadcast value or
// a private value per recipient.
type DataToSend[M any] struct {
	Broadcast *M
	Private   map[uint32]*M
}

// Processor supplies the protocol logic of a BroadcastStage.
type Processor[M, R any] interface {
	Init() DataToSend[M]
	Process(messages map[uint32]*M) Result[R]
}

// MessageValidator is implemented by processors that check the shape of
// a payload (cardinality, encodings) before it is stored.
type MessageValidator[M any] interface {
	ValidateMessage(sender uint32, m *M) error
}

// BroadcastStage collects one message of type M from every expected sender
// and hands them to its Processor.
type BroadcastStage[M, R any] struct {
	common    *Common
	number    uint8
	name      string
	processor Processor[M, R]
	senders   []uint32
	messages  map[uint32]*M
}

// NewStage creates a stage expecting a message from every participant.
func NewStage[M, R any](c *Common, number uint8, name string, p Processor[M, R]) *BroadcastStage[M, R] {
	return &BroadcastStage[M, R]{
		common:    c,
		number:    number,
		name:      name,
		processor: p,
		senders:   c.AllIdxs,
		messages:  make(map[uint32]*M),
	}
}

// ExpectFrom restricts the parties the stage waits for.
func (s *BroadcastStage[M, R]) ExpectFrom(senders []uint32) *BroadcastStage[M, R] {
	s.senders = senders
	return s
}

func (s *BroadcastStage[M, R]) Number() uint8 { return s.number }

func (s *BroadcastStage[M, R]) Name() string { return s.name }

func (s *BroadcastStage[M, R]) sealed() {}

func (s *BroadcastStage[M, R]) Init() []Outgoing {
	data := s.processor.Init()
	own := s.common.OwnIdx

	var out []Outgoing
	switch {
	case data.Broadcast != nil:
		if contains(s.senders, own) {
			s.messages[own] = data.Broadcast
		}
		if others := s.common.Others(); len(others) > 0 {
			out = append(out, Outgoing{To: others, Payload: mustMarshal(data.Broadcast)})
		}
	case data.Private != nil:
		for _, idx := range frost.SortedIdxs(data.Private) {
			m := data.Private[idx]
			if idx == own {
				if contains(s.senders, own) {
					s.messages[own] = m
				}
				continue
			}
			out = append(out, Outgoing{To: []uint32{idx}, Payload: mustMarshal(m)})
		}
	}
	return out
}

func (s *BroadcastStage[M, R]) ProcessMessage(sender uint32, payload []byte) error {
	if !contains(s.senders, sender) {
		return errors.Errorf("party %d is not expected to send in %s", sender, s.name)
	}
	if _, dup := s.messages[sender]; dup {
		return errors.Errorf("duplicate message from party %d in %s", sender, s.name)
	}

	m := new(M)
	if err := wire.Unmarshal(payload, m); err != nil {
		return errors.Wrapf(err, "decode %s", s.name)
	}
	if v, ok := s.processor.(MessageValidator[M]); ok {
		if err := v.ValidateMessage(sender, m); err != nil {
			return errors.Wrapf(err, "invalid %s", s.name)
		}
	}

	s.messages[sender] = m
	return nil
}

func (s *BroadcastStage[M, R]) Ready() bool {
	return len(s.messages) == len(s.senders)
}

func (s *BroadcastStage[M, R]) Awaiting() []uint32 {
	var out []uint32
	for _, idx := range s.senders {
		if _, ok := s.messages[idx]; !ok {
			out = append(out, idx)
		}
	}
	return out
}

func (s *BroadcastStage[M, R]) Finalize() Result[R] {
	full := make(map[uint32]*M, len(s.senders))
	for _, idx := range s.senders {
		full[idx] = s.messages[idx]
	}
	res := s.processor.Process(full)
	if _, ok := res.Next(); !ok {
		s.common.cleanup()
	}
	return res
}

func (s *BroadcastStage[M, R]) Abort() {
	s.common.cleanup()
}

// mustMarshal panics on failure: stage payloads are plain structs and
// always encode.
func mustMarshal(v interface{}) []byte {
	data, err := wire.Marshal(v)
	if err != nil {
		panic(errors.Wrap(err, "encode own stage payload"))
	}
	return data
}

func contains(idxs []uint32, idx uint32) bool {
	for _, i := range idxs {
		if i == idx {
			return true
		}
	}
	return false
}

package session

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/f3rmion/multisig/broadcast"
	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/metrics"
	"github.com/f3rmion/multisig/wire"
)

// DefaultMaxStageDuration bounds how long a stage waits for its messages.
const DefaultMaxStageDuration = 30 * time.Second

const messageBuffer = 64

var (
	// ErrAlreadyAuthorised is returned by a second Authorise.
	ErrAlreadyAuthorised = errors.New("ceremony already authorised")
	// ErrEnded is returned when authorising a runner that has finished.
	ErrEnded = errors.New("ceremony has ended")
)

// Config describes the ceremony a Runner drives.
type Config struct {
	CeremonyID       ceremony.CeremonyID
	Kind             ceremony.Kind
	MaxStageDuration time.Duration
	// IsInitialStage reports which stages may be buffered before the
	// ceremony is authorised.
	IsInitialStage func(stage uint8) bool
	// Outgoing receives the encoded messages of every stage.
	Outgoing chan<- wire.Outgoing
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Message is a stage payload received from a peer.
type Message struct {
	Sender  ceremony.AccountID
	Stage   uint8
	Payload []byte
}

// Request authorises a ceremony with its first stage and the mapping of
// the stage's party indices to accounts.
type Request[R any] struct {
	Stage   broadcast.Stage[R]
	Mapping *ceremony.PartyIdxMapping
}

// Outcome is the terminal result of a ceremony: a value or a failure.
type Outcome[R any] struct {
	Result  R
	Failure *ceremony.Failure
}

type event[R any] struct {
	msg    *Message
	req    *Request[R]
	expire ceremony.Reason
}

// Runner is the state machine of one ceremony.
type Runner[R any] struct {
	cfg    Config
	logger *zap.Logger

	// inbox keeps requests, messages and expiries in the order the caller
	// issued them.
	inbox chan event[R]
	done  chan struct{}

	mu         sync.Mutex
	authorised bool

	// delayed holds at most one message per sender: initial-stage messages
	// while unauthorised, next-stage messages afterwards.
	delayed    map[ceremony.AccountID]Message
	stage      broadcast.Stage[R]
	mapping    *ceremony.PartyIdxMapping
	deadline   time.Time
	stageStart time.Time
}

// New creates an unauthorised runner. Run must be called to start it.
func New[R any](cfg Config) *Runner[R] {
	if cfg.MaxStageDuration <= 0 {
		cfg.MaxStageDuration = DefaultMaxStageDuration
	}
	if cfg.IsInitialStage == nil {
		cfg.IsInitialStage = func(uint8) bool { return false }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner[R]{
		cfg: cfg,
		logger: logger.Named("runner").With(
			zap.Uint64("ceremony_id", uint64(cfg.CeremonyID)),
			zap.Stringer("kind", cfg.Kind),
		),
		inbox:   make(chan event[R], messageBuffer),
		done:    make(chan struct{}),
		delayed: make(map[ceremony.AccountID]Message),
	}
}

// Authorise starts the ceremony. It may be called once.
func (r *Runner[R]) Authorise(req Request[R]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.authorised {
		return ErrAlreadyAuthorised
	}
	if req.Stage == nil || req.Mapping == nil {
		return errors.New("request without stage or mapping")
	}
	select {
	case <-r.done:
		return ErrEnded
	default:
	}
	select {
	case r.inbox <- event[R]{req: &req}:
		r.authorised = true
		return nil
	case <-r.done:
		return ErrEnded
	}
}

// Deliver queues a peer message. It gives up when the runner has finished
// or ctx is done.
func (r *Runner[R]) Deliver(ctx context.Context, m Message) {
	select {
	case r.inbox <- event[R]{msg: &m}:
	case <-r.done:
	case <-ctx.Done():
	}
}

// Expire ends an unauthorised ceremony with reason, blaming the parties
// whose messages were buffered. It has no effect once authorised.
func (r *Runner[R]) Expire(reason ceremony.Reason) {
	select {
	case r.inbox <- event[R]{expire: reason}:
	case <-r.done:
	}
}

// Done is closed when Run returns.
func (r *Runner[R]) Done() <-chan struct{} {
	return r.done
}

// Run drives the ceremony until it terminates. It returns an error only
// when ctx is done first, in which case the current stage is aborted.
func (r *Runner[R]) Run(ctx context.Context) (Outcome[R], error) {
	defer close(r.done)

	state := metrics.StateUnauthorised
	r.cfg.Metrics.CeremonyActive(r.cfg.Kind, state, 1)
	defer func() { r.cfg.Metrics.CeremonyActive(r.cfg.Kind, state, -1) }()

	timer := time.NewTimer(r.cfg.MaxStageDuration)
	timer.Stop()
	defer timer.Stop()
	var timeout <-chan time.Time

	for {
		var (
			out *Outcome[R]
			err error
		)

		select {
		case <-ctx.Done():
			if r.stage != nil {
				r.stage.Abort()
			}
			return Outcome[R]{}, ctx.Err()

		case ev := <-r.inbox:
			switch {
			case ev.req != nil:
				r.cfg.Metrics.CeremonyActive(r.cfg.Kind, state, -1)
				state = metrics.StateAuthorised
				r.cfg.Metrics.CeremonyActive(r.cfg.Kind, state, 1)
				r.cfg.Metrics.CeremonyStarted(r.cfg.Kind)
				out, err = r.authorise(ctx, *ev.req)
				timeout = timer.C

			case ev.msg != nil && r.stage == nil:
				r.delay(*ev.msg)

			case ev.msg != nil:
				r.route(*ev.msg)
				out, err = r.progress(ctx)

			case r.stage == nil:
				out = r.expired(ev.expire)

			default:
				r.logger.Debug("ignoring expiry of an authorised ceremony", zap.Stringer("reason", ev.expire))
			}

		case <-timeout:
			r.logger.Debug("stage timed out", zap.String("stage", r.stage.Name()), zap.Any("awaiting", r.stage.Awaiting()))
			out, err = r.finalize(ctx)
			if out == nil && err == nil {
				out, err = r.progress(ctx)
			}
		}

		if err != nil {
			if r.stage != nil {
				r.stage.Abort()
			}
			return Outcome[R]{}, err
		}
		if out != nil {
			r.cfg.Metrics.CeremonyFinished(r.cfg.Kind, out.Failure)
			if out.Failure != nil {
				r.logger.Warn("ceremony failed", zap.Error(out.Failure))
			} else {
				r.logger.Info("ceremony completed")
			}
			return *out, nil
		}
		if r.stage != nil {
			timer.Reset(time.Until(r.deadline))
		}
	}
}

func (r *Runner[R]) authorise(ctx context.Context, req Request[R]) (*Outcome[R], error) {
	r.stage = req.Stage
	r.mapping = req.Mapping
	r.deadline = time.Now().Add(r.cfg.MaxStageDuration)
	r.logger.Debug("ceremony authorised", zap.Int("delayed", len(r.delayed)))

	if err := r.initStage(ctx); err != nil {
		return nil, err
	}
	return r.progress(ctx)
}

// delay buffers an initial-stage message of an unauthorised ceremony.
func (r *Runner[R]) delay(m Message) {
	if !r.cfg.IsInitialStage(m.Stage) {
		r.logger.Debug("dropping non-initial message of unauthorised ceremony",
			zap.Stringer("sender", m.Sender), zap.Uint8("stage", m.Stage))
		r.cfg.Metrics.MessageDropped(r.cfg.Kind)
		return
	}
	if _, ok := r.delayed[m.Sender]; ok {
		r.logger.Debug("overwriting delayed message", zap.Stringer("sender", m.Sender))
	}
	r.delayed[m.Sender] = m
}

// route hands a message to the current stage, holds it back for the next
// one, or drops it.
func (r *Runner[R]) route(m Message) {
	idx, ok := r.mapping.IdxOf(m.Sender)
	if !ok {
		r.logger.Warn("dropping message from non-participant", zap.Stringer("sender", m.Sender))
		r.cfg.Metrics.MessageDropped(r.cfg.Kind)
		return
	}

	switch current := r.stage.Number(); m.Stage {
	case current:
		if err := r.stage.ProcessMessage(idx, m.Payload); err != nil {
			r.logger.Warn("rejected stage message", zap.Stringer("sender", m.Sender), zap.Error(err))
			r.cfg.Metrics.MessageDropped(r.cfg.Kind)
		}
	case current + 1:
		r.delayed[m.Sender] = m
	default:
		r.logger.Debug("dropping message for another stage",
			zap.Stringer("sender", m.Sender), zap.Uint8("stage", m.Stage), zap.Uint8("current", current))
		r.cfg.Metrics.MessageDropped(r.cfg.Kind)
	}
}

// initStage sends the current stage's messages and replays the ones held
// back for it.
func (r *Runner[R]) initStage(ctx context.Context) error {
	r.stageStart = time.Now()
	r.logger.Debug("entering stage", zap.String("stage", r.stage.Name()))

	for _, out := range r.stage.Init() {
		data, err := wire.Encode(&wire.Message{
			CeremonyID: r.cfg.CeremonyID,
			Kind:       r.cfg.Kind,
			Stage:      r.stage.Number(),
			Payload:    out.Payload,
		})
		if err != nil {
			return errors.Wrap(err, "encode outgoing message")
		}
		msg := wire.Outgoing{Recipients: r.mapping.AccountsOf(out.To), Data: data}
		select {
		case r.cfg.Outgoing <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	delayed := r.delayed
	r.delayed = make(map[ceremony.AccountID]Message)
	for _, m := range delayed {
		r.route(m)
	}
	return nil
}

// progress finalizes stages for as long as they are ready.
func (r *Runner[R]) progress(ctx context.Context) (*Outcome[R], error) {
	for r.stage.Ready() {
		out, err := r.finalize(ctx)
		if out != nil || err != nil {
			return out, err
		}
	}
	return nil, nil
}

// finalize ends the current stage, ready or not.
func (r *Runner[R]) finalize(ctx context.Context) (*Outcome[R], error) {
	res := r.stage.Finalize()
	r.cfg.Metrics.ObserveStage(r.cfg.Kind, r.stage.Name(), time.Since(r.stageStart))

	if next, ok := res.Next(); ok {
		r.stage = next
		r.deadline = r.deadline.Add(r.cfg.MaxStageDuration)
		return nil, r.initStage(ctx)
	}
	if v, ok := res.Value(); ok {
		return &Outcome[R]{Result: v}, nil
	}
	f := res.Failure()
	return &Outcome[R]{Failure: &ceremony.Failure{
		Blamed: r.mapping.AccountsOf(f.Blamed),
		Reason: f.Reason,
		Stage:  r.stage.Name(),
	}}, nil
}

func (r *Runner[R]) expired(reason ceremony.Reason) *Outcome[R] {
	blamed := make([]ceremony.AccountID, 0, len(r.delayed))
	for sender := range r.delayed {
		blamed = append(blamed, sender)
	}
	sort.Slice(blamed, func(i, j int) bool {
		return bytes.Compare(blamed[i][:], blamed[j][:]) < 0
	})
	return &Outcome[R]{Failure: &ceremony.Failure{Blamed: blamed, Reason: reason}}
}

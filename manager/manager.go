// Package manager routes ceremony requests and peer messages to the runner
// of each ceremony.
//
// All routing state is owned by a single loop started with Run. Runners
// are started on demand: by a local request, or by the first peer message
// for a ceremony id just ahead of the latest one seen. The latter stay
// unauthorised until the matching request arrives, and are expired once
// the latest ceremony id moves past them.
package manager

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/f3rmion/multisig/broadcast"
	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/keygen"
	"github.com/f3rmion/multisig/metrics"
	"github.com/f3rmion/multisig/session"
	"github.com/f3rmion/multisig/signing"
	"github.com/f3rmion/multisig/wire"
)

// DefaultIDWindow is how far ahead of the latest ceremony id peer messages
// may start an unauthorised ceremony.
const DefaultIDWindow = 6000

const outgoingBuffer = 256

var (
	// ErrDuplicateRequest is returned for a ceremony id that was already
	// requested.
	ErrDuplicateRequest = errors.New("ceremony already requested")
	// ErrStaleCeremonyID is returned for a ceremony id at or below the
	// latest one seen.
	ErrStaleCeremonyID = errors.New("stale ceremony id")
	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("manager stopped")
)

// Details describes the ceremony of a Request: *KeygenDetails or
// *SigningDetails.
type Details interface {
	kind() ceremony.Kind
}

// KeygenDetails requests a key generation, or a key handover when
// Handover is set.
type KeygenDetails struct {
	// Participants are all parties of the ceremony; for a handover, the
	// union of the sharing and receiving parties.
	Participants []ceremony.AccountID
	Handover     *HandoverDetails
}

func (*KeygenDetails) kind() ceremony.Kind { return ceremony.KindKeygen }

// HandoverDetails moves a key from the sharing to the receiving parties.
type HandoverDetails struct {
	Sharing   []ceremony.AccountID
	Receiving []ceremony.AccountID
	// Key is our share of the key, required when we are sharing.
	Key *keygen.ResultInfo
}

// SigningDetails requests signatures over a batch of payloads whose keys
// are held by the same parties.
type SigningDetails struct {
	Signers  []ceremony.AccountID
	Payloads []signing.Payload
}

func (*SigningDetails) kind() ceremony.Kind { return ceremony.KindSigning }

// Request asks for a ceremony. A nil Details only advances the latest
// ceremony id.
type Request struct {
	CeremonyID ceremony.CeremonyID
	Details    Details
}

// Result is the outcome of a requested ceremony. Exactly one of Key,
// Signatures and Failure is set.
type Result struct {
	CeremonyID ceremony.CeremonyID
	Key        *keygen.ResultInfo
	Signatures []*frost.Signature
	Failure    *ceremony.Failure
}

// Config configures a Manager.
type Config struct {
	Self             ceremony.AccountID
	Scheme           *frost.FROST
	MaxStageDuration time.Duration
	IDWindow         uint64
	Rand             io.Reader
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Manager is the routing table of a node's ceremonies.
type Manager struct {
	cfg      Config
	logger   *zap.Logger
	cmds     chan func(ctx context.Context)
	outgoing chan wire.Outgoing
	stopped  chan struct{}

	// Owned by the loop.
	group    *errgroup.Group
	latest   ceremony.CeremonyID
	reserved map[ceremony.CeremonyID]struct{}
	keygens  map[ceremony.CeremonyID]*entry[*keygen.ResultInfo]
	signings map[ceremony.CeremonyID]*entry[[]*frost.Signature]
}

type entry[R any] struct {
	runner     *session.Runner[R]
	authorised bool
	// result receives the outcome when someone asked for it.
	result chan Result
}

// New creates a manager. Run must be called before any other method.
func New(cfg Config) *Manager {
	if cfg.IDWindow == 0 {
		cfg.IDWindow = DefaultIDWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.Named("manager"),
		cmds:     make(chan func(ctx context.Context)),
		outgoing: make(chan wire.Outgoing, outgoingBuffer),
		stopped:  make(chan struct{}),
		reserved: make(map[ceremony.CeremonyID]struct{}),
		keygens:  make(map[ceremony.CeremonyID]*entry[*keygen.ResultInfo]),
		signings: make(map[ceremony.CeremonyID]*entry[[]*frost.Signature]),
	}
}

// Outgoing yields the messages to send to peers.
func (m *Manager) Outgoing() <-chan wire.Outgoing {
	return m.outgoing
}

// Run runs the routing loop and every ceremony until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	m.group = g
	g.Go(func() error {
		defer close(m.stopped)
		for {
			select {
			case cmd := <-m.cmds:
				cmd(ctx)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	return g.Wait()
}

// do runs f on the loop and waits for it.
func (m *Manager) do(ctx context.Context, f func(ctx context.Context)) error {
	done := make(chan struct{})
	select {
	case m.cmds <- func(ctx context.Context) { f(ctx); close(done) }:
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Submit starts a requested ceremony. The returned channel yields its
// single result; it is closed without a result for a nil Details.
func (m *Manager) Submit(ctx context.Context, req Request) (<-chan Result, error) {
	res := make(chan Result, 1)
	var err error
	if doErr := m.do(ctx, func(ctx context.Context) { err = m.submit(ctx, req, res) }); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateLatestCeremonyID records a ceremony we do not take part in. An
// unauthorised ceremony with that id ends with
// ReasonNotParticipatingInUnauthorisedCeremony.
func (m *Manager) UpdateLatestCeremonyID(ctx context.Context, id ceremony.CeremonyID) error {
	return m.do(ctx, func(context.Context) { m.updateLatest(id, nil) })
}

// Reserve advances the latest ceremony id to id while keeping the ceremony
// open for a later Submit. Peer messages for it are buffered meanwhile.
func (m *Manager) Reserve(ctx context.Context, id ceremony.CeremonyID) error {
	var err error
	if doErr := m.do(ctx, func(context.Context) {
		if id <= m.latest {
			err = ErrStaleCeremonyID
			return
		}
		m.advance(id)
		m.reserved[id] = struct{}{}
	}); doErr != nil {
		return doErr
	}
	return err
}

// Release gives up a reserved ceremony id.
func (m *Manager) Release(ctx context.Context, id ceremony.CeremonyID) error {
	return m.do(ctx, func(context.Context) {
		delete(m.reserved, id)
		m.expireAt(id, ceremony.ReasonExpiredBeforeBeingAuthorised, nil)
	})
}

// HandleMessage routes a message received from sender.
func (m *Manager) HandleMessage(ctx context.Context, sender ceremony.AccountID, data []byte) error {
	msg, err := wire.Decode(data)
	if err != nil {
		m.logger.Warn("dropping undecodable message", zap.Stringer("sender", sender), zap.Error(err))
		return err
	}
	return m.do(ctx, func(ctx context.Context) { m.route(ctx, sender, msg) })
}

// LatestCeremonyID returns the highest ceremony id seen in a request.
func (m *Manager) LatestCeremonyID(ctx context.Context) (ceremony.CeremonyID, error) {
	var id ceremony.CeremonyID
	err := m.do(ctx, func(context.Context) { id = m.latest })
	return id, err
}

func (m *Manager) route(ctx context.Context, sender ceremony.AccountID, msg *wire.Message) {
	switch msg.Kind {
	case ceremony.KindKeygen:
		deliver(ctx, m, m.keygens, ceremony.KindKeygen, sender, msg, keygen.IsInitialStage, keygenResult)
	case ceremony.KindSigning:
		deliver(ctx, m, m.signings, ceremony.KindSigning, sender, msg, signing.IsInitialStage, signingResult)
	}
}

// acceptsUnauthorised reports whether a peer message may start a ceremony
// with id.
func (m *Manager) acceptsUnauthorised(id ceremony.CeremonyID) bool {
	if _, ok := m.reserved[id]; ok {
		return true
	}
	return id > m.latest && uint64(id-m.latest) <= m.cfg.IDWindow
}

func deliver[R any](
	ctx context.Context,
	m *Manager,
	table map[ceremony.CeremonyID]*entry[R],
	kind ceremony.Kind,
	sender ceremony.AccountID,
	msg *wire.Message,
	isInitial func(uint8) bool,
	convert func(session.Outcome[R]) Result,
) {
	e, ok := table[msg.CeremonyID]
	if !ok {
		if !m.acceptsUnauthorised(msg.CeremonyID) {
			m.logger.Debug("dropping message outside the ceremony id window",
				zap.Uint64("ceremony_id", uint64(msg.CeremonyID)), zap.Uint64("latest", uint64(m.latest)))
			m.cfg.Metrics.MessageDropped(kind)
			return
		}
		e = spawn(ctx, m, table, msg.CeremonyID, kind, isInitial, convert)
	}
	e.runner.Deliver(ctx, session.Message{Sender: sender, Stage: msg.Stage, Payload: msg.Payload})
}

// spawn starts an unauthorised runner for id.
func spawn[R any](
	ctx context.Context,
	m *Manager,
	table map[ceremony.CeremonyID]*entry[R],
	id ceremony.CeremonyID,
	kind ceremony.Kind,
	isInitial func(uint8) bool,
	convert func(session.Outcome[R]) Result,
) *entry[R] {
	r := session.New[R](session.Config{
		CeremonyID:       id,
		Kind:             kind,
		MaxStageDuration: m.cfg.MaxStageDuration,
		IsInitialStage:   isInitial,
		Outgoing:         m.outgoing,
		Logger:           m.cfg.Logger,
		Metrics:          m.cfg.Metrics,
	})
	e := &entry[R]{runner: r}
	table[id] = e

	m.group.Go(func() error {
		out, err := r.Run(ctx)
		if err != nil {
			return nil
		}
		res := convert(out)
		res.CeremonyID = id
		finish := func(context.Context) {
			if table[id] == e {
				delete(table, id)
			}
			if e.result != nil {
				e.result <- res
				close(e.result)
			}
		}
		select {
		case m.cmds <- finish:
		case <-ctx.Done():
		}
		return nil
	})
	return e
}

func keygenResult(out session.Outcome[*keygen.ResultInfo]) Result {
	return Result{Key: out.Result, Failure: out.Failure}
}

func signingResult(out session.Outcome[[]*frost.Signature]) Result {
	return Result{Signatures: out.Result, Failure: out.Failure}
}

func (m *Manager) submit(ctx context.Context, req Request, res chan Result) error {
	id := req.CeremonyID
	if req.Details == nil {
		m.updateLatest(id, nil)
		close(res)
		return nil
	}

	if id <= m.latest {
		if _, ok := m.reserved[id]; !ok {
			if isAuthorised(m.keygens, id) || isAuthorised(m.signings, id) {
				return ErrDuplicateRequest
			}
			return ErrStaleCeremonyID
		}
		delete(m.reserved, id)
	} else {
		m.advance(id)
	}

	var err error
	switch d := req.Details.(type) {
	case *KeygenDetails:
		err = m.startKeygen(ctx, id, d, res)
	case *SigningDetails:
		err = m.startSigning(ctx, id, d, res)
	default:
		err = errors.Errorf("unsupported ceremony details %T", req.Details)
	}
	if err != nil {
		m.expireAt(id, ceremony.ReasonExpiredBeforeBeingAuthorised, nil)
	}
	return err
}

func (m *Manager) common(id ceremony.CeremonyID, own uint32, idxs []uint32) *broadcast.Common {
	return &broadcast.Common{
		CeremonyID: id,
		OwnIdx:     own,
		AllIdxs:    idxs,
		Rand:       m.cfg.Rand,
		Logger:     m.cfg.Logger.With(zap.Uint64("ceremony_id", uint64(id))),
	}
}

func (m *Manager) startKeygen(ctx context.Context, id ceremony.CeremonyID, d *KeygenDetails, res chan Result) error {
	mapping, err := ceremony.NewPartyIdxMapping(d.Participants)
	if err != nil {
		return errors.Wrap(err, "keygen participants")
	}
	own, ok := mapping.IdxOf(m.cfg.Self)
	if !ok {
		m.notParticipating(id, res)
		return nil
	}

	var rc *keygen.ResharingContext
	if h := d.Handover; h != nil {
		rc, err = keygen.NewResharingContext(m.cfg.Scheme, mapping, m.cfg.Self, h.Sharing, h.Receiving, h.Key)
		if err != nil {
			return errors.Wrap(err, "key handover")
		}
	}
	stage, err := keygen.New(keygen.Setup{
		Common:    m.common(id, own, mapping.Idxs()),
		Scheme:    m.cfg.Scheme,
		Mapping:   mapping,
		Resharing: rc,
	})
	if err != nil {
		return err
	}

	expireUnauthorised(m.signings, id, ceremony.ReasonExpiredBeforeBeingAuthorised, nil)
	e, ok := m.keygens[id]
	if !ok {
		e = spawn(ctx, m, m.keygens, id, ceremony.KindKeygen, keygen.IsInitialStage, keygenResult)
	}
	e.authorised = true
	e.result = res
	return e.runner.Authorise(session.Request[*keygen.ResultInfo]{Stage: stage, Mapping: mapping})
}

func (m *Manager) startSigning(ctx context.Context, id ceremony.CeremonyID, d *SigningDetails, res chan Result) error {
	if len(d.Payloads) == 0 || d.Payloads[0].Key == nil {
		return errors.New("signing request without payloads")
	}
	mapping := d.Payloads[0].Key.Mapping
	own, ok := mapping.IdxOf(m.cfg.Self)
	if !ok || !containsAccount(d.Signers, m.cfg.Self) {
		m.notParticipating(id, res)
		return nil
	}
	signers, err := mapping.IdxsOf(d.Signers)
	if err != nil {
		return errors.Wrap(err, "signers")
	}
	stage, err := signing.New(signing.Setup{
		Common:   m.common(id, own, signers),
		Scheme:   m.cfg.Scheme,
		Payloads: d.Payloads,
	})
	if err != nil {
		return err
	}

	expireUnauthorised(m.keygens, id, ceremony.ReasonExpiredBeforeBeingAuthorised, nil)
	e, ok := m.signings[id]
	if !ok {
		e = spawn(ctx, m, m.signings, id, ceremony.KindSigning, signing.IsInitialStage, signingResult)
	}
	e.authorised = true
	e.result = res
	return e.runner.Authorise(session.Request[[]*frost.Signature]{Stage: stage, Mapping: mapping})
}

// notParticipating handles a request that does not include us. The
// requester learns which peers started the ceremony anyway.
func (m *Manager) notParticipating(id ceremony.CeremonyID, res chan Result) {
	m.logger.Debug("not participating in ceremony", zap.Uint64("ceremony_id", uint64(id)))
	if m.updateLatest(id, res) {
		return
	}
	res <- Result{CeremonyID: id, Failure: ceremony.NewFailure(ceremony.ReasonInvalidParticipants)}
	close(res)
}

// updateLatest advances the latest ceremony id and ends an unauthorised
// ceremony with exactly that id. It reports whether one was found; res, if
// set, then receives its outcome.
func (m *Manager) updateLatest(id ceremony.CeremonyID, res chan Result) bool {
	if id > m.latest {
		m.advance(id)
	}
	delete(m.reserved, id)
	return m.expireAt(id, ceremony.ReasonNotParticipatingInUnauthorisedCeremony, res)
}

// advance moves the latest ceremony id forward and expires the
// unauthorised ceremonies it passes.
func (m *Manager) advance(id ceremony.CeremonyID) {
	m.latest = id
	for _, old := range staleIDs(m.keygens, id, m.reserved) {
		expireUnauthorised(m.keygens, old, ceremony.ReasonExpiredBeforeBeingAuthorised, nil)
	}
	for _, old := range staleIDs(m.signings, id, m.reserved) {
		expireUnauthorised(m.signings, old, ceremony.ReasonExpiredBeforeBeingAuthorised, nil)
	}
}

func (m *Manager) expireAt(id ceremony.CeremonyID, reason ceremony.Reason, res chan Result) bool {
	if expireUnauthorised(m.keygens, id, reason, res) {
		expireUnauthorised(m.signings, id, reason, nil)
		return true
	}
	return expireUnauthorised(m.signings, id, reason, res)
}

func staleIDs[R any](table map[ceremony.CeremonyID]*entry[R], below ceremony.CeremonyID, reserved map[ceremony.CeremonyID]struct{}) []ceremony.CeremonyID {
	var ids []ceremony.CeremonyID
	for id, e := range table {
		if _, ok := reserved[id]; ok {
			continue
		}
		if id < below && !e.authorised {
			ids = append(ids, id)
		}
	}
	return ids
}

func expireUnauthorised[R any](table map[ceremony.CeremonyID]*entry[R], id ceremony.CeremonyID, reason ceremony.Reason, res chan Result) bool {
	e, ok := table[id]
	if !ok || e.authorised || e.result != nil {
		return false
	}
	e.result = res
	e.runner.Expire(reason)
	return true
}

func isAuthorised[R any](table map[ceremony.CeremonyID]*entry[R], id ceremony.CeremonyID) bool {
	e, ok := table[id]
	return ok && e.authorised
}

func containsAccount(accounts []ceremony.AccountID, a ceremony.AccountID) bool {
	for _, x := range accounts {
		if x == a {
			return true
		}
	}
	return false
}

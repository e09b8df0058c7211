// Package client is the entry point of the ceremony engine. It checks
// requests against the keys it holds, hands them to the ceremony manager
// and stores generated keys before reporting them.
package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/keygen"
	"github.com/f3rmion/multisig/manager"
	"github.com/f3rmion/multisig/signing"
)

// DefaultPendingSigningTimeout bounds how long a signing request waits for
// an unknown key.
const DefaultPendingSigningTimeout = 60 * time.Second

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("client closed")

// KeygenResult is the outcome of a key generation or handover.
type KeygenResult struct {
	CeremonyID ceremony.CeremonyID
	KeyID      ceremony.KeyID
	// PublicKey is the encoded aggregate key.
	PublicKey []byte
	Failure   *ceremony.Failure
	// Err reports a key that could not be stored.
	Err error
}

// SigningPayload is a message to sign with a stored key.
type SigningPayload struct {
	KeyID   ceremony.KeyID
	Message []byte
}

// SigningResult is the outcome of a signing request. Signatures follow the
// order of the payloads.
type SigningResult struct {
	CeremonyID ceremony.CeremonyID
	Signatures []*frost.Signature
	Failure    *ceremony.Failure
}

// Config configures a Client.
type Config struct {
	Self                  ceremony.AccountID
	PendingSigningTimeout time.Duration
	Logger                *zap.Logger
}

// Manager is the part of the ceremony manager the client drives.
type Manager interface {
	Submit(ctx context.Context, req manager.Request) (<-chan manager.Result, error)
	UpdateLatestCeremonyID(ctx context.Context, id ceremony.CeremonyID) error
	Reserve(ctx context.Context, id ceremony.CeremonyID) error
	Release(ctx context.Context, id ceremony.CeremonyID) error
}

// Client issues ceremonies on behalf of the caller.
type Client struct {
	cfg     Config
	manager Manager
	store   *KeyStore
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending map[ceremony.CeremonyID]*signingRequest
}

type signingRequest struct {
	id       ceremony.CeremonyID
	signers  []ceremony.AccountID
	payloads []SigningPayload
	result   chan SigningResult
	reserved bool
	timer    *time.Timer
}

// New creates a client over m and store.
func New(m Manager, store *KeyStore, cfg Config) *Client {
	if cfg.PendingSigningTimeout <= 0 {
		cfg.PendingSigningTimeout = DefaultPendingSigningTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		manager: m,
		store:   store,
		logger:  cfg.Logger.Named("client"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[ceremony.CeremonyID]*signingRequest),
	}
}

// Close abandons pending requests. Their result channels are closed
// without a result.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	for id, req := range c.pending {
		req.timer.Stop()
		close(req.result)
		delete(c.pending, id)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// UpdateLatestCeremonyID records a ceremony this node does not take part in.
func (c *Client) UpdateLatestCeremonyID(ctx context.Context, id ceremony.CeremonyID) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.manager.UpdateLatestCeremonyID(ctx, id)
}

// InitiateKeygen generates a key among participants. The key is stored
// under its id in epoch before the result is sent.
func (c *Client) InitiateKeygen(ctx context.Context, id ceremony.CeremonyID, epoch uint32, participants []ceremony.AccountID) (<-chan KeygenResult, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	ch, err := c.manager.Submit(ctx, manager.Request{
		CeremonyID: id,
		Details:    &manager.KeygenDetails{Participants: participants},
	})
	if err != nil {
		return nil, err
	}
	res := make(chan KeygenResult, 1)
	go c.forwardKeygen(id, epoch, ch, res)
	return res, nil
}

// InitiateKeyHandover moves the key stored under keyID from the sharing
// to the receiving parties. Receivers store the handed over key under its
// id in epoch.
func (c *Client) InitiateKeyHandover(
	ctx context.Context,
	id ceremony.CeremonyID,
	epoch uint32,
	keyID ceremony.KeyID,
	sharing, receiving []ceremony.AccountID,
) (<-chan KeygenResult, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	var key *keygen.ResultInfo
	if containsAccount(sharing, c.cfg.Self) {
		var ok bool
		if key, ok = c.store.Get(keyID); !ok {
			c.logger.Warn("handover of unknown key", zap.Uint64("ceremony_id", uint64(id)), zap.Stringer("key_id", keyID))
			if err := c.manager.UpdateLatestCeremonyID(ctx, id); err != nil {
				return nil, err
			}
			res := make(chan KeygenResult, 1)
			res <- KeygenResult{CeremonyID: id, Failure: ceremony.NewFailure(ceremony.ReasonUnknownKey)}
			close(res)
			return res, nil
		}
	}

	ch, err := c.manager.Submit(ctx, manager.Request{
		CeremonyID: id,
		Details: &manager.KeygenDetails{
			Participants: union(sharing, receiving),
			Handover:     &manager.HandoverDetails{Sharing: sharing, Receiving: receiving, Key: key},
		},
	})
	if err != nil {
		return nil, err
	}
	res := make(chan KeygenResult, 1)
	go c.forwardKeygen(id, epoch, ch, res)
	return res, nil
}

func (c *Client) forwardKeygen(id ceremony.CeremonyID, epoch uint32, ch <-chan manager.Result, res chan<- KeygenResult) {
	defer close(res)

	var r manager.Result
	select {
	case out, ok := <-ch:
		if !ok {
			return
		}
		r = out
	case <-c.ctx.Done():
		return
	}

	if r.Failure != nil {
		res <- KeygenResult{CeremonyID: id, Failure: r.Failure}
		return
	}

	keyID := r.Key.KeyID(epoch)
	out := KeygenResult{CeremonyID: id, KeyID: keyID, PublicKey: r.Key.PublicKey()}
	if r.Key.IsHolder() {
		if err := c.store.Set(keyID, r.Key); err != nil {
			c.logger.Error("failed to store key", zap.Stringer("key_id", keyID), zap.Error(err))
			out.Err = errors.Wrapf(err, "store key %s", keyID)
			res <- out
			return
		}
		c.logger.Info("stored key", zap.Uint64("ceremony_id", uint64(id)), zap.Stringer("key_id", keyID))
		c.wakePending()
	}
	res <- out
}

// InitiateSigning signs every payload with its key. A request for a key
// not stored yet waits for it up to the pending signing timeout and fails
// with ReasonUnknownKey afterwards.
func (c *Client) InitiateSigning(
	ctx context.Context,
	id ceremony.CeremonyID,
	signers []ceremony.AccountID,
	payloads []SigningPayload,
) (<-chan SigningResult, error) {
	if len(payloads) == 0 {
		return nil, errors.New("nothing to sign")
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	req := &signingRequest{
		id:       id,
		signers:  signers,
		payloads: payloads,
		result:   make(chan SigningResult, 1),
	}
	keys, missing := c.lookup(payloads)
	if len(missing) == 0 {
		if err := c.sign(ctx, req, keys); err != nil {
			return nil, err
		}
		return req.result, nil
	}

	if err := c.manager.Reserve(ctx, id); err != nil {
		return nil, err
	}
	req.reserved = true
	c.logger.Info("signing request waits for unknown keys",
		zap.Uint64("ceremony_id", uint64(id)), zap.Stringers("key_ids", missing))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	// The key may have been stored since the lookup.
	if keys, missing = c.lookup(payloads); len(missing) == 0 {
		c.mu.Unlock()
		if err := c.sign(ctx, req, keys); err != nil {
			return nil, err
		}
		return req.result, nil
	}
	req.timer = time.AfterFunc(c.cfg.PendingSigningTimeout, func() { c.expirePending(id) })
	c.pending[id] = req
	c.mu.Unlock()
	return req.result, nil
}

func (c *Client) lookup(payloads []SigningPayload) ([]*keygen.ResultInfo, []ceremony.KeyID) {
	keys := make([]*keygen.ResultInfo, len(payloads))
	var missing []ceremony.KeyID
	for i, p := range payloads {
		k, ok := c.store.Get(p.KeyID)
		if !ok {
			missing = append(missing, p.KeyID)
			continue
		}
		keys[i] = k
	}
	return keys, missing
}

// sign checks the signers against the keys and starts the ceremony.
func (c *Client) sign(ctx context.Context, req *signingRequest, keys []*keygen.ResultInfo) error {
	for _, k := range keys {
		if uint32(len(req.signers)) < k.Params.SuccessThreshold() {
			return c.reject(ctx, req, ceremony.ReasonNotEnoughSigners)
		}
		if _, err := k.Mapping.IdxsOf(req.signers); err != nil {
			c.logger.Warn("invalid signers", zap.Uint64("ceremony_id", uint64(req.id)), zap.Error(err))
			return c.reject(ctx, req, ceremony.ReasonInvalidParticipants)
		}
	}

	payloads := make([]signing.Payload, len(req.payloads))
	for i, p := range req.payloads {
		payloads[i] = signing.Payload{KeyID: p.KeyID, Key: keys[i], Message: p.Message}
	}
	ch, err := c.manager.Submit(ctx, manager.Request{
		CeremonyID: req.id,
		Details:    &manager.SigningDetails{Signers: req.signers, Payloads: payloads},
	})
	if err != nil {
		return err
	}
	go c.forwardSigning(req, ch)
	return nil
}

// reject ends a request that never reached the manager.
func (c *Client) reject(ctx context.Context, req *signingRequest, reason ceremony.Reason) error {
	var err error
	if req.reserved {
		err = c.manager.Release(ctx, req.id)
	} else {
		err = c.manager.UpdateLatestCeremonyID(ctx, req.id)
	}
	if err != nil {
		return err
	}
	req.result <- SigningResult{CeremonyID: req.id, Failure: ceremony.NewFailure(reason)}
	close(req.result)
	return nil
}

func (c *Client) forwardSigning(req *signingRequest, ch <-chan manager.Result) {
	defer close(req.result)
	select {
	case r, ok := <-ch:
		if ok {
			req.result <- SigningResult{CeremonyID: req.id, Signatures: r.Signatures, Failure: r.Failure}
		}
	case <-c.ctx.Done():
	}
}

// wakePending starts the pending requests whose keys are now all stored,
// in ceremony id order.
func (c *Client) wakePending() {
	type ready struct {
		req  *signingRequest
		keys []*keygen.ResultInfo
	}
	var woken []ready

	c.mu.Lock()
	for id, req := range c.pending {
		keys, missing := c.lookup(req.payloads)
		if len(missing) > 0 {
			continue
		}
		req.timer.Stop()
		delete(c.pending, id)
		woken = append(woken, ready{req: req, keys: keys})
	}
	c.mu.Unlock()

	sort.Slice(woken, func(i, j int) bool { return woken[i].req.id < woken[j].req.id })
	for _, w := range woken {
		if err := c.sign(c.ctx, w.req, w.keys); err != nil {
			c.logger.Error("failed to start pending signing request", zap.Uint64("ceremony_id", uint64(w.req.id)), zap.Error(err))
			w.req.result <- SigningResult{CeremonyID: w.req.id, Failure: ceremony.NewFailure(ceremony.ReasonInvalidParticipants)}
			close(w.req.result)
		}
	}
}

func (c *Client) expirePending(id ceremony.CeremonyID) {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logger.Warn("signing request timed out waiting for its keys", zap.Uint64("ceremony_id", uint64(id)))
	if err := c.manager.Release(c.ctx, id); err != nil {
		c.logger.Debug("failed to release ceremony", zap.Uint64("ceremony_id", uint64(id)), zap.Error(err))
	}
	req.result <- SigningResult{CeremonyID: id, Failure: ceremony.NewFailure(ceremony.ReasonUnknownKey)}
	close(req.result)
}

func containsAccount(accounts []ceremony.AccountID, a ceremony.AccountID) bool {
	for _, x := range accounts {
		if x == a {
			return true
		}
	}
	return false
}

func union(a, b []ceremony.AccountID) []ceremony.AccountID {
	seen := make(map[ceremony.AccountID]struct{}, len(a)+len(b))
	var out []ceremony.AccountID
	for _, set := range [][]ceremony.AccountID{a, b} {
		for _, x := range set {
			if _, ok := seen[x]; ok {
				continue
			}
			seen[x] = struct{}{}
			out = append(out, x)
		}
	}
	return out
}

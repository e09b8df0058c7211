package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/f3rmion/multisig/broadcast"
	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/metrics"
	"github.com/f3rmion/multisig/wire"
)

// A two-stage test protocol: every party broadcasts its index in Value1,
// then the sum of all indices in Sum2. It completes with the sum.

type value struct {
	V uint64 `msgpack:"v"`
}

const (
	stageValue1 uint8 = 1
	stageSum2   uint8 = 2
)

func isInitial(stage uint8) bool { return stage == stageValue1 }

type valueProcessor struct {
	c *broadcast.Common
}

func (p *valueProcessor) Init() broadcast.DataToSend[value] {
	return broadcast.DataToSend[value]{Broadcast: &value{V: uint64(p.c.OwnIdx)}}
}

func (p *valueProcessor) Process(messages map[uint32]*value) broadcast.Result[uint64] {
	var sum uint64
	var missing []uint32
	for _, idx := range frost.SortedIdxs(messages) {
		if messages[idx] == nil {
			missing = append(missing, idx)
			continue
		}
		sum += messages[idx].V
	}
	if len(missing) > 0 {
		return broadcast.Error[uint64](ceremony.ReasonBroadcastInsufficientMessages, missing)
	}
	return broadcast.NextStage[uint64](broadcast.NewStage[value, uint64](p.c, stageSum2, "Sum2", &sumProcessor{sum: sum}))
}

type sumProcessor struct {
	sum uint64
}

func (p *sumProcessor) Init() broadcast.DataToSend[value] {
	return broadcast.DataToSend[value]{Broadcast: &value{V: p.sum}}
}

func (p *sumProcessor) Process(messages map[uint32]*value) broadcast.Result[uint64] {
	var blamed []uint32
	for _, idx := range frost.SortedIdxs(messages) {
		if m := messages[idx]; m == nil || m.V != p.sum {
			blamed = append(blamed, idx)
		}
	}
	if len(blamed) > 0 {
		return broadcast.Error[uint64](ceremony.ReasonBroadcastInconsistency, blamed)
	}
	return broadcast.Done(p.sum)
}

func testAccounts(n int) []ceremony.AccountID {
	out := make([]ceremony.AccountID, n)
	for i := range out {
		out[i][0] = byte(i + 1)
	}
	return out
}

func firstStage(t *testing.T, mapping *ceremony.PartyIdxMapping, own ceremony.AccountID) broadcast.Stage[uint64] {
	idx, ok := mapping.IdxOf(own)
	require.True(t, ok)
	c := &broadcast.Common{CeremonyID: 1, OwnIdx: idx, AllIdxs: mapping.Idxs()}
	return broadcast.NewStage[value, uint64](c, stageValue1, "Value1", &valueProcessor{c: c})
}

func payload(t *testing.T, v uint64) []byte {
	data, err := wire.Marshal(&value{V: v})
	require.NoError(t, err)
	return data
}

type result struct {
	out Outcome[uint64]
	err error
}

type node struct {
	account ceremony.AccountID
	runner  *Runner[uint64]
	out     chan wire.Outgoing
	result  chan result
}

func startNode(ctx context.Context, account ceremony.AccountID, cfg Config) *node {
	n := &node{
		account: account,
		out:     make(chan wire.Outgoing, 16),
		result:  make(chan result, 1),
	}
	cfg.Outgoing = n.out
	n.runner = New[uint64](cfg)
	go func() {
		out, err := n.runner.Run(ctx)
		n.result <- result{out: out, err: err}
	}()
	return n
}

// connect forwards every outgoing message of each node to its recipients.
func connect(ctx context.Context, t *testing.T, nodes map[ceremony.AccountID]*node) {
	for _, n := range nodes {
		go func(n *node) {
			for {
				select {
				case o := <-n.out:
					msg, err := wire.Decode(o.Data)
					if !assert.NoError(t, err) {
						return
					}
					for _, to := range o.Recipients {
						if peer, ok := nodes[to]; ok {
							peer.runner.Deliver(ctx, Message{Sender: n.account, Stage: msg.Stage, Payload: msg.Payload})
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}(n)
	}
}

func wait(t *testing.T, n *node) result {
	t.Helper()
	select {
	case r := <-n.result:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("ceremony did not finish")
		return result{}
	}
}

func drain(ctx context.Context, n *node) {
	go func() {
		for {
			select {
			case <-n.out:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func TestRunner(t *testing.T) {
	accounts := testAccounts(3)
	mapping, err := ceremony.NewPartyIdxMapping(accounts)
	require.NoError(t, err)
	cfg := Config{CeremonyID: 1, Kind: ceremony.KindKeygen, MaxStageDuration: 5 * time.Second, IsInitialStage: isInitial}

	t.Run("AllAuthorised", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		nodes := make(map[ceremony.AccountID]*node)
		for _, a := range accounts {
			nodes[a] = startNode(ctx, a, cfg)
		}
		connect(ctx, t, nodes)
		for _, a := range accounts {
			require.NoError(t, nodes[a].runner.Authorise(Request[uint64]{Stage: firstStage(t, mapping, a), Mapping: mapping}))
		}
		for _, a := range accounts {
			r := wait(t, nodes[a])
			require.NoError(t, r.err)
			require.Nil(t, r.out.Failure)
			assert.Equal(t, uint64(6), r.out.Result)
		}
	})

	t.Run("LateAuthorisation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		nodes := make(map[ceremony.AccountID]*node)
		for _, a := range accounts {
			nodes[a] = startNode(ctx, a, cfg)
		}
		connect(ctx, t, nodes)
		for _, a := range accounts[1:] {
			require.NoError(t, nodes[a].runner.Authorise(Request[uint64]{Stage: firstStage(t, mapping, a), Mapping: mapping}))
		}
		// The first node buffers the others' messages until it is requested.
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, nodes[accounts[0]].runner.Authorise(Request[uint64]{Stage: firstStage(t, mapping, accounts[0]), Mapping: mapping}))

		for _, a := range accounts {
			r := wait(t, nodes[a])
			require.NoError(t, r.err)
			require.Nil(t, r.out.Failure)
			assert.Equal(t, uint64(6), r.out.Result)
		}
	})

	t.Run("TimeoutFinalizesWithPartialData", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		short := cfg
		short.MaxStageDuration = 50 * time.Millisecond
		n := startNode(ctx, accounts[0], short)
		drain(ctx, n)
		require.NoError(t, n.runner.Authorise(Request[uint64]{Stage: firstStage(t, mapping, accounts[0]), Mapping: mapping}))

		r := wait(t, n)
		require.NoError(t, r.err)
		require.NotNil(t, r.out.Failure)
		assert.Equal(t, ceremony.ReasonBroadcastInsufficientMessages, r.out.Failure.Reason)
		assert.Equal(t, accounts[1:], r.out.Failure.Blamed)
		assert.Equal(t, "Value1", r.out.Failure.Stage)
	})

	t.Run("NextStageMessageIsDelayed", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		pair, err := ceremony.NewPartyIdxMapping(accounts[:2])
		require.NoError(t, err)
		n := startNode(ctx, accounts[0], cfg)
		require.NoError(t, n.runner.Authorise(Request[uint64]{Stage: firstStage(t, pair, accounts[0]), Mapping: pair}))

		first := <-n.out
		assert.Equal(t, []ceremony.AccountID{accounts[1]}, first.Recipients)
		drain(ctx, n)

		peer := accounts[1]
		n.runner.Deliver(ctx, Message{Sender: peer, Stage: 3, Payload: payload(t, 0)})
		n.runner.Deliver(ctx, Message{Sender: peer, Stage: stageSum2, Payload: payload(t, 3)})
		n.runner.Deliver(ctx, Message{Sender: accounts[2], Stage: stageValue1, Payload: payload(t, 3)})
		n.runner.Deliver(ctx, Message{Sender: peer, Stage: stageValue1, Payload: payload(t, 2)})

		r := wait(t, n)
		require.NoError(t, r.err)
		require.Nil(t, r.out.Failure)
		assert.Equal(t, uint64(3), r.out.Result)
	})

	t.Run("LaterDelayedMessageOverwrites", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		pair, err := ceremony.NewPartyIdxMapping(accounts[:2])
		require.NoError(t, err)
		n := startNode(ctx, accounts[0], cfg)
		drain(ctx, n)

		peer := accounts[1]
		n.runner.Deliver(ctx, Message{Sender: peer, Stage: stageValue1, Payload: payload(t, 40)})
		n.runner.Deliver(ctx, Message{Sender: peer, Stage: stageValue1, Payload: payload(t, 2)})
		require.NoError(t, n.runner.Authorise(Request[uint64]{Stage: firstStage(t, pair, accounts[0]), Mapping: pair}))
		n.runner.Deliver(ctx, Message{Sender: peer, Stage: stageSum2, Payload: payload(t, 3)})

		r := wait(t, n)
		require.NoError(t, r.err)
		require.Nil(t, r.out.Failure)
		assert.Equal(t, uint64(3), r.out.Result)
	})

	t.Run("ExpireBlamesDelayedSenders", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		n := startNode(ctx, accounts[0], cfg)
		n.runner.Deliver(ctx, Message{Sender: accounts[2], Stage: stageValue1, Payload: payload(t, 3)})
		n.runner.Deliver(ctx, Message{Sender: accounts[2], Stage: stageValue1, Payload: payload(t, 3)})
		n.runner.Deliver(ctx, Message{Sender: accounts[1], Stage: stageSum2, Payload: payload(t, 3)})
		n.runner.Expire(ceremony.ReasonNotParticipatingInUnauthorisedCeremony)

		r := wait(t, n)
		require.NoError(t, r.err)
		require.NotNil(t, r.out.Failure)
		assert.Equal(t, ceremony.ReasonNotParticipatingInUnauthorisedCeremony, r.out.Failure.Reason)
		assert.Equal(t, []ceremony.AccountID{accounts[2]}, r.out.Failure.Blamed)

		err := n.runner.Authorise(Request[uint64]{Stage: firstStage(t, mapping, accounts[0]), Mapping: mapping})
		assert.Error(t, err)
	})

	t.Run("AuthoriseOnce", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		n := startNode(ctx, accounts[0], cfg)
		drain(ctx, n)
		req := Request[uint64]{Stage: firstStage(t, mapping, accounts[0]), Mapping: mapping}
		require.NoError(t, n.runner.Authorise(req))
		assert.ErrorIs(t, n.runner.Authorise(req), ErrAlreadyAuthorised)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		n := startNode(ctx, accounts[0], cfg)
		cancel()

		r := wait(t, n)
		assert.ErrorIs(t, r.err, context.Canceled)
		<-n.runner.Done()
	})
}

func TestRunnerObservability(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, logs := observer.New(zap.DebugLevel)
	m := metrics.New(prometheus.NewRegistry(), "")
	accounts := testAccounts(2)
	mapping, err := ceremony.NewPartyIdxMapping(accounts)
	require.NoError(t, err)

	n := startNode(ctx, accounts[0], Config{
		CeremonyID:       9,
		Kind:             ceremony.KindSigning,
		MaxStageDuration: 5 * time.Second,
		IsInitialStage:   isInitial,
		Logger:           zap.New(core),
		Metrics:          m,
	})
	drain(ctx, n)
	require.NoError(t, n.runner.Authorise(Request[uint64]{Stage: firstStage(t, mapping, accounts[0]), Mapping: mapping}))

	stranger := ceremony.AccountID{0xee}
	n.runner.Deliver(ctx, Message{Sender: stranger, Stage: stageValue1, Payload: payload(t, 1)})
	n.runner.Deliver(ctx, Message{Sender: accounts[1], Stage: stageValue1, Payload: []byte{0xc1}})
	n.runner.Deliver(ctx, Message{Sender: accounts[1], Stage: stageValue1, Payload: payload(t, 2)})
	n.runner.Deliver(ctx, Message{Sender: accounts[1], Stage: stageSum2, Payload: payload(t, 4)})

	r := wait(t, n)
	require.NoError(t, r.err)
	require.NotNil(t, r.out.Failure)
	assert.Equal(t, ceremony.ReasonBroadcastInconsistency, r.out.Failure.Reason)
	assert.Equal(t, []ceremony.AccountID{accounts[1]}, r.out.Failure.Blamed)

	assert.Equal(t, 1, logs.FilterMessage("dropping message from non-participant").Len())
	assert.Equal(t, 1, logs.FilterMessage("rejected stage message").Len())
	assert.Equal(t, 1, logs.FilterMessage("ceremony failed").Len())
	for _, entry := range logs.All() {
		assert.Equal(t, uint64(9), entry.ContextMap()["ceremony_id"])
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CeremoniesStarted.WithLabelValues("signing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CeremoniesFailed.WithLabelValues("signing", "broadcast_inconsistency")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DroppedMessages.WithLabelValues("signing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveCeremonies.WithLabelValues("signing", metrics.StateAuthorised)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.StageDuration))
}

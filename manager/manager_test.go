package manager

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/keygen"
	"github.com/f3rmion/multisig/metrics"
	"github.com/f3rmion/multisig/signing"
	"github.com/f3rmion/multisig/wire"
)

func testAccounts(n int) []ceremony.AccountID {
	out := make([]ceremony.AccountID, n)
	for i := range out {
		out[i][0] = byte(i + 1)
	}
	return out
}

func testConfig(self ceremony.AccountID) Config {
	return Config{
		Self:             self,
		Scheme:           frost.Secp256k1(),
		MaxStageDuration: 5 * time.Second,
		Rand:             rand.Reader,
	}
}

// startNetwork runs one manager per account and delivers their outgoing
// messages to each other.
func startNetwork(t *testing.T, accounts []ceremony.AccountID) map[ceremony.AccountID]*Manager {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	nodes := make(map[ceremony.AccountID]*Manager, len(accounts))
	for _, a := range accounts {
		nodes[a] = New(testConfig(a))
	}
	for a, m := range nodes {
		a, m := a, m
		g.Go(func() error { return m.Run(ctx) })
		g.Go(func() error {
			for {
				select {
				case out := <-m.Outgoing():
					for _, r := range out.Recipients {
						if peer, ok := nodes[r]; ok {
							_ = peer.HandleMessage(ctx, a, out.Data)
						}
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, g.Wait(), context.Canceled)
	})
	return nodes
}

// startManager runs a single manager whose outgoing messages are discarded.
func startManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	m := New(cfg)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	go func() {
		for {
			select {
			case <-m.Outgoing():
			case <-ctx.Done():
				return
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	return m
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "result channel closed without a result")
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a result")
		return Result{}
	}
}

func initialMessage(t *testing.T, id ceremony.CeremonyID) []byte {
	t.Helper()
	msg, err := wire.NewMessage(id, ceremony.KindKeygen, keygen.StageHashComm1, []byte{1})
	require.NoError(t, err)
	data, err := wire.Encode(msg)
	require.NoError(t, err)
	return data
}

func TestManagerCeremonies(t *testing.T) {
	ctx := context.Background()
	accounts := testAccounts(4)
	nodes := startNetwork(t, accounts)
	scheme := frost.Secp256k1()

	keygens := make(map[ceremony.AccountID]<-chan Result)
	for _, a := range accounts {
		ch, err := nodes[a].Submit(ctx, Request{
			CeremonyID: 1,
			Details:    &KeygenDetails{Participants: accounts},
		})
		require.NoError(t, err)
		keygens[a] = ch
	}

	keys := make(map[ceremony.AccountID]*keygen.ResultInfo)
	for _, a := range accounts {
		res := waitResult(t, keygens[a])
		require.Nil(t, res.Failure)
		require.NotNil(t, res.Key)
		assert.Equal(t, ceremony.CeremonyID(1), res.CeremonyID)
		keys[a] = res.Key
	}
	for _, a := range accounts[1:] {
		assert.Equal(t, keys[accounts[0]].PublicKey(), keys[a].PublicKey())
	}

	message := []byte("payload")
	signers := accounts[:3]
	signings := make(map[ceremony.AccountID]<-chan Result)
	for _, a := range accounts {
		ch, err := nodes[a].Submit(ctx, Request{
			CeremonyID: 2,
			Details: &SigningDetails{
				Signers:  signers,
				Payloads: []signing.Payload{{KeyID: keys[a].KeyID(0), Key: keys[a], Message: message}},
			},
		})
		require.NoError(t, err)
		signings[a] = ch
	}

	for _, a := range signers {
		res := waitResult(t, signings[a])
		require.Nil(t, res.Failure)
		require.Len(t, res.Signatures, 1)
		assert.True(t, scheme.Verify(message, res.Signatures[0], keys[a].Key.AggKey))
	}

	res := waitResult(t, signings[accounts[3]])
	require.NotNil(t, res.Failure)
	assert.Equal(t, ceremony.ReasonInvalidParticipants, res.Failure.Reason)
	assert.Empty(t, res.Failure.Blamed)
}

func TestManagerRequests(t *testing.T) {
	ctx := context.Background()
	accounts := testAccounts(4)

	t.Run("DuplicateAndStale", func(t *testing.T) {
		m := startManager(t, testConfig(accounts[0]))

		req := Request{CeremonyID: 3, Details: &KeygenDetails{Participants: accounts[:2]}}
		_, err := m.Submit(ctx, req)
		require.NoError(t, err)

		_, err = m.Submit(ctx, req)
		assert.ErrorIs(t, err, ErrDuplicateRequest)

		_, err = m.Submit(ctx, Request{CeremonyID: 2, Details: &KeygenDetails{Participants: accounts[:2]}})
		assert.ErrorIs(t, err, ErrStaleCeremonyID)

		latest, err := m.LatestCeremonyID(ctx)
		require.NoError(t, err)
		assert.Equal(t, ceremony.CeremonyID(3), latest)
	})

	t.Run("NotParticipating", func(t *testing.T) {
		m := startManager(t, testConfig(accounts[3]))

		require.NoError(t, m.HandleMessage(ctx, accounts[1], initialMessage(t, 5)))
		require.NoError(t, m.HandleMessage(ctx, accounts[0], initialMessage(t, 5)))

		ch, err := m.Submit(ctx, Request{CeremonyID: 5, Details: &KeygenDetails{Participants: accounts[:3]}})
		require.NoError(t, err)

		res := waitResult(t, ch)
		require.NotNil(t, res.Failure)
		assert.Equal(t, ceremony.ReasonNotParticipatingInUnauthorisedCeremony, res.Failure.Reason)
		assert.Equal(t, accounts[:2], res.Failure.Blamed)
	})

	t.Run("NotParticipatingWithoutMessages", func(t *testing.T) {
		m := startManager(t, testConfig(accounts[3]))

		ch, err := m.Submit(ctx, Request{CeremonyID: 5, Details: &KeygenDetails{Participants: accounts[:3]}})
		require.NoError(t, err)

		res := waitResult(t, ch)
		require.NotNil(t, res.Failure)
		assert.Equal(t, ceremony.ReasonInvalidParticipants, res.Failure.Reason)
	})

	t.Run("NilDetailsAdvances", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		cfg := testConfig(accounts[0])
		cfg.Metrics = metrics.New(reg, "")
		m := startManager(t, cfg)

		require.NoError(t, m.HandleMessage(ctx, accounts[1], initialMessage(t, 4)))

		ch, err := m.Submit(ctx, Request{CeremonyID: 4})
		require.NoError(t, err)
		_, ok := <-ch
		assert.False(t, ok)

		latest, err := m.LatestCeremonyID(ctx)
		require.NoError(t, err)
		assert.Equal(t, ceremony.CeremonyID(4), latest)

		failed := cfg.Metrics.CeremoniesFailed.WithLabelValues("keygen", "not_participating_in_unauthorised_ceremony")
		require.Eventually(t, func() bool { return testutil.ToFloat64(failed) == 1 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("IDWindow", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		cfg := testConfig(accounts[0])
		cfg.IDWindow = 10
		cfg.Metrics = metrics.New(reg, "")
		m := startManager(t, cfg)
		dropped := cfg.Metrics.DroppedMessages.WithLabelValues("keygen")
		expired := cfg.Metrics.CeremoniesFailed.WithLabelValues("keygen", "expired_before_being_authorised")

		require.NoError(t, m.HandleMessage(ctx, accounts[1], initialMessage(t, 11)))
		assert.Equal(t, 1.0, testutil.ToFloat64(dropped))

		require.NoError(t, m.HandleMessage(ctx, accounts[1], initialMessage(t, 5)))
		assert.Equal(t, 1.0, testutil.ToFloat64(dropped))
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(cfg.Metrics.ActiveCeremonies.WithLabelValues("keygen", metrics.StateUnauthorised)) == 1
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, m.UpdateLatestCeremonyID(ctx, 7))
		require.Eventually(t, func() bool { return testutil.ToFloat64(expired) == 1 }, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, m.HandleMessage(ctx, accounts[1], initialMessage(t, 6)))
		assert.Equal(t, 2.0, testutil.ToFloat64(dropped))
	})

	t.Run("ReservedCeremony", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		cfg := testConfig(accounts[0])
		cfg.Metrics = metrics.New(reg, "")
		m := startManager(t, cfg)

		require.NoError(t, m.Reserve(ctx, 3))
		require.NoError(t, m.HandleMessage(ctx, accounts[1], initialMessage(t, 3)))
		require.NoError(t, m.UpdateLatestCeremonyID(ctx, 5))
		assert.Equal(t, 0.0, testutil.ToFloat64(cfg.Metrics.DroppedMessages.WithLabelValues("keygen")))

		ch, err := m.Submit(ctx, Request{CeremonyID: 3, Details: &KeygenDetails{Participants: accounts[:1]}})
		require.NoError(t, err)
		res := waitResult(t, ch)
		require.Nil(t, res.Failure)
		assert.NotNil(t, res.Key)

		assert.ErrorIs(t, m.Reserve(ctx, 4), ErrStaleCeremonyID)
		require.NoError(t, m.Reserve(ctx, 6))
		require.NoError(t, m.HandleMessage(ctx, accounts[1], initialMessage(t, 6)))
		require.NoError(t, m.Release(ctx, 6))

		expired := cfg.Metrics.CeremoniesFailed.WithLabelValues("keygen", "expired_before_being_authorised")
		require.Eventually(t, func() bool { return testutil.ToFloat64(expired) == 1 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("UndecodableMessage", func(t *testing.T) {
		m := startManager(t, testConfig(accounts[0]))
		assert.Error(t, m.HandleMessage(ctx, accounts[1], []byte{0xc1}))
	})

	t.Run("InvalidHandover", func(t *testing.T) {
		m := startManager(t, testConfig(accounts[0]))

		_, err := m.Submit(ctx, Request{CeremonyID: 1, Details: &KeygenDetails{
			Participants: accounts[:3],
			Handover:     &HandoverDetails{Sharing: accounts[:2], Receiving: accounts[3:]},
		}})
		assert.Error(t, err)

		latest, err := m.LatestCeremonyID(ctx)
		require.NoError(t, err)
		assert.Equal(t, ceremony.CeremonyID(1), latest)
	})
}

func TestManagerStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(testConfig(testAccounts(1)[0]))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	_, err := m.Submit(context.Background(), Request{CeremonyID: 1})
	assert.ErrorIs(t, err, ErrStopped)
}

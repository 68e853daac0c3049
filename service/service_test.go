package service

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratevault-backend/codec"
	"ratevault-backend/encryption"
	"ratevault-backend/failure"
	"ratevault-backend/fhe"
	"ratevault-backend/fhevm"
	"ratevault-backend/grant"
	"ratevault-backend/models"
	"ratevault-backend/registry"
	"ratevault-backend/storage"
)

var contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")

type fixture struct {
	executor *fhe.Executor
	registry *registry.Registry
	ledger   *LocalLedger
	kv       *storage.MemoryKV
	instance fhevm.Instance
	grants   *grant.Manager
	gateway  *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{kv: storage.NewMemoryKV()}

	scheme, err := encryption.NewScheme(encryption.SchemeElGamal, 0)
	require.NoError(t, err)
	coprocessor, err := crypto.GenerateKey()
	require.NoError(t, err)
	f.executor = fhe.NewExecutor(scheme, coprocessor, fhe.Config{})
	srv, err := fhe.NewRPCServer(f.executor, "")
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	inst, err := fhevm.NewMockInstance(context.Background(), rpc.DialInProc(srv), nil)
	require.NoError(t, err)
	t.Cleanup(inst.Close)
	f.instance = inst

	f.registry, err = registry.New(contract, f.executor)
	require.NoError(t, err)
	f.ledger, err = NewLocalLedger(f.registry, nil)
	require.NoError(t, err)
	f.grants = grant.NewManager(inst, grant.NewCache(f.kv))
	f.gateway = NewGateway(f.ledger, inst, f.grants)
	return f
}

func newSigner(t *testing.T) *grant.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return grant.NewKeySigner(key)
}

func reviewParams() models.CreateRatingParams {
	return models.CreateRatingParams{
		Name:       "Product Review",
		Dimensions: []string{"Quality", "Price", "Design"},
		MinScore:   1,
		MaxScore:   5,
	}
}

func TestGatewayRatingLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator, alice, bob, carol := newSigner(t), newSigner(t), newSigner(t), newSigner(t)

	id, err := f.gateway.CreateRating(ctx, creator, reviewParams())
	require.NoError(t, err)
	require.NoError(t, f.gateway.SubmitRating(ctx, alice, id, []uint64{5, 3, 4}))
	require.NoError(t, f.gateway.SubmitRating(ctx, bob, id, []uint64{3, 5, 2}))

	mine, err := f.gateway.DecryptMyRating(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 3, 4}, mine)

	totals, err := f.gateway.DecryptAggregatedScores(ctx, creator, id)
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 8, 6}, totals)

	stats, err := f.gateway.AggregatedStats(ctx, creator, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.ParticipantCount)
	assert.Equal(t, []DimensionStats{
		{Name: "Quality", Total: 8, Average: 4},
		{Name: "Price", Total: 8, Average: 4},
		{Name: "Design", Total: 6, Average: 3},
	}, stats.Dimensions)
	assert.Equal(t, 3.67, stats.OverallAverage)

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name string
			call func() error
			want error
		}{
			{"participant reads totals", func() error {
				_, err := f.gateway.DecryptAggregatedScores(ctx, alice, id)
				return err
			}, registry.ErrNotCreator},
			{"stranger reads own rating", func() error {
				_, err := f.gateway.DecryptMyRating(ctx, carol, id)
				return err
			}, ErrNotRated},
			{"second submission", func() error { return f.gateway.SubmitRating(ctx, alice, id, []uint64{1, 1, 1}) }, registry.ErrAlreadyRated},
			{"score above range", func() error { return f.gateway.SubmitRating(ctx, carol, id, []uint64{6, 1, 1}) }, codec.ErrScoreOutOfRange},
			{"score below range", func() error { return f.gateway.SubmitRating(ctx, carol, id, []uint64{0, 1, 1}) }, codec.ErrScoreOutOfRange},
			{"too few scores", func() error { return f.gateway.SubmitRating(ctx, carol, id, []uint64{1, 1}) }, codec.ErrDimensionMismatch},
			{"unknown rating", func() error { return f.gateway.SubmitRating(ctx, carol, 42, []uint64{1, 1, 1}) }, registry.ErrNotFound},
			{"close by participant", func() error { return f.gateway.CloseRating(ctx, alice, id) }, registry.ErrNotCreator},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.ErrorIs(t, tt.call(), tt.want)
			})
		}
	})

	require.NoError(t, f.gateway.CloseRating(ctx, creator, id))
	assert.ErrorIs(t, f.gateway.SubmitRating(ctx, carol, id, []uint64{1, 1, 1}), registry.ErrNotOpen)

	submits := f.gateway.Metrics().Get(OpSubmit)
	assert.Equal(t, 8, submits.Count)
	assert.Equal(t, 6, submits.Failures)
	assert.Zero(t, submits.InFlight)
}

func TestAggregatedStatsWithoutParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := newSigner(t)

	id, err := f.gateway.CreateRating(ctx, creator, reviewParams())
	require.NoError(t, err)
	stats, err := f.gateway.AggregatedStats(ctx, creator, id)
	require.NoError(t, err)
	for _, d := range stats.Dimensions {
		assert.Zero(t, d.Total)
		assert.Zero(t, d.Average)
	}
	assert.Zero(t, stats.OverallAverage)
	assert.Empty(t, stats.BestDimension)
}

// interleavedLedger calls submit between the campaign read and each
// accumulator read.
type interleavedLedger struct {
	*LocalLedger
	submit func(read int)
	reads  int
}

func (l *interleavedLedger) GetAggregatedScores(ctx context.Context, id uint64) ([]fhe.Handle, error) {
	l.reads++
	l.submit(l.reads)
	return l.LocalLedger.GetAggregatedScores(ctx, id)
}

func TestAggregatedStatsWithConcurrentSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator, alice := newSigner(t), newSigner(t)

	id, err := f.gateway.CreateRating(ctx, creator, reviewParams())
	require.NoError(t, err)
	require.NoError(t, f.gateway.SubmitRating(ctx, alice, id, []uint64{5, 5, 5}))

	ledger := &interleavedLedger{LocalLedger: f.ledger, submit: func(read int) {
		if read == 1 {
			require.NoError(t, f.gateway.SubmitRating(ctx, newSigner(t), id, []uint64{1, 1, 1}))
		}
	}}
	stats, err := NewGateway(ledger, f.instance, f.grants).AggregatedStats(ctx, creator, id)
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.reads)
	assert.Equal(t, uint64(2), stats.ParticipantCount)
	for _, d := range stats.Dimensions {
		assert.Equal(t, uint64(6), d.Total)
		assert.Equal(t, 3.0, d.Average)
	}

	// a campaign that never settles is reported instead of mis-averaged
	busy := &interleavedLedger{LocalLedger: f.ledger, submit: func(int) {
		require.NoError(t, f.gateway.SubmitRating(ctx, newSigner(t), id, []uint64{2, 2, 2}))
	}}
	_, err = NewGateway(busy, f.instance, f.grants).AggregatedStats(ctx, creator, id)
	assert.ErrorIs(t, err, ErrStateChanged)
	assert.True(t, failure.Retryable(err))
	assert.Equal(t, maxAggregateReads, busy.reads)
}

func TestLocalLedgerAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := newSigner(t)
	mallory, err := crypto.GenerateKey()
	require.NoError(t, err)

	unsigned, err := models.NewTransaction(models.TxCreateRating, alice.Address(), reviewParams())
	require.NoError(t, err)
	_, err = f.ledger.Submit(ctx, unsigned)
	assert.ErrorIs(t, err, ErrBadSignature)

	forged, err := models.NewTransaction(models.TxCreateRating, alice.Address(), reviewParams())
	require.NoError(t, err)
	forged.Signature = sign(t, mallory, forged.SigningHash())
	_, err = f.ledger.Submit(ctx, forged)
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.Equal(t, failure.Cryptographic, failure.KindOf(err))

	tx, err := SignTransaction(alice, models.TxCreateRating, reviewParams())
	require.NoError(t, err)
	receipt, err := f.ledger.Submit(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, receipt.TxID)

	_, err = f.ledger.Submit(ctx, tx)
	assert.ErrorIs(t, err, ErrReplayedTx)

	// ids already on the chain stay spent for a new ledger
	reopened, err := NewLocalLedger(f.registry, nil)
	require.NoError(t, err)
	_, err = reopened.Submit(ctx, tx)
	assert.ErrorIs(t, err, ErrReplayedTx)
	count, err := reopened.RatingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func sign(t *testing.T, key *ecdsa.PrivateKey, hash []byte) []byte {
	t.Helper()
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	return sig
}

func grantKeys(t *testing.T, kv storage.KV, user common.Address) []string {
	t.Helper()
	keys, err := kv.Keys(grant.CacheKeyPrefix + user.Hex())
	require.NoError(t, err)
	return keys
}

func TestSessionEvictsGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator, alice, bob := newSigner(t), newSigner(t), newSigner(t)
	id, err := f.gateway.CreateRating(ctx, creator, reviewParams())
	require.NoError(t, err)

	session := NewSession(f.grants, nil)
	_, err = session.Signer()
	assert.ErrorIs(t, err, ErrNotConnected)

	decryptAs := func(s Signer) {
		t.Helper()
		require.NoError(t, f.gateway.SubmitRating(ctx, s, id, []uint64{1, 2, 3}))
		_, err := f.gateway.DecryptMyRating(ctx, s, id)
		require.NoError(t, err)
		require.Len(t, grantKeys(t, f.kv, s.Address()), 1)
	}

	require.NoError(t, session.Connect(alice, fhe.LocalChainID))
	decryptAs(alice)

	require.NoError(t, session.SwitchAccount(bob))
	assert.Empty(t, grantKeys(t, f.kv, alice.Address()))
	assert.Equal(t, bob.Address(), session.Address())
	decryptAs(bob)

	require.NoError(t, session.SwitchNetwork(fhe.SepoliaChainID))
	assert.Empty(t, grantKeys(t, f.kv, bob.Address()))
	assert.Equal(t, fhe.SepoliaChainID, session.ChainID())
	assert.NoError(t, session.RequireNetwork(fhe.SepoliaChainID))
	assert.ErrorIs(t, session.RequireNetwork(fhe.LocalChainID), ErrWrongNetwork)
	current, err := session.Signer()
	require.NoError(t, err)
	assert.Equal(t, bob.Address(), current.Address())

	_, err = f.gateway.DecryptMyRating(ctx, bob, id)
	require.NoError(t, err)
	require.NoError(t, session.Disconnect())
	assert.Empty(t, grantKeys(t, f.kv, bob.Address()))
	_, err = session.Signer()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, common.Address{}, session.Address())
}

func TestQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := newSigner(t)
	id, err := f.gateway.CreateRating(ctx, creator, reviewParams())
	require.NoError(t, err)

	t.Run("runs jobs", func(t *testing.T) {
		q := NewQueue(f.gateway, 2, 8, nil)
		q.Start()
		defer q.Stop()

		participants := []Signer{newSigner(t), newSigner(t), newSigner(t)}
		jobs := make([]Job, len(participants))
		for i, p := range participants {
			jobs[i] = Job{Kind: JobSubmit, Signer: p, RatingID: id, Scores: []uint64{2, 3, 4}}
		}
		results, err := q.EnqueueBatch(ctx, jobs)
		require.NoError(t, err)
		for _, ch := range results {
			res := <-ch
			require.NoError(t, res.Err)
			assert.NotEmpty(t, res.JobID)
		}

		ch, err := q.Enqueue(ctx, Job{Kind: JobDecryptAggregate, Signer: creator, RatingID: id})
		require.NoError(t, err)
		res := <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, []uint64{6, 9, 12}, res.Values)

		ch, err = q.Enqueue(ctx, Job{Kind: JobDecryptMine, Signer: participants[0], RatingID: id})
		require.NoError(t, err)
		res = <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, []uint64{2, 3, 4}, res.Values)
	})

	t.Run("full queue rejects", func(t *testing.T) {
		q := NewQueue(f.gateway, 1, 1, nil)
		first, err := q.Enqueue(ctx, Job{Kind: JobDecryptMine, Signer: creator, RatingID: id})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, Job{Kind: JobDecryptMine, Signer: creator, RatingID: id})
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.True(t, failure.Retryable(err))
		assert.Equal(t, 1, q.Pending())

		q.Stop()
		res := <-first
		assert.ErrorIs(t, res.Err, ErrQueueStopped)
		_, err = q.Enqueue(ctx, Job{Kind: JobDecryptMine, Signer: creator, RatingID: id})
		assert.ErrorIs(t, err, ErrQueueStopped)
	})

	t.Run("cancelled job is abandoned", func(t *testing.T) {
		q := NewQueue(f.gateway, 1, 1, nil)
		cctx, cancel := context.WithCancel(ctx)
		ch, err := q.Enqueue(cctx, Job{Kind: JobSubmit, Signer: newSigner(t), RatingID: id, Scores: []uint64{1, 1, 1}})
		require.NoError(t, err)
		cancel()
		q.Start()
		defer q.Stop()

		select {
		case res := <-ch:
			assert.ErrorIs(t, res.Err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("job result not delivered")
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		q := NewQueue(f.gateway, 1, 1, nil)
		_, err := q.Enqueue(ctx, Job{Kind: "transfer"})
		assert.ErrorIs(t, err, ErrUnsupportedOp)
	})
}

func TestSummarize(t *testing.T) {
	c := &models.Campaign{ID: 3, Dimensions: []string{"A", "B", "C"}, ParticipantCount: 3}
	stats := Summarize(c, []uint64{10, 4, 7})
	assert.Equal(t, []float64{3.33, 1.33, 2.33}, []float64{stats.Dimensions[0].Average, stats.Dimensions[1].Average, stats.Dimensions[2].Average})
	assert.Equal(t, 2.33, stats.OverallAverage)
	assert.Equal(t, "A", stats.BestDimension)
	assert.Equal(t, "B", stats.WorstDimension)
	assert.Equal(t, uint64(3), stats.RatingID)
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()
	now := time.Unix(100, 0)
	mc.now = func() time.Time { return now }

	done := mc.Start(OpSubmit)
	assert.Equal(t, 1, mc.Get(OpSubmit).InFlight)
	now = now.Add(40 * time.Millisecond)
	done(nil)

	done = mc.Start(OpSubmit)
	now = now.Add(20 * time.Millisecond)
	done(assert.AnError)

	m := mc.Get(OpSubmit)
	assert.Equal(t, 2, m.Count)
	assert.Equal(t, 1, m.Failures)
	assert.Equal(t, int64(60), m.ProcessingTime)
	assert.Equal(t, 30.0, m.AverageTime)
	assert.Equal(t, time.Unix(100, 0), m.StartTime)

	mc.Start(OpClose)(nil)
	assert.Equal(t, []string{OpClose, OpSubmit}, mc.Names())

	mc.Reset()
	assert.Empty(t, mc.GetMetrics().Operations)
}

package grant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratevault-backend/encryption"
	"ratevault-backend/failure"
	"ratevault-backend/fhe"
	"ratevault-backend/fhevm"
	"ratevault-backend/storage"
)

var (
	contractA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	contractB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingSigner struct {
	*KeySigner
	calls atomic.Int32
	err   error
}

func (s *countingSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.KeySigner.SignTypedData(ctx, td)
}

type fixture struct {
	clock    *clock
	executor *fhe.Executor
	instance fhevm.Instance
	kv       storage.KV
	manager  *Manager
	signer   *countingSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{now: time.Unix(1_750_000_000, 0)}, kv: storage.NewMemoryKV()}

	scheme, err := encryption.NewScheme(encryption.SchemeElGamal, 0)
	require.NoError(t, err)
	coprocessor, err := crypto.GenerateKey()
	require.NoError(t, err)
	f.executor = fhe.NewExecutor(scheme, coprocessor, fhe.Config{}, fhe.WithClock(f.clock.Now))
	srv, err := fhe.NewRPCServer(f.executor, "")
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	inst, err := fhevm.NewMockInstance(context.Background(), rpc.DialInProc(srv), nil)
	require.NoError(t, err)
	t.Cleanup(inst.Close)
	f.instance = inst

	f.manager = NewManager(inst, NewCache(f.kv, WithClock(f.clock.Now)))
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	f.signer = &countingSigner{KeySigner: NewKeySigner(key)}
	return f
}

// submit stores value as an input of the signer for contractA and grants the
// signer access to it.
func (f *fixture) submit(t *testing.T, value uint64) fhe.Handle {
	t.Helper()
	user := f.signer.Address()
	bundle, err := f.instance.CreateEncryptedInput(contractA, user).Add32(value).Encrypt(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.executor.VerifyInput(bundle.Handles, bundle.InputProof, contractA, user))
	require.NoError(t, f.executor.Allow(contractA, bundle.Handles[0], user))
	return bundle.Handles[0]
}

func TestCacheKey(t *testing.T) {
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")
	key := CacheKey(user, []common.Address{contractB, contractA, contractB})
	assert.Equal(t, "decryptionSignature."+user.Hex()+"."+contractA.Hex()+","+contractB.Hex(), key)
	assert.Equal(t, key, CacheKey(user, []common.Address{contractA, contractB}))
}

func TestGrantLifetime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.submit(t, 42)
	pairs := []fhe.HandleContractPair{{Handle: h, ContractAddress: contractA}}

	g, err := f.manager.LoadOrCreate(ctx, []common.Address{contractA}, f.signer)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultDurationDays), g.DurationDays)
	assert.Equal(t, f.clock.Now().Unix(), g.StartTimestamp)

	f.clock.Advance(24 * time.Hour)
	values, err := f.manager.Decrypt(ctx, pairs, g)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), values[h].Uint64())

	f.clock.Advance(365 * 24 * time.Hour)
	_, err = f.manager.Decrypt(ctx, pairs, g)
	assert.ErrorIs(t, err, ErrGrantExpired)
	assert.Equal(t, failure.Cryptographic, failure.KindOf(err))
}

func TestLoadOrCreateReturnsStoredGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contracts := []common.Address{contractB, contractA}

	first, err := f.manager.LoadOrCreate(ctx, contracts, f.signer)
	require.NoError(t, err)
	key := CacheKey(f.signer.Address(), contracts)
	stored, ok, err := f.kv.Get(key)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(100 * 24 * time.Hour)
	second, err := f.manager.LoadOrCreate(ctx, []common.Address{contractA, contractB}, f.signer)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.signer.calls.Load())
	assert.Equal(t, first.Signature, second.Signature)
	assert.Equal(t, first.PrivateKey, second.PrivateKey)
	assert.Equal(t, first.StartTimestamp, second.StartTimestamp)

	after, _, err := f.kv.Get(key)
	require.NoError(t, err)
	assert.Equal(t, stored, after)

	f.clock.Advance(266 * 24 * time.Hour)
	third, err := f.manager.LoadOrCreate(ctx, contracts, f.signer)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.signer.calls.Load())
	assert.NotEqual(t, first.Signature, third.Signature)
	assert.Equal(t, f.clock.Now().Unix(), third.StartTimestamp)
}

func TestLoadOrCreateSignsOncePerKey(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	grants := make([]*Grant, 8)
	for i := range grants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := f.manager.LoadOrCreate(context.Background(), []common.Address{contractA}, f.signer)
			assert.NoError(t, err)
			grants[i] = g
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.signer.calls.Load())
	for _, g := range grants {
		assert.Equal(t, grants[0].Signature, g.Signature)
	}
}

type gatedSigner struct {
	*KeySigner
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
	}
	<-s.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.KeySigner.SignTypedData(ctx, td)
}

func TestLoadOrCreateSurvivesCancelledCaller(t *testing.T) {
	f := newFixture(t)
	signer := &gatedSigner{KeySigner: f.signer.KeySigner, entered: make(chan struct{}), release: make(chan struct{})}
	contracts := []common.Address{contractA}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.manager.LoadOrCreate(ctx, contracts, signer)
		first <- err
	}()
	<-signer.entered
	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	// the signature is still pending, so this call joins it
	second := make(chan *Grant, 1)
	go func() {
		g, err := f.manager.LoadOrCreate(context.Background(), contracts, signer)
		assert.NoError(t, err)
		second <- g
	}()
	close(signer.release)

	select {
	case g := <-second:
		require.NotNil(t, g)
		assert.NotEmpty(t, g.Signature)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not receive the grant")
	}
	assert.Equal(t, int32(1), signer.calls.Load())
	_, ok, err := f.kv.Get(CacheKey(signer.Address(), contracts))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadOrCreateFailures(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.LoadOrCreate(context.Background(), nil, f.signer)
	assert.ErrorIs(t, err, ErrNoContracts)

	f.signer.err = errors.New("user rejected the request")
	_, err = f.manager.LoadOrCreate(context.Background(), []common.Address{contractA}, f.signer)
	assert.ErrorIs(t, err, ErrSigningRejected)
	keys, err := f.kv.Keys(CacheKeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDecryptWrapsBackendErrors(t *testing.T) {
	f := newFixture(t)
	h := f.submit(t, 1)
	g, err := f.manager.LoadOrCreate(context.Background(), []common.Address{contractB}, f.signer)
	require.NoError(t, err)

	// the grant covers contractB but the handle belongs to contractA
	_, err = f.manager.Decrypt(context.Background(), []fhe.HandleContractPair{{Handle: h, ContractAddress: contractA}}, g)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEviction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	other := NewKeySigner(otherKey)

	for _, contracts := range [][]common.Address{{contractA}, {contractA, contractB}} {
		_, err := f.manager.LoadOrCreate(ctx, contracts, f.signer)
		require.NoError(t, err)
		_, err = f.manager.LoadOrCreate(ctx, contracts, other)
		require.NoError(t, err)
	}

	require.NoError(t, f.manager.EvictUser(f.signer.Address()))
	keys, err := f.kv.Keys(CacheKeyPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.Contains(t, k, other.Address().Hex())
	}

	require.NoError(t, f.manager.EvictAll())
	keys, err = f.kv.Keys(CacheKeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCachePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1_750_000_000, 0)
	store, err := storage.NewJSONStore(dir)
	require.NoError(t, err)
	cache := NewCache(store, WithClock(func() time.Time { return now }))

	g := &Grant{UserAddress: contractA, StartTimestamp: now.Unix(), DurationDays: 1, Signature: []byte{1, 2}}
	require.NoError(t, cache.Put("decryptionSignature.x", g))

	reopened, err := storage.NewJSONStore(dir)
	require.NoError(t, err)
	got, ok, err := NewCache(reopened, WithClock(func() time.Time { return now })).Get("decryptionSignature.x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, g.Signature, got.Signature)

	expired := NewCache(reopened, WithClock(func() time.Time { return now.Add(25 * time.Hour) }))
	_, ok, err = expired.Get("decryptionSignature.x")
	require.NoError(t, err)
	assert.False(t, ok)
	_, present, err := reopened.Get("decryptionSignature.x")
	require.NoError(t, err)
	assert.False(t, present)
}

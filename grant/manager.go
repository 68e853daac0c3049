package grant

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ratevault-backend/fhe"
	"ratevault-backend/fhevm"
)

// Manager hands out grants, creating at most one at a time per cache key.
type Manager struct {
	instance     fhevm.Instance
	cache        *Cache
	group        singleflight.Group
	durationDays int64
	logger       *zap.Logger
}

type Option func(*Manager)

func WithDurationDays(days int64) Option {
	return func(m *Manager) { m.durationDays = days }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(instance fhevm.Instance, cache *Cache, opts ...Option) *Manager {
	m := &Manager{
		instance:     instance,
		cache:        cache,
		durationDays: DefaultDurationDays,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadOrCreate returns the cached grant of signer for contracts, or signs a
// new one when none is cached or the cached one expired. Concurrent callers
// share one creation, which outlives the cancellation of any of them.
func (m *Manager) LoadOrCreate(ctx context.Context, contracts []common.Address, signer Signer) (*Grant, error) {
	if len(contracts) == 0 {
		return nil, ErrNoContracts
	}
	user := signer.Address()
	sorted := sortContracts(contracts)
	key := CacheKey(user, sorted)

	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		g, ok, err := m.cache.Get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			return g, nil
		}
		return m.create(shared, key, user, sorted, signer)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Grant), nil
	}
}

func (m *Manager) create(ctx context.Context, key string, user common.Address, contracts []common.Address, signer Signer) (*Grant, error) {
	kp, err := m.instance.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate grant keypair: %w", err)
	}
	start := m.cache.now().Unix()
	td := m.instance.CreateEIP712(kp.PublicKey, contracts, start, m.durationDays)
	sig, err := signer.SignTypedData(ctx, td)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningRejected, err)
	}

	g := &Grant{
		PublicKey:         kp.PublicKey,
		PrivateKey:        kp.PrivateKey,
		Signature:         sig,
		ContractAddresses: contracts,
		UserAddress:       user,
		StartTimestamp:    start,
		DurationDays:      m.durationDays,
		TypedData:         td,
	}
	if err := m.cache.Put(key, g); err != nil {
		return nil, fmt.Errorf("failed to cache grant: %w", err)
	}
	m.logger.Info("issued decryption grant",
		zap.String("user", user.Hex()),
		zap.Int("contracts", len(contracts)),
		zap.Int64("expires_at", g.ExpiresAt()))
	return g, nil
}

// Decrypt decrypts handles with g after checking it is still valid.
func (m *Manager) Decrypt(ctx context.Context, handles []fhe.HandleContractPair, g *Grant) (map[fhe.Handle]*big.Int, error) {
	now := m.cache.now()
	if !g.Valid(now) {
		return nil, fmt.Errorf("%w: at %s", ErrGrantExpired, time.Unix(g.ExpiresAt(), 0).UTC().Format(time.RFC3339))
	}
	values, err := m.instance.UserDecrypt(ctx, fhevm.DecryptRequest{
		Handles:           handles,
		PrivateKey:        g.PrivateKey,
		PublicKey:         g.PublicKey,
		Signature:         g.Signature,
		ContractAddresses: g.ContractAddresses,
		UserAddress:       g.UserAddress,
		StartTimestamp:    g.StartTimestamp,
		DurationDays:      g.DurationDays,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return values, nil
}

// EvictUser drops every grant of user.
func (m *Manager) EvictUser(user common.Address) error {
	n, err := m.cache.EvictPrefix(userPrefix(user))
	if n > 0 {
		m.logger.Info("evicted grants", zap.String("user", user.Hex()), zap.Int("count", n))
	}
	return err
}

func (m *Manager) EvictAll() error {
	_, err := m.cache.EvictPrefix(CacheKeyPrefix)
	return err
}

package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"ratevault-backend/encryption"
	"ratevault-backend/fhe"
	"ratevault-backend/grant"
	"ratevault-backend/models"
	"ratevault-backend/registry"
)

// Signer is an account that can authorize both ledger transactions and
// decryption grants.
type Signer interface {
	grant.Signer
	SignHash(hash []byte) ([]byte, error)
}

// Ledger is the rating registry as seen by a client, in process or remote.
type Ledger interface {
	ContractAddress(ctx context.Context) (common.Address, error)
	Submit(ctx context.Context, tx *models.Transaction) (*registry.Receipt, error)

	GetRating(ctx context.Context, id uint64) (*models.Campaign, error)
	GetRatings(ctx context.Context, offset, limit uint64) ([]*models.Campaign, error)
	RatingCount(ctx context.Context) (uint64, error)
	GetMyCreatedRatings(ctx context.Context, account common.Address) ([]uint64, error)
	GetMyRatedRatings(ctx context.Context, account common.Address) ([]uint64, error)
	HasRated(ctx context.Context, id uint64, account common.Address) (bool, error)
	GetAggregatedScores(ctx context.Context, id uint64) ([]fhe.Handle, error)
	GetMyRating(ctx context.Context, id uint64, account common.Address) ([]fhe.Handle, error)
}

// SignTransaction builds a transaction from signer and signs it.
func SignTransaction(signer Signer, kind models.TxKind, payload any) (*models.Transaction, error) {
	tx, err := models.NewTransaction(kind, signer.Address(), payload)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignHash(tx.SigningHash())
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s transaction: %w", kind, err)
	}
	tx.Signature = sig
	return tx, nil
}

// LocalLedger serves a registry in process. Submitted transactions must be
// signed by their sender and each transaction id is accepted once.
type LocalLedger struct {
	registry *registry.Registry
	crypto   *encryption.CryptoService
	logger   *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLocalLedger indexes the ids already on the registry's chain so they
// cannot be replayed after a restart.
func NewLocalLedger(reg *registry.Registry, logger *zap.Logger) (*LocalLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &LocalLedger{
		registry: reg,
		crypto:   encryption.NewCryptoService(),
		logger:   logger,
		seen:     make(map[string]struct{}),
	}
	chain := reg.Chain()
	for i := range chain.Len() {
		tx, err := chain.Transaction(uint64(i))
		if err != nil {
			return nil, err
		}
		l.seen[tx.ID] = struct{}{}
	}
	return l, nil
}

func (l *LocalLedger) Registry() *registry.Registry { return l.registry }

func (l *LocalLedger) ContractAddress(context.Context) (common.Address, error) {
	return l.registry.Address(), nil
}

// Submit authenticates tx and applies it.
func (l *LocalLedger) Submit(ctx context.Context, tx *models.Transaction) (*registry.Receipt, error) {
	if err := l.authenticate(tx); err != nil {
		l.logger.Warn("rejected transaction", zap.String("tx", tx.ID), zap.Error(err))
		return nil, err
	}
	return l.registry.Apply(ctx, tx)
}

func (l *LocalLedger) authenticate(tx *models.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: missing id", registry.ErrInvalidPayload)
	}
	signer, err := l.crypto.RecoverAddress(tx.SigningHash(), tx.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != tx.From {
		return fmt.Errorf("%w: signed by %s, sent as %s", ErrBadSignature, signer.Hex(), tx.From.Hex())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[tx.ID]; ok {
		return fmt.Errorf("%w: %s", ErrReplayedTx, tx.ID)
	}
	l.seen[tx.ID] = struct{}{}
	return nil
}

func (l *LocalLedger) GetRating(_ context.Context, id uint64) (*models.Campaign, error) {
	return l.registry.GetRating(id)
}

func (l *LocalLedger) GetRatings(_ context.Context, offset, limit uint64) ([]*models.Campaign, error) {
	return l.registry.GetRatings(offset, limit), nil
}

func (l *LocalLedger) RatingCount(context.Context) (uint64, error) {
	return l.registry.RatingCount(), nil
}

func (l *LocalLedger) GetMyCreatedRatings(_ context.Context, account common.Address) ([]uint64, error) {
	return l.registry.GetMyCreatedRatings(account), nil
}

func (l *LocalLedger) GetMyRatedRatings(_ context.Context, account common.Address) ([]uint64, error) {
	return l.registry.GetMyRatedRatings(account), nil
}

func (l *LocalLedger) HasRated(_ context.Context, id uint64, account common.Address) (bool, error) {
	return l.registry.HasRated(id, account)
}

func (l *LocalLedger) GetAggregatedScores(_ context.Context, id uint64) ([]fhe.Handle, error) {
	return l.registry.GetAggregatedScores(id)
}

func (l *LocalLedger) GetMyRating(_ context.Context, id uint64, account common.Address) ([]fhe.Handle, error) {
	return l.registry.GetMyRating(id, account)
}

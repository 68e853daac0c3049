// Package service wires the ledger, the FHE runtime and the grant manager
// into the operations a RatingVault client performs.
package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"ratevault-backend/codec"
	"ratevault-backend/fhe"
	"ratevault-backend/fhevm"
	"ratevault-backend/grant"
	"ratevault-backend/models"
	"ratevault-backend/registry"
)

// Gateway routes client calls between the ledger, the FHE instance and the
// grant manager.
type Gateway struct {
	ledger   Ledger
	instance fhevm.Instance
	grants   *grant.Manager
	metrics  *MetricsCollector
	logger   *zap.Logger
}

type GatewayOption func(*Gateway)

func WithMetrics(mc *MetricsCollector) GatewayOption {
	return func(g *Gateway) { g.metrics = mc }
}

func WithGatewayLogger(logger *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

func NewGateway(ledger Ledger, instance fhevm.Instance, grants *grant.Manager, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		ledger:   ledger,
		instance: instance,
		grants:   grants,
		metrics:  NewMetricsCollector(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Ledger() Ledger { return g.ledger }

func (g *Gateway) Metrics() *MetricsCollector { return g.metrics }

// CreateRating opens a campaign owned by signer.
func (g *Gateway) CreateRating(ctx context.Context, signer Signer, p models.CreateRatingParams) (id uint64, err error) {
	done := g.metrics.Start(OpCreate)
	defer func() { done(err) }()

	tx, err := SignTransaction(signer, models.TxCreateRating, p)
	if err != nil {
		return 0, err
	}
	receipt, err := g.ledger.Submit(ctx, tx)
	if err != nil {
		return 0, err
	}
	g.logger.Info("created rating", zap.Uint64("id", receipt.RatingID), zap.String("creator", signer.Address().Hex()))
	return receipt.RatingID, nil
}

// SubmitRating checks scores against the campaign, encrypts them for the
// registry contract and submits the bundle.
func (g *Gateway) SubmitRating(ctx context.Context, signer Signer, id uint64, scores []uint64) (err error) {
	done := g.metrics.Start(OpSubmit)
	defer func() { done(err) }()

	c, err := g.ledger.GetRating(ctx, id)
	if err != nil {
		return err
	}
	if err := codec.ValidateScores(c, scores); err != nil {
		return err
	}
	contract, err := g.ledger.ContractAddress(ctx)
	if err != nil {
		return err
	}
	bundle, err := codec.Encode(ctx, g.instance, contract, signer.Address(), scores)
	if err != nil {
		return err
	}

	handles := make([]hexutil.Bytes, len(bundle.Handles))
	for i, h := range bundle.Handles {
		handles[i] = h.Bytes()
	}
	tx, err := SignTransaction(signer, models.TxSubmitRating, models.SubmitRatingPayload{
		RatingID: id,
		Handles:  handles,
		Proof:    bundle.InputProof,
	})
	if err != nil {
		return err
	}
	if _, err := g.ledger.Submit(ctx, tx); err != nil {
		return err
	}
	g.logger.Debug("submitted rating", zap.Uint64("id", id), zap.String("participant", signer.Address().Hex()))
	return nil
}

func (g *Gateway) CloseRating(ctx context.Context, signer Signer, id uint64) (err error) {
	done := g.metrics.Start(OpClose)
	defer func() { done(err) }()

	tx, err := SignTransaction(signer, models.TxCloseRating, models.CloseRatingPayload{RatingID: id})
	if err != nil {
		return err
	}
	_, err = g.ledger.Submit(ctx, tx)
	return err
}

// DecryptMyRating returns the scores signer submitted to campaign id.
func (g *Gateway) DecryptMyRating(ctx context.Context, signer Signer, id uint64) (scores []uint64, err error) {
	done := g.metrics.Start(OpDecryptMine)
	defer func() { done(err) }()

	handles, err := g.ledger.GetMyRating(ctx, id, signer.Address())
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: %s on rating %d", ErrNotRated, signer.Address().Hex(), id)
	}
	return g.decrypt(ctx, signer, handles)
}

// DecryptAggregatedScores returns the per-dimension totals of campaign id.
// Only the creator may ask.
func (g *Gateway) DecryptAggregatedScores(ctx context.Context, signer Signer, id uint64) (totals []uint64, err error) {
	done := g.metrics.Start(OpDecryptAggregate)
	defer func() { done(err) }()

	_, handles, err := g.aggregates(ctx, signer, id)
	if err != nil {
		return nil, err
	}
	return g.decrypt(ctx, signer, handles)
}

// AggregatedStats decrypts the totals of campaign id and derives averages.
func (g *Gateway) AggregatedStats(ctx context.Context, signer Signer, id uint64) (stats *RatingStats, err error) {
	done := g.metrics.Start(OpDecryptAggregate)
	defer func() { done(err) }()

	c, handles, err := g.aggregates(ctx, signer, id)
	if err != nil {
		return nil, err
	}
	totals, err := g.decrypt(ctx, signer, handles)
	if err != nil {
		return nil, err
	}
	return Summarize(c, totals), nil
}

// maxAggregateReads bounds how often aggregates re-reads a campaign that
// keeps taking submissions.
const maxAggregateReads = 3

// aggregates returns campaign id with the accumulator handles of the same
// participant count. The campaign and its handles are separate reads, so a
// submission landing between them is detected by reading the campaign again.
func (g *Gateway) aggregates(ctx context.Context, signer Signer, id uint64) (*models.Campaign, []fhe.Handle, error) {
	for range maxAggregateReads {
		c, err := g.ledger.GetRating(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if c.Creator != signer.Address() {
			return nil, nil, fmt.Errorf("%w: %s does not own rating %d", registry.ErrNotCreator, signer.Address().Hex(), c.ID)
		}
		handles, err := g.ledger.GetAggregatedScores(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		after, err := g.ledger.GetRating(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if after.ParticipantCount == c.ParticipantCount {
			return c, handles, nil
		}
		g.logger.Debug("rating changed during read, retrying", zap.Uint64("id", id))
	}
	return nil, nil, fmt.Errorf("%w: rating %d", ErrStateChanged, id)
}

// decrypt resolves handles through signer's grant for the registry contract
// and returns the plaintexts in handle order.
func (g *Gateway) decrypt(ctx context.Context, signer Signer, handles []fhe.Handle) ([]uint64, error) {
	contract, err := g.ledger.ContractAddress(ctx)
	if err != nil {
		return nil, err
	}
	gr, err := g.grants.LoadOrCreate(ctx, []common.Address{contract}, signer)
	if err != nil {
		return nil, err
	}
	pairs := make([]fhe.HandleContractPair, len(handles))
	for i, h := range handles {
		pairs[i] = fhe.HandleContractPair{Handle: h, ContractAddress: contract}
	}
	values, err := g.grants.Decrypt(ctx, pairs, gr)
	if err != nil {
		return nil, err
	}

	out := make([]uint64, len(handles))
	for i, h := range handles {
		v, ok := values[h]
		if !ok {
			return nil, fmt.Errorf("%w: no value for %s", grant.ErrDecryptionFailed, h.Hex())
		}
		out[i] = v.Uint64()
	}
	return out, nil
}

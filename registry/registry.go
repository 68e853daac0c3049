// Package registry is the rating ledger: campaigns, encrypted per-dimension
// accumulators and the per-participant submission records.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"ratevault-backend/blockchain"
	"ratevault-backend/fhe"
	"ratevault-backend/models"
)

const (
	MinDimensions = 2
	MaxDimensions = 10

	// ChainName is the block log the registry commits to.
	ChainName = "ledger"
)

// ScoreType is the encrypted type of scores and accumulators.
const ScoreType = fhe.Euint32

// Executor is the FHE capability the registry computes with.
type Executor interface {
	TrivialEncrypt(contract common.Address, value uint64, t fhe.FheType) (fhe.Handle, error)
	Add(contract common.Address, a, b fhe.Handle) (fhe.Handle, error)
	Allow(contract common.Address, h fhe.Handle, account common.Address) error
	VerifyInput(handles []fhe.Handle, proof []byte, contract, user common.Address) error
}

// Receipt describes a committed transaction. Block is nil when the
// transaction changed nothing and was not recorded.
type Receipt struct {
	TxID     string        `json:"tx_id"`
	Kind     models.TxKind `json:"kind"`
	RatingID uint64        `json:"rating_id"`
	Block    *uint64       `json:"block,omitempty"`
}

// CampaignRecord is a campaign with its encrypted state.
type CampaignRecord struct {
	Campaign    models.Campaign                 `json:"campaign"`
	Aggregates  []fhe.Handle                    `json:"aggregates"`
	Submissions map[common.Address][]fhe.Handle `json:"submissions"`
}

// Registry serializes every mutation behind one writer lock and commits it
// to the block log before publishing the new state.
type Registry struct {
	address  common.Address
	executor Executor
	chain    *blockchain.Chain
	now      func() time.Time
	logger   *zap.Logger
	persist  func(pending *State) error

	mu        sync.RWMutex
	campaigns []*CampaignRecord
	created   map[common.Address][]uint64
	rated     map[common.Address][]uint64

	createdFeed   event.Feed
	submittedFeed event.Feed
	closedFeed    event.Feed
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithChain commits to chain instead of an in-memory log.
func WithChain(chain *blockchain.Chain) Option {
	return func(r *Registry) { r.chain = chain }
}

// WithCommitHook calls persist with the registry state, under the writer
// lock, after a mutation's coprocessor work and before its block is
// appended. A persist error aborts the mutation. State saved this way is at
// most one block behind the log; Replay covers the difference.
func WithCommitHook(persist func(pending *State) error) Option {
	return func(r *Registry) { r.persist = persist }
}

// New creates an empty registry deployed at address.
func New(address common.Address, executor Executor, opts ...Option) (*Registry, error) {
	r := &Registry{
		address:  address,
		executor: executor,
		now:      time.Now,
		logger:   zap.NewNop(),
		created:  make(map[common.Address][]uint64),
		rated:    make(map[common.Address][]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.chain == nil {
		chain, err := blockchain.Open(ChainName, blockchain.WithClock(r.now))
		if err != nil {
			return nil, err
		}
		r.chain = chain
	}
	return r, nil
}

func (r *Registry) Address() common.Address { return r.address }

func (r *Registry) Chain() *blockchain.Chain { return r.chain }

func (r *Registry) unixNow() uint64 {
	return uint64(r.now().Unix())
}

// CreateRating opens a new campaign owned by caller and returns its id.
func (r *Registry) CreateRating(ctx context.Context, caller common.Address, p models.CreateRatingParams) (uint64, error) {
	tx, err := models.NewTransaction(models.TxCreateRating, caller, p)
	if err != nil {
		return 0, err
	}
	receipt, err := r.createRating(ctx, tx, p, nil)
	if err != nil {
		return 0, err
	}
	return receipt.RatingID, nil
}

// SubmitRating adds caller's encrypted scores to campaign id.
func (r *Registry) SubmitRating(ctx context.Context, caller common.Address, id uint64, handles []fhe.Handle, proof []byte) error {
	raw := make([]hexutil.Bytes, len(handles))
	for i, h := range handles {
		raw[i] = h.Bytes()
	}
	tx, err := models.NewTransaction(models.TxSubmitRating, caller, models.SubmitRatingPayload{RatingID: id, Handles: raw, Proof: proof})
	if err != nil {
		return err
	}
	_, err = r.submitRating(ctx, tx, id, handles, proof, nil)
	return err
}

// CloseRating stops submissions to campaign id. Closing a closed campaign
// succeeds without recording anything.
func (r *Registry) CloseRating(ctx context.Context, caller common.Address, id uint64) error {
	tx, err := models.NewTransaction(models.TxCloseRating, caller, models.CloseRatingPayload{RatingID: id})
	if err != nil {
		return err
	}
	_, err = r.closeRating(ctx, tx, id, nil)
	return err
}

// Apply executes a transaction on behalf of tx.From. Authenticating the
// sender is the caller's job.
func (r *Registry) Apply(ctx context.Context, tx *models.Transaction) (*Receipt, error) {
	return r.apply(ctx, tx, nil)
}

// Replay re-executes the log's blocks from index from onwards without
// appending them again, and returns how many it applied. It brings state
// restored from a snapshot taken at block from up to the log.
func (r *Registry) Replay(ctx context.Context, from int) (int, error) {
	n := r.chain.Len()
	for i := from; i < n; i++ {
		block, err := r.chain.Block(uint64(i))
		if err != nil {
			return i - from, err
		}
		tx, err := r.chain.Transaction(uint64(i))
		if err != nil {
			return i - from, err
		}
		if _, err := r.apply(ctx, tx, block); err != nil {
			return i - from, fmt.Errorf("replaying block %d: %w", i, err)
		}
	}
	return max(n-from, 0), nil
}

// apply executes tx. replay is the block tx is already recorded in, or nil
// for a new transaction.
func (r *Registry) apply(ctx context.Context, tx *models.Transaction, replay *models.Block) (*Receipt, error) {
	switch tx.Kind {
	case models.TxCreateRating:
		var p models.CreateRatingParams
		if err := tx.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return r.createRating(ctx, tx, p, replay)

	case models.TxSubmitRating:
		var p models.SubmitRatingPayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		handles := make([]fhe.Handle, len(p.Handles))
		for i, raw := range p.Handles {
			h, err := fhe.BytesToHandle(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: handle %d: %v", ErrMalformedHandle, i, err)
			}
			handles[i] = h
		}
		return r.submitRating(ctx, tx, p.RatingID, handles, p.Proof, replay)

	case models.TxCloseRating:
		var p models.CloseRatingPayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return r.closeRating(ctx, tx, p.RatingID, replay)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransaction, tx.Kind)
	}
}

// record appends tx to the block log, persisting the pending state first,
// or hands back the block a replayed tx is already in. Requires r.mu.
func (r *Registry) record(ctx context.Context, tx *models.Transaction, replay *models.Block) (*models.Block, error) {
	if replay != nil {
		return replay, nil
	}
	if r.persist != nil {
		if err := r.persist(r.snapshotLocked()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}
	return r.chain.Append(ctx, tx)
}

// clock is the time a transaction executes at. Replayed transactions run
// at their block's time.
func (r *Registry) clock(replay *models.Block) uint64 {
	if replay != nil {
		return uint64(replay.Timestamp / 1000)
	}
	return r.unixNow()
}

// validateParams checks p at now. Replayed transactions pass
// checkDeadline false.
func validateParams(p models.CreateRatingParams, now uint64, checkDeadline bool) error {
	if n := len(p.Dimensions); n < MinDimensions || n > MaxDimensions {
		return fmt.Errorf("%w: got %d", ErrInvalidDimensionCount, n)
	}
	for i, d := range p.Dimensions {
		if d == "" {
			return fmt.Errorf("%w: dimension %d", ErrEmptyDimensionName, i)
		}
	}
	if p.MinScore >= p.MaxScore {
		return fmt.Errorf("%w: got [%d, %d]", ErrInvalidScoreRange, p.MinScore, p.MaxScore)
	}
	if checkDeadline && p.Deadline != 0 && p.Deadline <= now {
		return fmt.Errorf("%w: %d is not after %d", ErrInvalidDeadline, p.Deadline, now)
	}
	return nil
}

func (r *Registry) createRating(ctx context.Context, tx *models.Transaction, p models.CreateRatingParams, replay *models.Block) (*Receipt, error) {
	receipt, ev, err := r.createLocked(ctx, tx, p, replay)
	if err != nil {
		return nil, err
	}
	r.createdFeed.Send(ev)
	r.logger.Info("rating created",
		zap.Uint64("id", ev.ID),
		zap.String("creator", ev.Creator.Hex()),
		zap.Int("dimensions", ev.DimensionCount))
	return receipt, nil
}

func (r *Registry) createLocked(ctx context.Context, tx *models.Transaction, p models.CreateRatingParams, replay *models.Block) (*Receipt, models.RatingCreated, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock(replay)
	if err := validateParams(p, now, replay == nil); err != nil {
		return nil, models.RatingCreated{}, err
	}

	caller := tx.From
	aggregates := make([]fhe.Handle, len(p.Dimensions))
	for i := range aggregates {
		h, err := r.executor.TrivialEncrypt(r.address, 0, ScoreType)
		if err != nil {
			return nil, models.RatingCreated{}, fmt.Errorf("failed to initialize accumulator %d: %w", i, err)
		}
		if err := r.executor.Allow(r.address, h, caller); err != nil {
			return nil, models.RatingCreated{}, fmt.Errorf("failed to share accumulator %d: %w", i, err)
		}
		aggregates[i] = h
	}

	block, err := r.record(ctx, tx, replay)
	if err != nil {
		return nil, models.RatingCreated{}, err
	}

	id := uint64(len(r.campaigns))
	r.campaigns = append(r.campaigns, &CampaignRecord{
		Campaign: models.Campaign{
			ID:          id,
			Creator:     caller,
			Name:        p.Name,
			Description: p.Description,
			Dimensions:  append([]string(nil), p.Dimensions...),
			MinScore:    p.MinScore,
			MaxScore:    p.MaxScore,
			Deadline:    p.Deadline,
			Active:      true,
			CreatedAt:   now,
		},
		Aggregates:  aggregates,
		Submissions: make(map[common.Address][]fhe.Handle),
	})
	r.created[caller] = append(r.created[caller], id)

	ev := models.RatingCreated{ID: id, Creator: caller, Name: p.Name, DimensionCount: len(p.Dimensions)}
	return &Receipt{TxID: tx.ID, Kind: tx.Kind, RatingID: id, Block: &block.Index}, ev, nil
}

func (r *Registry) submitRating(ctx context.Context, tx *models.Transaction, id uint64, handles []fhe.Handle, proof []byte, replay *models.Block) (*Receipt, error) {
	receipt, err := r.submitLocked(ctx, tx, id, handles, proof, replay)
	if err != nil {
		return nil, err
	}
	r.submittedFeed.Send(models.RatingSubmitted{ID: id, Participant: tx.From})
	r.logger.Debug("rating submitted", zap.Uint64("id", id), zap.String("participant", tx.From.Hex()))
	return receipt, nil
}

func (r *Registry) submitLocked(ctx context.Context, tx *models.Transaction, id uint64, handles []fhe.Handle, proof []byte, replay *models.Block) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	caller := tx.From
	c := &rec.Campaign
	switch {
	case !c.Active:
		return nil, fmt.Errorf("%w: rating %d", ErrNotOpen, id)
	case replay == nil && c.Expired(r.unixNow()):
		return nil, fmt.Errorf("%w: rating %d closed at %d", ErrExpired, id, c.Deadline)
	}
	if _, ok := rec.Submissions[caller]; ok {
		return nil, fmt.Errorf("%w: %s on rating %d", ErrAlreadyRated, caller.Hex(), id)
	}
	if len(handles) != len(c.Dimensions) {
		return nil, fmt.Errorf("%w: got %d handles, rating %d has %d dimensions", ErrDimensionMismatch, len(handles), id, len(c.Dimensions))
	}
	for i, h := range handles {
		if h.Type() != ScoreType {
			return nil, fmt.Errorf("%w: handle %d is %s, want %s", ErrMalformedHandle, i, h.Type(), ScoreType)
		}
	}
	if err := r.executor.VerifyInput(handles, proof, r.address, caller); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	next := make([]fhe.Handle, len(handles))
	for i, h := range handles {
		sum, err := r.executor.Add(r.address, rec.Aggregates[i], h)
		if err != nil {
			return nil, fmt.Errorf("failed to accumulate dimension %d: %w", i, err)
		}
		if err := r.executor.Allow(r.address, sum, c.Creator); err != nil {
			return nil, fmt.Errorf("failed to share accumulator %d: %w", i, err)
		}
		if err := r.executor.Allow(r.address, h, caller); err != nil {
			return nil, fmt.Errorf("failed to share submission %d: %w", i, err)
		}
		next[i] = sum
	}

	// On failure below, the new ciphertexts and ACL entries stay in the
	// coprocessor unreferenced; the registry state is unchanged.
	block, err := r.record(ctx, tx, replay)
	if err != nil {
		return nil, err
	}

	rec.Aggregates = next
	rec.Submissions[caller] = append([]fhe.Handle(nil), handles...)
	c.ParticipantCount++
	r.rated[caller] = append(r.rated[caller], id)
	return &Receipt{TxID: tx.ID, Kind: tx.Kind, RatingID: id, Block: &block.Index}, nil
}

func (r *Registry) closeRating(ctx context.Context, tx *models.Transaction, id uint64, replay *models.Block) (*Receipt, error) {
	receipt, err := r.closeLocked(ctx, tx, id, replay)
	if err != nil {
		return nil, err
	}
	if receipt.Block != nil {
		r.closedFeed.Send(models.RatingClosed{ID: id})
		r.logger.Info("rating closed", zap.Uint64("id", id))
	}
	return receipt, nil
}

func (r *Registry) closeLocked(ctx context.Context, tx *models.Transaction, id uint64, replay *models.Block) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if rec.Campaign.Creator != tx.From {
		return nil, fmt.Errorf("%w: %s does not own rating %d", ErrNotCreator, tx.From.Hex(), id)
	}
	receipt := &Receipt{TxID: tx.ID, Kind: tx.Kind, RatingID: id}
	if !rec.Campaign.Active {
		return receipt, nil
	}

	block, err := r.record(ctx, tx, replay)
	if err != nil {
		return nil, err
	}
	rec.Campaign.Active = false
	receipt.Block = &block.Index
	return receipt, nil
}

// lookup requires r.mu.
func (r *Registry) lookup(id uint64) (*CampaignRecord, error) {
	if id >= uint64(len(r.campaigns)) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return r.campaigns[id], nil
}

func (r *Registry) GetRating(id uint64) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return rec.Campaign.Clone(), nil
}

// GetRatings returns up to limit campaigns starting at id offset.
func (r *Registry) GetRatings(offset, limit uint64) []*models.Campaign {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := uint64(len(r.campaigns))
	if offset >= total {
		return []*models.Campaign{}
	}
	end := total
	if limit < total-offset {
		end = offset + limit
	}
	out := make([]*models.Campaign, 0, end-offset)
	for _, rec := range r.campaigns[offset:end] {
		out = append(out, rec.Campaign.Clone())
	}
	return out
}

func (r *Registry) RatingCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.campaigns))
}

// GetMyCreatedRatings lists campaigns created by account in creation order.
func (r *Registry) GetMyCreatedRatings(account common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uint64{}, r.created[account]...)
}

// GetMyRatedRatings lists campaigns account submitted to in submission order.
func (r *Registry) GetMyRatedRatings(account common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uint64{}, r.rated[account]...)
}

func (r *Registry) HasRated(id uint64, account common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	_, ok := rec.Submissions[account]
	return ok, nil
}

// GetAggregatedScores returns the accumulator handles of campaign id, one
// per dimension.
func (r *Registry) GetAggregatedScores(id uint64) ([]fhe.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return append([]fhe.Handle(nil), rec.Aggregates...), nil
}

// GetMyRating returns account's submitted handles, or an empty slice when
// account has not submitted.
func (r *Registry) GetMyRating(id uint64, account common.Address) ([]fhe.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return append([]fhe.Handle{}, rec.Submissions[account]...), nil
}

// Subscribe* deliver events after the mutation is committed. Sends block
// until every subscriber has received, so use buffered channels.

func (r *Registry) SubscribeRatingCreated(ch chan<- models.RatingCreated) event.Subscription {
	return r.createdFeed.Subscribe(ch)
}

func (r *Registry) SubscribeRatingSubmitted(ch chan<- models.RatingSubmitted) event.Subscription {
	return r.submittedFeed.Subscribe(ch)
}

func (r *Registry) SubscribeRatingClosed(ch chan<- models.RatingClosed) event.Subscription {
	return r.closedFeed.Subscribe(ch)
}

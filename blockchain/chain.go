// Package blockchain keeps the hash-chained log of committed ledger
// transactions.
package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ratevault-backend/failure"
	"ratevault-backend/models"
)

var (
	ErrAppend      = failure.New(failure.Infrastructure, "blockchain: failed to append block")
	ErrCorrupt     = failure.New(failure.Infrastructure, "blockchain: stored chain is invalid")
	ErrNoSuchBlock = failure.New(failure.NotFound, "blockchain: no such block")
)

// Store persists blocks. storage.JSONStore implements it.
type Store interface {
	SaveBlock(chainName string, block *models.Block) error
	LoadChain(chainName string) ([]*models.Block, error)
}

// Chain is an append-only block log. A nil Store keeps it in memory.
type Chain struct {
	name       string
	store      Store
	difficulty uint8
	now        func() time.Time
	logger     *zap.Logger

	mu     sync.RWMutex
	blocks []*models.Block
}

type Option func(*Chain)

func WithStore(store Store) Option {
	return func(c *Chain) { c.store = store }
}

func WithDifficulty(difficulty uint8) Option {
	return func(c *Chain) { c.difficulty = difficulty }
}

func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Chain) { c.logger = logger }
}

// Open loads and validates the named chain from the store, if any.
func Open(name string, opts ...Option) (*Chain, error) {
	c := &Chain{name: name, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		return c, nil
	}
	blocks, err := c.store.LoadChain(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain %s: %w", name, err)
	}
	if err := models.ValidateChain(blocks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	c.blocks = blocks
	c.logger.Info("opened chain", zap.String("chain", name), zap.Int("blocks", len(blocks)))
	return c, nil
}

// Append records tx in a new block. The block is persisted before it
// becomes visible.
func (c *Chain) Append(ctx context.Context, tx *models.Transaction) (*models.Block, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppend, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var prevHash []byte
	lastTimestamp := int64(0)
	if n := len(c.blocks); n > 0 {
		prevHash = c.blocks[n-1].Hash
		lastTimestamp = c.blocks[n-1].Timestamp
	} else {
		prevHash = make([]byte, 32)
	}

	block, err := models.NewBlock(ctx, uint64(len(c.blocks)), ensureUniqueTimestamp(c.now(), lastTimestamp), tx.ID, data, prevHash, c.difficulty)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	if c.store != nil {
		if err := c.store.SaveBlock(c.name, block); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAppend, err)
		}
	}
	c.blocks = append(c.blocks, block)
	c.logger.Debug("appended block",
		zap.String("chain", c.name),
		zap.Uint64("index", block.Index),
		zap.String("tx", tx.ID),
		zap.String("kind", string(tx.Kind)))
	return block, nil
}

// ensureUniqueTimestamp keeps block timestamps, in milliseconds, strictly
// increasing.
func ensureUniqueTimestamp(now time.Time, last int64) int64 {
	ts := now.UnixMilli()
	if ts <= last {
		return last + 1
	}
	return ts
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Blocks returns the blocks in [offset, offset+limit).
func (c *Chain) Blocks(offset, limit int) []*models.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if offset < 0 || offset >= len(c.blocks) || limit <= 0 {
		return []*models.Block{}
	}
	end := min(offset+limit, len(c.blocks))
	out := make([]*models.Block, end-offset)
	copy(out, c.blocks[offset:end])
	return out
}

func (c *Chain) Block(index uint64) (*models.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index >= uint64(len(c.blocks)) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchBlock, index)
	}
	return c.blocks[index], nil
}

// Transaction decodes the transaction recorded in the block at index.
func (c *Chain) Transaction(index uint64) (*models.Transaction, error) {
	block, err := c.Block(index)
	if err != nil {
		return nil, err
	}
	var tx models.Transaction
	if err := json.Unmarshal(block.Data, &tx); err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrCorrupt, index, err)
	}
	return &tx, nil
}

func (c *Chain) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.ValidateChain(c.blocks)
}

package models

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

// Block records one committed transaction in the ledger log.
type Block struct {
	Index      uint64        `json:"index"`
	Timestamp  int64         `json:"timestamp"` // unix milliseconds
	TxID       string        `json:"tx_id"`
	Data       []byte        `json:"data"`
	PrevHash   hexutil.Bytes `json:"prev_hash"`
	Hash       hexutil.Bytes `json:"hash"`
	Nonce      uint64        `json:"nonce"`
	Difficulty uint8         `json:"difficulty"` // leading zero bytes required
}

// NewBlock creates and mines a block. Mining is skipped at difficulty 0
// beyond computing the hash.
func NewBlock(ctx context.Context, index uint64, timestamp int64, txID string, data, prevHash []byte, difficulty uint8) (*Block, error) {
	block := &Block{
		Index:      index,
		Timestamp:  timestamp,
		TxID:       txID,
		Data:       data,
		PrevHash:   prevHash,
		Difficulty: difficulty,
	}
	if err := block.Mine(ctx); err != nil {
		return nil, err
	}
	return block, nil
}

func (b *Block) Mine(ctx context.Context) error {
	target := make([]byte, b.Difficulty)
	for nonce := uint64(0); ; nonce++ {
		b.Nonce = nonce
		b.Hash = b.calculateHash()
		if bytes.HasPrefix(b.Hash, target) {
			return nil
		}
		if nonce%1000 == 999 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("mining block %d: %w", b.Index, err)
			}
			time.Sleep(time.Microsecond)
		}
	}
}

func (b *Block) calculateHash() []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	buffer.WriteString(b.TxID)
	buffer.Write(b.Data)
	buffer.Write(b.PrevHash)
	binary.Write(buffer, binary.BigEndian, b.Nonce)

	d := sha3.NewLegacyKeccak256()
	d.Write(buffer.Bytes())
	return d.Sum(nil)
}

func (b *Block) Validate() error {
	calculated := b.calculateHash()
	if !bytes.Equal(calculated, b.Hash) {
		return fmt.Errorf("block %d: hash mismatch: have %x, want %x", b.Index, []byte(b.Hash), calculated)
	}
	if !bytes.HasPrefix(calculated, make([]byte, b.Difficulty)) {
		return fmt.Errorf("block %d: difficulty %d not met", b.Index, b.Difficulty)
	}
	return nil
}

// ValidateChain checks hashes, links, indices and timestamp ordering.
func ValidateChain(blocks []*Block) error {
	for i, current := range blocks {
		if err := current.Validate(); err != nil {
			return err
		}
		if i == 0 {
			if current.Index != 0 {
				return fmt.Errorf("block 0: unexpected index %d", current.Index)
			}
			continue
		}
		previous := blocks[i-1]
		if !bytes.Equal(current.PrevHash, previous.Hash) {
			return fmt.Errorf("block %d: invalid previous hash link", current.Index)
		}
		if current.Index != previous.Index+1 {
			return fmt.Errorf("block %d: invalid index, previous is %d", current.Index, previous.Index)
		}
		if current.Timestamp <= previous.Timestamp {
			return fmt.Errorf("block %d: timestamp %d not after %d", current.Index, current.Timestamp, previous.Timestamp)
		}
	}
	return nil
}

package api

import (
	"encoding/json"

	"ratevault-backend/models"
)

// ChainInfo is a window of the ledger log.
type ChainInfo struct {
	Length   int         `json:"length"`
	IsValid  bool        `json:"is_valid"`
	LastHash string      `json:"last_hash"`
	Blocks   []BlockInfo `json:"blocks"`
}

type BlockInfo struct {
	Index     uint64        `json:"index"`
	Timestamp int64         `json:"timestamp"`
	TxID      string        `json:"tx_id"`
	Kind      models.TxKind `json:"kind,omitempty"`
	Hash      string        `json:"hash"`
	PrevHash  string        `json:"prev_hash"`
	Nonce     uint64        `json:"nonce"`
}

// BlockResponse is a block with its decoded transaction.
type BlockResponse struct {
	Block       *models.Block       `json:"block"`
	Transaction *models.Transaction `json:"transaction"`
}

func convertToChainInfo(length int, validateErr error, blocks []*models.Block) *ChainInfo {
	info := &ChainInfo{
		Length:  length,
		IsValid: validateErr == nil,
		Blocks:  make([]BlockInfo, len(blocks)),
	}

	if len(blocks) > 0 {
		info.LastHash = blocks[len(blocks)-1].Hash.String()
	}

	for i, block := range blocks {
		info.Blocks[i] = BlockInfo{
			Index:     block.Index,
			Timestamp: block.Timestamp,
			TxID:      block.TxID,
			Kind:      blockKind(block),
			Hash:      block.Hash.String(),
			PrevHash:  block.PrevHash.String(),
			Nonce:     block.Nonce,
		}
	}

	return info
}

func blockKind(block *models.Block) models.TxKind {
	var head struct {
		Kind models.TxKind `json:"kind"`
	}
	if err := json.Unmarshal(block.Data, &head); err != nil {
		return ""
	}
	return head.Kind
}

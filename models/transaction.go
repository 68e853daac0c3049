package models

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

type TxKind string

const (
	TxCreateRating TxKind = "create_rating"
	TxSubmitRating TxKind = "submit_rating"
	TxCloseRating  TxKind = "close_rating"
)

// Transaction is a ledger mutation as it is recorded in a block.
type Transaction struct {
	ID        string          `json:"id"`
	Kind      TxKind          `json:"kind"`
	From      common.Address  `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	Signature hexutil.Bytes   `json:"signature,omitempty"`
}

type SubmitRatingPayload struct {
	RatingID uint64          `json:"rating_id"`
	Handles  []hexutil.Bytes `json:"handles"`
	Proof    hexutil.Bytes   `json:"proof"`
}

type CloseRatingPayload struct {
	RatingID uint64 `json:"rating_id"`
}

// NewTransaction builds an unsigned transaction with a fresh id.
func NewTransaction(kind TxKind, from common.Address, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return &Transaction{
		ID:      uuid.New().String(),
		Kind:    kind,
		From:    from,
		Payload: raw,
	}, nil
}

// SigningHash is the keccak256 digest the sender signs. The signature itself
// is not covered.
func (t *Transaction) SigningHash() []byte {
	d := sha3.NewLegacyKeccak256()
	d.Write([]byte(t.ID))
	d.Write([]byte{0})
	d.Write([]byte(t.Kind))
	d.Write([]byte{0})
	d.Write(t.From.Bytes())
	d.Write(t.Payload)
	return d.Sum(nil)
}

// DecodePayload unmarshals the payload into v.
func (t *Transaction) DecodePayload(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", t.Kind, err)
	}
	return nil
}

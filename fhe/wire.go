package fhe

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NetworkKey is the public encryption key of a deployment plus its metadata.
type NetworkKey struct {
	Scheme    string        `json:"scheme"`
	PublicKey hexutil.Bytes `json:"publicKey"`
	Metadata  Metadata      `json:"metadata"`
}

// InputRequest submits client side ciphertexts for a (contract, user) pair.
type InputRequest struct {
	ContractAddress common.Address  `json:"contractAddress"`
	UserAddress     common.Address  `json:"userAddress"`
	ContractChainID uint64          `json:"contractChainId"`
	Ciphertexts     []hexutil.Bytes `json:"ciphertexts"`
	Types           []FheType       `json:"types"`
}

// InputResponse carries one handle per ciphertext and a proof binding them
// to the request's contract and user.
type InputResponse struct {
	Handles    []Handle      `json:"handles"`
	InputProof hexutil.Bytes `json:"inputProof"`
}

type HandleContractPair struct {
	Handle          Handle         `json:"handle"`
	ContractAddress common.Address `json:"contractAddress"`
}

type RequestValidity struct {
	StartTimestamp int64 `json:"startTimestamp,string"`
	DurationDays   int64 `json:"durationDays,string"`
}

// UserDecryptRequest asks for handles to be re-encrypted to PublicKey.
type UserDecryptRequest struct {
	HandleContractPairs []HandleContractPair `json:"handleContractPairs"`
	RequestValidity     RequestValidity      `json:"requestValidity"`
	ContractsChainID    uint64               `json:"contractsChainId"`
	ContractAddresses   []common.Address     `json:"contractAddresses"`
	UserAddress         common.Address       `json:"userAddress"`
	Signature           hexutil.Bytes        `json:"signature"`
	PublicKey           hexutil.Bytes        `json:"publicKey"`
}

// UserDecryptResponse maps handle hex to the plaintext sealed with ECIES to
// the request's public key.
type UserDecryptResponse struct {
	Payloads map[string]hexutil.Bytes `json:"payloads"`
}

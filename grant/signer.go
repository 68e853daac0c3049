package grant

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"ratevault-backend/encryption"
	"ratevault-backend/fhe"
)

// Signer produces EIP-712 signatures for an account. Implementations may
// block on user interaction and should honor ctx.
type Signer interface {
	Address() common.Address
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

// KeySigner signs with a local secp256k1 key.
type KeySigner struct {
	key    *ecdsa.PrivateKey
	crypto *encryption.CryptoService
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, crypto: encryption.NewCryptoService()}
}

func (s *KeySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *KeySigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := fhe.TypedDataHash(td)
	if err != nil {
		return nil, err
	}
	return s.SignHash(hash)
}

// SignHash signs a raw 32 byte digest.
func (s *KeySigner) SignHash(hash []byte) ([]byte, error) {
	return s.crypto.SignHash(hash, s.key)
}

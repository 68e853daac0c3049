// Package fhevm is the client side of the FHE runtime. Callers depend on
// Instance; CreateInstance picks the simulated or the relayer backed
// variant from the chain the RPC endpoint reports.
package fhevm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ratevault-backend/encryption"
	"ratevault-backend/fhe"
)

// Instance is the capability every backend provides.
type Instance interface {
	CreateEncryptedInput(contract, user common.Address) *EncryptedInput
	UserDecrypt(ctx context.Context, req DecryptRequest) (map[fhe.Handle]*big.Int, error)
	GenerateKeypair() (*Keypair, error)
	CreateEIP712(publicKey []byte, contracts []common.Address, startTimestamp, durationDays int64) apitypes.TypedData
	Metadata() fhe.Metadata
	Close()
}

// Keypair is the ephemeral secp256k1 key plaintexts are sealed to.
type Keypair struct {
	PublicKey  hexutil.Bytes `json:"publicKey"`
	PrivateKey hexutil.Bytes `json:"privateKey"`
}

// Bundle is an encrypted input ready to be submitted to a contract.
type Bundle struct {
	Handles    []fhe.Handle  `json:"handles"`
	InputProof hexutil.Bytes `json:"inputProof"`
}

// DecryptRequest carries everything a user decryption needs from a grant.
type DecryptRequest struct {
	Handles           []fhe.HandleContractPair
	PrivateKey        []byte
	PublicKey         []byte
	Signature         []byte
	ContractAddresses []common.Address
	UserAddress       common.Address
	StartTimestamp    int64
	DurationDays      int64
}

// backend is the transport a variant uses to reach the coprocessor.
type backend interface {
	ingest(ctx context.Context, req fhe.InputRequest) (*fhe.InputResponse, error)
	userDecrypt(ctx context.Context, req fhe.UserDecryptRequest) (*fhe.UserDecryptResponse, error)
}

// runtime implements the parts of Instance that do not depend on where the
// coprocessor runs.
type runtime struct {
	meta    fhe.Metadata
	scheme  encryption.HomomorphicEncryptionScheme
	backend backend
	crypto  *encryption.CryptoService
	logger  *zap.Logger
}

func newRuntime(key *fhe.NetworkKey, b backend, logger *zap.Logger) (*runtime, error) {
	scheme, err := encryption.ImportScheme(key.Scheme, key.PublicKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to import network key: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &runtime{
		meta:    key.Metadata,
		scheme:  scheme,
		backend: b,
		crypto:  encryption.NewCryptoService(),
		logger:  logger,
	}, nil
}

func (r *runtime) Metadata() fhe.Metadata { return r.meta }

func (r *runtime) CreateEncryptedInput(contract, user common.Address) *EncryptedInput {
	return &EncryptedInput{runtime: r, contract: contract, user: user}
}

func (r *runtime) GenerateKeypair() (*Keypair, error) {
	key, err := r.crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Keypair{
		PublicKey:  crypto.FromECDSAPub(&key.PublicKey),
		PrivateKey: crypto.FromECDSA(key),
	}, nil
}

func (r *runtime) CreateEIP712(publicKey []byte, contracts []common.Address, startTimestamp, durationDays int64) apitypes.TypedData {
	return fhe.UserDecryptTypedData(r.meta, publicKey, contracts, startTimestamp, durationDays)
}

func (r *runtime) UserDecrypt(ctx context.Context, req DecryptRequest) (map[fhe.Handle]*big.Int, error) {
	priv, err := crypto.ToECDSA(req.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid decryption key: %w", err)
	}
	resp, err := r.backend.userDecrypt(ctx, fhe.UserDecryptRequest{
		HandleContractPairs: req.Handles,
		RequestValidity: fhe.RequestValidity{
			StartTimestamp: req.StartTimestamp,
			DurationDays:   req.DurationDays,
		},
		ContractsChainID:  r.meta.ChainID,
		ContractAddresses: req.ContractAddresses,
		UserAddress:       req.UserAddress,
		Signature:         req.Signature,
		PublicKey:         req.PublicKey,
	})
	if err != nil {
		return nil, err
	}

	out := make(map[fhe.Handle]*big.Int, len(req.Handles))
	for _, pair := range req.Handles {
		sealed, ok := resp.Payloads[pair.Handle.Hex()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingPayload, pair.Handle.Hex())
		}
		plain, err := r.crypto.Open(priv, sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", fhe.ErrEncryption, err)
		}
		out[pair.Handle] = new(big.Int).SetBytes(plain)
	}
	return out, nil
}

// EncryptedInput collects typed plaintexts bound to a contract and user.
// The first invalid value is reported by Encrypt.
type EncryptedInput struct {
	runtime  *runtime
	contract common.Address
	user     common.Address
	values   []uint64
	types    []fhe.FheType
	err      error
}

func (in *EncryptedInput) Add8(v uint64) *EncryptedInput  { return in.add(v, fhe.Euint8) }
func (in *EncryptedInput) Add16(v uint64) *EncryptedInput { return in.add(v, fhe.Euint16) }
func (in *EncryptedInput) Add32(v uint64) *EncryptedInput { return in.add(v, fhe.Euint32) }
func (in *EncryptedInput) Add64(v uint64) *EncryptedInput { return in.add(v, fhe.Euint64) }

func (in *EncryptedInput) add(v uint64, t fhe.FheType) *EncryptedInput {
	if in.err != nil {
		return in
	}
	if bits := t.Bits(); bits < 64 && v >= 1<<bits {
		in.err = fmt.Errorf("%w: %d does not fit %s", ErrEncodingFailure, v, t)
		return in
	}
	if bits := in.runtime.scheme.PlaintextBits(); bits < 64 && v >= 1<<bits {
		in.err = fmt.Errorf("%w: %d exceeds the %d bit capacity of %s", ErrEncodingFailure, v, bits, in.runtime.scheme.Name())
		return in
	}
	in.values = append(in.values, v)
	in.types = append(in.types, t)
	return in
}

// Len is the number of values added so far.
func (in *EncryptedInput) Len() int { return len(in.values) }

// Encrypt encrypts every value under the network key and has the
// coprocessor issue handles and a proof for them.
func (in *EncryptedInput) Encrypt(ctx context.Context) (*Bundle, error) {
	if in.err != nil {
		return nil, in.err
	}
	if len(in.values) == 0 {
		return nil, fmt.Errorf("%w: no values added", ErrEncodingFailure)
	}

	cts := make([]hexutil.Bytes, len(in.values))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range in.values {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ct, err := in.runtime.scheme.Encrypt(new(big.Int).SetUint64(v))
			if err != nil {
				return fmt.Errorf("%w: value %d: %v", ErrEncodingFailure, i, err)
			}
			cts[i] = ct
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp, err := in.runtime.backend.ingest(ctx, fhe.InputRequest{
		ContractAddress: in.contract,
		UserAddress:     in.user,
		ContractChainID: in.runtime.meta.ChainID,
		Ciphertexts:     cts,
		Types:           in.types,
	})
	if err != nil {
		return nil, err
	}
	in.runtime.logger.Debug("encrypted input",
		zap.String("contract", in.contract.Hex()),
		zap.String("user", in.user.Hex()),
		zap.Int("values", len(cts)))
	return &Bundle{Handles: resp.Handles, InputProof: resp.InputProof}, nil
}

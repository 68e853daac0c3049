// Package fhe is the coprocessor side of the encrypted ledger: it stores
// ciphertexts behind handles, enforces the ACL, verifies input proofs and
// serves user decryption.
package fhe

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"ratevault-backend/encryption"
)

const maxInputs = 255

// Executor holds ciphertexts and performs homomorphic operations on behalf
// of contracts.
type Executor struct {
	mu      sync.RWMutex
	scheme  encryption.HomomorphicEncryptionScheme
	signer  *ecdsa.PrivateKey
	meta    Metadata
	crypto  *encryption.CryptoService
	cts     map[Handle][]byte
	bounds  map[Handle]uint64
	acl     map[Handle]map[common.Address]struct{}
	counter uint64
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*Executor)

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an executor that encrypts with scheme and signs input
// proofs with signer.
func NewExecutor(scheme encryption.HomomorphicEncryptionScheme, signer *ecdsa.PrivateKey, cfg Config, opts ...Option) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		scheme: scheme,
		signer: signer,
		meta:   newMetadata(cfg, crypto.PubkeyToAddress(signer.PublicKey)),
		crypto: encryption.NewCryptoService(),
		cts:    make(map[Handle][]byte),
		bounds: make(map[Handle]uint64),
		acl:    make(map[Handle]map[common.Address]struct{}),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Metadata() Metadata {
	return e.meta
}

// NetworkKey exports the public encryption key clients encrypt inputs with.
func (e *Executor) NetworkKey() (*NetworkKey, error) {
	pub, err := e.scheme.ExportPublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return &NetworkKey{Scheme: e.scheme.Name(), PublicKey: pub, Metadata: e.meta}, nil
}

// TrivialEncrypt stores a fresh encryption of value usable by contract.
func (e *Executor) TrivialEncrypt(contract common.Address, value uint64, t FheType) (Handle, error) {
	if err := checkFits(value, t); err != nil {
		return Handle{}, err
	}
	if limit := e.capacity(t); value > limit {
		return Handle{}, fmt.Errorf("%w: %d above %d", ErrOverflow, value, limit)
	}
	ct, err := e.scheme.Encrypt(new(big.Int).SetUint64(value))
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter++
	h := deriveHandle(t, []byte("trivial"), contract.Bytes(), uint64Bytes(e.counter))
	e.cts[h] = ct
	e.bounds[h] = value
	e.allowLocked(h, contract)
	return h, nil
}

// capacity is the largest plaintext a handle of type t can hold without
// wrapping in the scheme's plaintext space.
func (e *Executor) capacity(t FheType) uint64 {
	bits := min(t.Bits(), e.scheme.PlaintextBits())
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<bits - 1
}

// boundLocked is an upper bound of h's plaintext. Handles without a
// recorded bound are assumed full.
func (e *Executor) boundLocked(h Handle) uint64 {
	if b, ok := e.bounds[h]; ok {
		return b
	}
	return e.capacity(h.Type())
}

// Add homomorphically sums a and b. contract must be allowed on both and
// is allowed on the result. Sums that could exceed the type or the
// scheme's plaintext space fail with ErrOverflow.
func (e *Executor) Add(contract common.Address, a, b Handle) (Handle, error) {
	e.mu.RLock()
	ctA, okA := e.cts[a]
	ctB, okB := e.cts[b]
	allowed := e.isAllowedLocked(a, contract) && e.isAllowedLocked(b, contract)
	boundA, boundB := e.boundLocked(a), e.boundLocked(b)
	e.mu.RUnlock()

	if !okA || !okB {
		return Handle{}, ErrUnknownHandle
	}
	if !allowed {
		return Handle{}, fmt.Errorf("%w: %s on add operands", ErrNotAllowed, contract.Hex())
	}
	if a.Type() != b.Type() {
		return Handle{}, fmt.Errorf("%w: %s + %s", ErrTypeMismatch, a.Type(), b.Type())
	}
	if limit := e.capacity(a.Type()); boundB > limit || boundA > limit-boundB {
		return Handle{}, fmt.Errorf("%w: %d + %d above %d", ErrOverflow, boundA, boundB, limit)
	}
	sum, err := e.scheme.Add(ctA, ctB)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter++
	h := deriveHandle(a.Type(), []byte("add"), a[:], b[:], uint64Bytes(e.counter))
	e.cts[h] = sum
	e.bounds[h] = boundA + boundB
	e.allowLocked(h, contract)
	return h, nil
}

// Allow lets contract share its access to h with account.
func (e *Executor) Allow(contract common.Address, h Handle, account common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.cts[h]; !ok {
		return ErrUnknownHandle
	}
	if !e.isAllowedLocked(h, contract) {
		return fmt.Errorf("%w: %s cannot share %s", ErrNotAllowed, contract.Hex(), h.Hex())
	}
	e.allowLocked(h, account)
	return nil
}

func (e *Executor) IsAllowed(h Handle, account common.Address) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isAllowedLocked(h, account)
}

func (e *Executor) isAllowedLocked(h Handle, account common.Address) bool {
	_, ok := e.acl[h][account]
	return ok
}

func (e *Executor) allowLocked(h Handle, account common.Address) {
	set, ok := e.acl[h]
	if !ok {
		set = make(map[common.Address]struct{})
		e.acl[h] = set
	}
	set[account] = struct{}{}
}

// Ingest stores client encrypted inputs and returns their handles with a
// proof signed by the coprocessor key. Every ciphertext must decrypt to a
// value of its declared type before the proof is signed.
func (e *Executor) Ingest(ctx context.Context, req InputRequest) (*InputResponse, error) {
	n := len(req.Ciphertexts)
	if n == 0 {
		return nil, ErrEmptyInput
	}
	if n > maxInputs || n != len(req.Types) {
		return nil, fmt.Errorf("%w: %d ciphertexts, %d types", ErrEmptyInput, n, len(req.Types))
	}
	if req.ContractChainID != e.meta.ChainID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongChain, req.ContractChainID, e.meta.ChainID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handles := make([]Handle, n)
	for i, ct := range req.Ciphertexts {
		t := req.Types[i]
		if t.Bits() == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
		}
		if len(ct) == 0 {
			return nil, fmt.Errorf("%w: ciphertext %d is empty", ErrEmptyInput, i)
		}
		handles[i] = deriveHandle(t, e.crypto.Keccak256(ct), []byte{byte(i)},
			req.ContractAddress.Bytes(), req.UserAddress.Bytes(), uint64Bytes(e.meta.ChainID))
	}

	values := make([]uint64, n)
	for i, ct := range req.Ciphertexts {
		pt, err := e.scheme.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("%w: ciphertext %d: %v", ErrInvalidInput, i, err)
		}
		if pt.Sign() < 0 || !pt.IsUint64() || pt.Uint64() > e.capacity(req.Types[i]) {
			return nil, fmt.Errorf("%w: ciphertext %d is not a %s", ErrInvalidInput, i, req.Types[i])
		}
		values[i] = pt.Uint64()
	}

	sig, err := e.crypto.SignHash(inputDigest(handles, req.ContractAddress, req.UserAddress, e.meta.ChainID), e.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: signing input proof: %v", ErrEncryption, err)
	}

	e.mu.Lock()
	for i, h := range handles {
		e.cts[h] = slices.Clone([]byte(req.Ciphertexts[i]))
		e.bounds[h] = values[i]
	}
	e.mu.Unlock()

	proof := make([]byte, 0, 1+32*n+len(sig))
	proof = append(proof, byte(n))
	for _, h := range handles {
		proof = append(proof, h[:]...)
	}
	proof = append(proof, sig...)

	e.logger.Debug("ingested encrypted input",
		zap.String("contract", req.ContractAddress.Hex()),
		zap.String("user", req.UserAddress.Hex()),
		zap.Int("handles", n))
	return &InputResponse{Handles: handles, InputProof: proof}, nil
}

// VerifyInput checks that proof binds handles to (contract, user) and lets
// contract use them.
func (e *Executor) VerifyInput(handles []Handle, proof []byte, contract, user common.Address) error {
	n := len(handles)
	if n == 0 || n > maxInputs || len(proof) != 1+32*n+crypto.SignatureLength || int(proof[0]) != n {
		return fmt.Errorf("%w: malformed proof for %d handles", ErrInvalidProof, n)
	}
	for i, h := range handles {
		if !slices.Equal(proof[1+32*i:1+32*(i+1)], h[:]) {
			return fmt.Errorf("%w: handle %d not covered", ErrInvalidProof, i)
		}
	}
	sig := proof[1+32*n:]
	if !e.crypto.VerifySignature(inputDigest(handles, contract, user, e.meta.ChainID), sig, e.meta.CoprocessorSigner) {
		return fmt.Errorf("%w: signature does not match %s/%s", ErrInvalidProof, contract.Hex(), user.Hex())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range handles {
		if _, ok := e.cts[h]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
		}
	}
	for _, h := range handles {
		e.allowLocked(h, contract)
	}
	return nil
}

// UserDecrypt checks the user's signed authorization and the ACL, then
// returns each plaintext sealed to the request's public key.
func (e *Executor) UserDecrypt(ctx context.Context, req UserDecryptRequest) (*UserDecryptResponse, error) {
	if len(req.HandleContractPairs) == 0 {
		return nil, ErrEmptyInput
	}
	if req.ContractsChainID != e.meta.ChainID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongChain, req.ContractsChainID, e.meta.ChainID)
	}

	if _, err := crypto.UnmarshalPubkey(req.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	validity := req.RequestValidity
	now := e.now().Unix()
	if validity.DurationDays <= 0 || now < validity.StartTimestamp ||
		now >= validity.StartTimestamp+validity.DurationDays*SecondsPerDay {
		return nil, fmt.Errorf("%w: start %d, %d days, now %d", ErrValidityWindow, validity.StartTimestamp, validity.DurationDays, now)
	}

	digest, err := TypedDataHash(UserDecryptTypedData(e.meta, req.PublicKey, req.ContractAddresses, validity.StartTimestamp, validity.DurationDays))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !e.crypto.VerifySignature(digest, req.Signature, req.UserAddress) {
		return nil, fmt.Errorf("%w: signer is not %s", ErrInvalidSignature, req.UserAddress.Hex())
	}

	e.mu.RLock()
	cts := make([][]byte, len(req.HandleContractPairs))
	for i, pair := range req.HandleContractPairs {
		if !slices.Contains(req.ContractAddresses, pair.ContractAddress) {
			e.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrContractNotAuthorized, pair.ContractAddress.Hex())
		}
		ct, ok := e.cts[pair.Handle]
		if !ok {
			e.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, pair.Handle.Hex())
		}
		if !e.isAllowedLocked(pair.Handle, req.UserAddress) || !e.isAllowedLocked(pair.Handle, pair.ContractAddress) {
			e.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s for %s", ErrNotAllowed, pair.Handle.Hex(), req.UserAddress.Hex())
		}
		cts[i] = ct
	}
	e.mu.RUnlock()

	resp := &UserDecryptResponse{Payloads: make(map[string]hexutil.Bytes, len(cts))}
	for i, ct := range cts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pt, err := e.scheme.Decrypt(ct)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		sealed, err := e.crypto.SealTo(req.PublicKey, pt.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		resp.Payloads[req.HandleContractPairs[i].Handle.Hex()] = sealed
	}

	e.logger.Debug("served user decryption",
		zap.String("user", req.UserAddress.Hex()),
		zap.Int("handles", len(cts)))
	return resp, nil
}

func inputDigest(handles []Handle, contract, user common.Address, chainID uint64) []byte {
	parts := make([][]byte, 0, len(handles)+3)
	for _, h := range handles {
		parts = append(parts, h.Bytes())
	}
	parts = append(parts, contract.Bytes(), user.Bytes(), uint64Bytes(chainID))
	return crypto.Keccak256(parts...)
}

func checkFits(value uint64, t FheType) error {
	bits := t.Bits()
	if bits == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if bits < 64 && value >= 1<<bits {
		return fmt.Errorf("%w: %d does not fit %s", ErrUnsupportedType, value, t)
	}
	return nil
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

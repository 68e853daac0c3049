package encryption

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidSignature = errors.New("encryption: invalid signature")

// CryptoService bundles the secp256k1 and keccak helpers used across the node
// and the client.
type CryptoService struct{}

func NewCryptoService() *CryptoService {
	return &CryptoService{}
}

func (cs *CryptoService) GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// Keccak256 computes the legacy Keccak-256 hash used by Ethereum.
func (cs *CryptoService) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// SignHash signs a 32 byte digest, returning a 65 byte [R || S || V]
// signature with V in {0, 1}.
func (cs *CryptoService) SignHash(hash []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(hash, privateKey)
}

// RecoverAddress returns the address that produced signature over hash.
// Signatures with V in {27, 28} are accepted.
func (cs *CryptoService) RecoverAddress(hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether signature over hash was made by signer.
func (cs *CryptoService) VerifySignature(hash, signature []byte, signer common.Address) bool {
	recovered, err := cs.RecoverAddress(hash, signature)
	return err == nil && recovered == signer
}

// SealTo encrypts plaintext to an uncompressed secp256k1 public key with ECIES.
func (cs *CryptoService) SealTo(publicKey []byte, plaintext []byte) ([]byte, error) {
	pub, err := crypto.UnmarshalPubkey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient public key: %w", err)
	}
	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext, nil, nil)
}

// Open decrypts an ECIES payload produced by SealTo.
func (cs *CryptoService) Open(privateKey *ecdsa.PrivateKey, sealed []byte) ([]byte, error) {
	return ecies.ImportECDSA(privateKey).Decrypt(sealed, nil, nil)
}

// ParsePrivateKey accepts a hex key with or without 0x prefix.
func ParsePrivateKey(keyStr string) (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyStr), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey, nil
}

type keyFile struct {
	Address    string `json:"address"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrGenerateKey reads a key file or creates one with a fresh key.
func LoadOrGenerateKey(path string) (*ecdsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
		}
		return ParsePrivateKey(kf.PrivateKey)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	kf := keyFile{
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&privateKey.PublicKey)),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(privateKey)),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key file: %w", err)
	}
	return privateKey, nil
}

package encryption

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrNoPrivateKey   = errors.New("encryption: private key not set")
	ErrNoPublicKey    = errors.New("encryption: public key not set")
	ErrPlaintextRange = errors.New("encryption: plaintext out of range")
	ErrUnknownScheme  = errors.New("encryption: unknown scheme")
)

// HomomorphicEncryptionScheme is an additively homomorphic cryptosystem.
// Instances built from a public key alone can encrypt and add but not decrypt.
type HomomorphicEncryptionScheme interface {
	Name() string
	// PlaintextBits is the largest bit length Encrypt accepts and Decrypt
	// can recover after additions.
	PlaintextBits() int
	Encrypt(value *big.Int) ([]byte, error)
	Decrypt(ciphertext []byte) (*big.Int, error)
	Add(ciphertext1, ciphertext2 []byte) ([]byte, error)
	ExportPublicKey() ([]byte, error)
	ExportPrivateKey() ([]byte, error)
}

const (
	SchemePaillier = "paillier"
	SchemeElGamal  = "elgamal"
	SchemeBGV      = "bgv"
)

// NewScheme generates a fresh key pair for the named scheme. keySize is the
// modulus size for Paillier and ignored otherwise.
func NewScheme(name string, keySize int) (HomomorphicEncryptionScheme, error) {
	switch strings.ToLower(name) {
	case SchemePaillier:
		p := NewPaillierAdapter(keySize)
		if err := p.Initialize(); err != nil {
			return nil, err
		}
		return p, nil
	case SchemeElGamal:
		e := NewElGamalAdapter(DefaultElGamalBound)
		if err := e.Initialize(); err != nil {
			return nil, err
		}
		return e, nil
	case SchemeBGV:
		b, err := NewBGVAdapter()
		if err != nil {
			return nil, err
		}
		if err := b.Initialize(); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

// ImportScheme restores a scheme from exported keys. A nil privateKey yields
// an encrypt-only instance.
func ImportScheme(name string, publicKey, privateKey []byte) (HomomorphicEncryptionScheme, error) {
	switch strings.ToLower(name) {
	case SchemePaillier:
		return ImportPaillier(publicKey, privateKey)
	case SchemeElGamal:
		return ImportElGamal(publicKey, privateKey, DefaultElGamalBound)
	case SchemeBGV:
		return ImportBGV(publicKey, privateKey)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
}

func checkPlaintext(value *big.Int, bits int) error {
	if value == nil || value.Sign() < 0 || value.BitLen() > bits {
		return fmt.Errorf("%w: %v exceeds %d bits", ErrPlaintextRange, value, bits)
	}
	return nil
}

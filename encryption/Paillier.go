package encryption

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/roasbeef/go-go-gadget-paillier"
)

// PaillierAdapter exposes Paillier through HomomorphicEncryptionScheme.
type PaillierAdapter struct {
	keySize    int
	privateKey *paillier.PrivateKey
	publicKey  *paillier.PublicKey
}

func NewPaillierAdapter(keySize int) *PaillierAdapter {
	return &PaillierAdapter{keySize: keySize}
}

// Initialize generates a new key pair.
func (p *PaillierAdapter) Initialize() error {
	var err error
	p.privateKey, err = paillier.GenerateKey(rand.Reader, p.keySize)
	if err != nil {
		return fmt.Errorf("failed to generate Paillier key: %w", err)
	}
	p.publicKey = &p.privateKey.PublicKey
	return nil
}

// ImportPaillier restores an adapter from JSON encoded keys.
func ImportPaillier(publicKey, privateKey []byte) (*PaillierAdapter, error) {
	p := &PaillierAdapter{}
	if len(privateKey) > 0 {
		var priv paillier.PrivateKey
		if err := json.Unmarshal(privateKey, &priv); err != nil {
			return nil, fmt.Errorf("failed to decode Paillier private key: %w", err)
		}
		p.privateKey = &priv
		p.publicKey = &priv.PublicKey
	} else {
		var pub paillier.PublicKey
		if err := json.Unmarshal(publicKey, &pub); err != nil {
			return nil, fmt.Errorf("failed to decode Paillier public key: %w", err)
		}
		p.publicKey = &pub
	}
	if p.publicKey.N == nil {
		return nil, ErrNoPublicKey
	}
	p.keySize = p.publicKey.N.BitLen()
	return p, nil
}

func (p *PaillierAdapter) Name() string { return SchemePaillier }

func (p *PaillierAdapter) PlaintextBits() int { return 64 }

func (p *PaillierAdapter) Encrypt(value *big.Int) ([]byte, error) {
	if p.publicKey == nil {
		return nil, ErrNoPublicKey
	}
	if err := checkPlaintext(value, p.PlaintextBits()); err != nil {
		return nil, err
	}
	return paillier.Encrypt(p.publicKey, value.Bytes())
}

func (p *PaillierAdapter) Decrypt(ciphertext []byte) (*big.Int, error) {
	if p.privateKey == nil {
		return nil, ErrNoPrivateKey
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	plaintext, err := paillier.Decrypt(p.privateKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return new(big.Int).SetBytes(plaintext), nil
}

// Add multiplies the ciphertexts modulo N^2, which adds the plaintexts.
func (p *PaillierAdapter) Add(ciphertext1, ciphertext2 []byte) ([]byte, error) {
	if p.publicKey == nil {
		return nil, ErrNoPublicKey
	}
	if len(ciphertext1) == 0 || len(ciphertext2) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	return paillier.AddCipher(p.publicKey, ciphertext1, ciphertext2), nil
}

func (p *PaillierAdapter) ExportPublicKey() ([]byte, error) {
	if p.publicKey == nil {
		return nil, ErrNoPublicKey
	}
	return json.Marshal(p.publicKey)
}

func (p *PaillierAdapter) ExportPrivateKey() ([]byte, error) {
	if p.privateKey == nil {
		return nil, ErrNoPrivateKey
	}
	return json.Marshal(p.privateKey)
}

// KeySize returns the modulus size in bits.
func (p *PaillierAdapter) KeySize() int {
	return p.keySize
}

package encryption

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// bgvPlaintextModulus is NTT friendly for LogN 12 and bounds every sum.
const bgvPlaintextModulus = 65537

// BGVAdapter is lattice based BGV from lattigo. Only slot 0 carries a value.
type BGVAdapter struct {
	mu        sync.Mutex
	params    bgv.Parameters
	encoder   *bgv.Encoder
	evaluator *bgv.Evaluator
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	publicKey *rlwe.PublicKey
	secretKey *rlwe.SecretKey
}

func NewBGVAdapter() (*BGVAdapter, error) {
	params, err := bgv.NewParametersFromLiteral(bgv.ParametersLiteral{
		LogN:             12,
		LogQ:             []int{56},
		PlaintextModulus: bgvPlaintextModulus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build BGV parameters: %w", err)
	}
	return &BGVAdapter{
		params:    params,
		encoder:   bgv.NewEncoder(params),
		evaluator: bgv.NewEvaluator(params, nil),
	}, nil
}

func (b *BGVAdapter) Initialize() error {
	sk, pk := rlwe.NewKeyGenerator(b.params).GenKeyPairNew()
	b.setKeys(pk, sk)
	return nil
}

func ImportBGV(publicKey, privateKey []byte) (*BGVAdapter, error) {
	b, err := NewBGVAdapter()
	if err != nil {
		return nil, err
	}
	pk := rlwe.NewPublicKey(b.params)
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return nil, fmt.Errorf("failed to decode BGV public key: %w", err)
	}
	var sk *rlwe.SecretKey
	if len(privateKey) > 0 {
		sk = rlwe.NewSecretKey(b.params)
		if err := sk.UnmarshalBinary(privateKey); err != nil {
			return nil, fmt.Errorf("failed to decode BGV secret key: %w", err)
		}
	}
	b.setKeys(pk, sk)
	return b, nil
}

func (b *BGVAdapter) setKeys(pk *rlwe.PublicKey, sk *rlwe.SecretKey) {
	b.publicKey = pk
	b.encryptor = rlwe.NewEncryptor(b.params, pk)
	if sk != nil {
		b.secretKey = sk
		b.decryptor = rlwe.NewDecryptor(b.params, sk)
	}
}

func (b *BGVAdapter) Name() string { return SchemeBGV }

// PlaintextBits keeps sums of a few participants below the plaintext modulus.
func (b *BGVAdapter) PlaintextBits() int { return 16 }

func (b *BGVAdapter) Encrypt(value *big.Int) ([]byte, error) {
	if b.encryptor == nil {
		return nil, ErrNoPublicKey
	}
	if err := checkPlaintext(value, b.PlaintextBits()); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pt := bgv.NewPlaintext(b.params, b.params.MaxLevel())
	if err := b.encoder.Encode([]uint64{value.Uint64()}, pt); err != nil {
		return nil, fmt.Errorf("failed to encode plaintext: %w", err)
	}
	ct, err := b.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	return ct.MarshalBinary()
}

func (b *BGVAdapter) Decrypt(ciphertext []byte) (*big.Int, error) {
	if b.decryptor == nil {
		return nil, ErrNoPrivateKey
	}
	ct, err := b.unmarshalCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	values := make([]uint64, b.params.N())
	if err := b.encoder.Decode(b.decryptor.DecryptNew(ct), values); err != nil {
		return nil, fmt.Errorf("failed to decode plaintext: %w", err)
	}
	return new(big.Int).SetUint64(values[0]), nil
}

func (b *BGVAdapter) Add(ciphertext1, ciphertext2 []byte) ([]byte, error) {
	ct1, err := b.unmarshalCiphertext(ciphertext1)
	if err != nil {
		return nil, err
	}
	ct2, err := b.unmarshalCiphertext(ciphertext2)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sum, err := b.evaluator.AddNew(ct1, ct2)
	if err != nil {
		return nil, fmt.Errorf("homomorphic add failed: %w", err)
	}
	return sum.MarshalBinary()
}

func (b *BGVAdapter) ExportPublicKey() ([]byte, error) {
	if b.publicKey == nil {
		return nil, ErrNoPublicKey
	}
	return b.publicKey.MarshalBinary()
}

func (b *BGVAdapter) ExportPrivateKey() ([]byte, error) {
	if b.secretKey == nil {
		return nil, ErrNoPrivateKey
	}
	return b.secretKey.MarshalBinary()
}

func (b *BGVAdapter) unmarshalCiphertext(data []byte) (*rlwe.Ciphertext, error) {
	ct := rlwe.NewCiphertext(b.params, 1, b.params.MaxLevel())
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("invalid BGV ciphertext: %w", err)
	}
	return ct, nil
}

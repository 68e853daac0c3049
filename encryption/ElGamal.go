package encryption

import (
	"bytes"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DefaultElGamalBound caps the plaintexts ElGamal can recover.
const DefaultElGamalBound = 1 << 16

// pointLen is a compressed secp256k1 point. The point at infinity is encoded
// as pointLen zero bytes.
const pointLen = 33

// ElGamalAdapter is exponential ElGamal over secp256k1. Plaintexts are
// encoded as m*G, so decryption solves a bounded discrete log.
type ElGamalAdapter struct {
	bound      uint64
	privateKey *secp256k1.PrivateKey
	publicKey  *secp256k1.PublicKey
}

func NewElGamalAdapter(bound uint64) *ElGamalAdapter {
	if bound == 0 {
		bound = DefaultElGamalBound
	}
	return &ElGamalAdapter{bound: bound}
}

func (e *ElGamalAdapter) Initialize() error {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("failed to generate ElGamal key: %w", err)
	}
	e.privateKey = priv
	e.publicKey = priv.PubKey()
	return nil
}

func ImportElGamal(publicKey, privateKey []byte, bound uint64) (*ElGamalAdapter, error) {
	e := NewElGamalAdapter(bound)
	if len(privateKey) > 0 {
		e.privateKey = secp256k1.PrivKeyFromBytes(privateKey)
		e.publicKey = e.privateKey.PubKey()
		return e, nil
	}
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ElGamal public key: %w", err)
	}
	e.publicKey = pub
	return e, nil
}

func (e *ElGamalAdapter) Name() string { return SchemeElGamal }

func (e *ElGamalAdapter) PlaintextBits() int { return bits.Len64(e.bound) - 1 }

func (e *ElGamalAdapter) Encrypt(value *big.Int) ([]byte, error) {
	if e.publicKey == nil {
		return nil, ErrNoPublicKey
	}
	if err := checkPlaintext(value, e.PlaintextBits()); err != nil {
		return nil, err
	}
	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	var m secp256k1.ModNScalar
	m.SetByteSlice(value.Bytes())

	var c1, mG, h, rH, c2 secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&ephemeral.Key, &c1)
	secp256k1.ScalarBaseMultNonConst(&m, &mG)
	e.publicKey.AsJacobian(&h)
	secp256k1.ScalarMultNonConst(&ephemeral.Key, &h, &rH)
	secp256k1.AddNonConst(&mG, &rH, &c2)

	return append(encodePoint(&c1), encodePoint(&c2)...), nil
}

func (e *ElGamalAdapter) Decrypt(ciphertext []byte) (*big.Int, error) {
	if e.privateKey == nil {
		return nil, ErrNoPrivateKey
	}
	var c1, c2 secp256k1.JacobianPoint
	if err := decodeCiphertext(ciphertext, &c1, &c2); err != nil {
		return nil, err
	}

	// m*G = C2 - x*C1
	var shared, mG secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&e.privateKey.Key, &c1, &shared)
	shared.Y.Normalize()
	shared.Y.Negate(1).Normalize()
	secp256k1.AddNonConst(&c2, &shared, &mG)

	target := encodePoint(&mG)
	var acc, g, next secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(new(secp256k1.ModNScalar).SetInt(1), &g)
	for i := uint64(0); i <= e.bound; i++ {
		if bytes.Equal(encodePoint(&acc), target) {
			return new(big.Int).SetUint64(i), nil
		}
		secp256k1.AddNonConst(&acc, &g, &next)
		acc.Set(&next)
	}
	return nil, fmt.Errorf("%w: plaintext above %d", ErrPlaintextRange, e.bound)
}

func (e *ElGamalAdapter) Add(ciphertext1, ciphertext2 []byte) ([]byte, error) {
	var a1, a2, b1, b2, r1, r2 secp256k1.JacobianPoint
	if err := decodeCiphertext(ciphertext1, &a1, &a2); err != nil {
		return nil, err
	}
	if err := decodeCiphertext(ciphertext2, &b1, &b2); err != nil {
		return nil, err
	}
	secp256k1.AddNonConst(&a1, &b1, &r1)
	secp256k1.AddNonConst(&a2, &b2, &r2)
	return append(encodePoint(&r1), encodePoint(&r2)...), nil
}

func (e *ElGamalAdapter) ExportPublicKey() ([]byte, error) {
	if e.publicKey == nil {
		return nil, ErrNoPublicKey
	}
	return e.publicKey.SerializeCompressed(), nil
}

func (e *ElGamalAdapter) ExportPrivateKey() ([]byte, error) {
	if e.privateKey == nil {
		return nil, ErrNoPrivateKey
	}
	return e.privateKey.Serialize(), nil
}

func encodePoint(p *secp256k1.JacobianPoint) []byte {
	var q secp256k1.JacobianPoint
	q.Set(p)
	q.X.Normalize()
	q.Y.Normalize()
	q.Z.Normalize()
	if q.Z.IsZero() || (q.X.IsZero() && q.Y.IsZero()) {
		return make([]byte, pointLen)
	}
	q.ToAffine()
	return secp256k1.NewPublicKey(&q.X, &q.Y).SerializeCompressed()
}

func decodePoint(b []byte, out *secp256k1.JacobianPoint) error {
	if bytes.Equal(b, make([]byte, pointLen)) {
		out.X.SetInt(0)
		out.Y.SetInt(0)
		out.Z.SetInt(0)
		return nil
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return fmt.Errorf("invalid ciphertext point: %w", err)
	}
	pub.AsJacobian(out)
	return nil
}

func decodeCiphertext(ciphertext []byte, c1, c2 *secp256k1.JacobianPoint) error {
	if len(ciphertext) != 2*pointLen {
		return fmt.Errorf("invalid ElGamal ciphertext length %d", len(ciphertext))
	}
	if err := decodePoint(ciphertext[:pointLen], c1); err != nil {
		return err
	}
	return decodePoint(ciphertext[pointLen:], c2)
}

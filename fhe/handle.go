package fhe

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

// FheType tags the plaintext type an encrypted value carries.
type FheType uint8

const (
	Ebool   FheType = 0
	Euint8  FheType = 2
	Euint16 FheType = 3
	Euint32 FheType = 4
	Euint64 FheType = 5
)

// Bits is the plaintext width of t, or 0 for unknown types.
func (t FheType) Bits() int {
	switch t {
	case Ebool:
		return 1
	case Euint8:
		return 8
	case Euint16:
		return 16
	case Euint32:
		return 32
	case Euint64:
		return 64
	default:
		return 0
	}
}

func (t FheType) String() string {
	switch t {
	case Ebool:
		return "ebool"
	case Euint8, Euint16, Euint32, Euint64:
		return fmt.Sprintf("euint%d", t.Bits())
	default:
		return fmt.Sprintf("fhetype(%d)", uint8(t))
	}
}

func (t FheType) MarshalText() ([]byte, error) {
	if t.Bits() == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *FheType) UnmarshalText(input []byte) error {
	for _, candidate := range []FheType{Ebool, Euint8, Euint16, Euint32, Euint64} {
		if candidate.String() == string(input) {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedType, input)
}

const handleVersion = 0

// Handle is an opaque reference to a ciphertext held by the coprocessor.
// Byte 30 carries the FheType and byte 31 the handle version.
type Handle [32]byte

func (h Handle) Type() FheType { return FheType(h[30]) }

func (h Handle) Hex() string { return hexutil.Encode(h[:]) }

func (h Handle) String() string { return h.Hex() }

func (h Handle) Bytes() []byte { return h[:] }

func (h Handle) MarshalText() ([]byte, error) {
	return hexutil.Bytes(h[:]).MarshalText()
}

func (h *Handle) UnmarshalText(input []byte) error {
	var b hexutil.Bytes
	if err := b.UnmarshalText(input); err != nil {
		return err
	}
	parsed, err := BytesToHandle(b)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// BytesToHandle requires exactly 32 bytes.
func BytesToHandle(b []byte) (Handle, error) {
	var h Handle
	if len(b) != len(h) {
		return h, fmt.Errorf("%w: handle must be 32 bytes, got %d", ErrMalformedHandle, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func HexToHandle(s string) (Handle, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrMalformedHandle, err)
	}
	return BytesToHandle(b)
}

func deriveHandle(t FheType, parts ...[]byte) Handle {
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		d.Write(p)
	}
	var h Handle
	d.Sum(h[:0])
	h[30] = byte(t)
	h[31] = handleVersion
	return h
}

package fhe

import "ratevault-backend/failure"

var (
	ErrMalformedHandle       = failure.New(failure.Validation, "fhe: malformed handle")
	ErrUnknownHandle         = failure.New(failure.Validation, "fhe: unknown handle")
	ErrTypeMismatch          = failure.New(failure.Validation, "fhe: operand type mismatch")
	ErrUnsupportedType       = failure.New(failure.Validation, "fhe: unsupported type")
	ErrEmptyInput            = failure.New(failure.Validation, "fhe: empty input")
	ErrInvalidInput          = failure.New(failure.Validation, "fhe: input ciphertext out of range")
	ErrOverflow              = failure.New(failure.Validation, "fhe: plaintext capacity exceeded")
	ErrWrongChain            = failure.New(failure.Validation, "fhe: wrong chain id")
	ErrInvalidPublicKey      = failure.New(failure.Validation, "fhe: invalid re-encryption public key")
	ErrNotAllowed            = failure.New(failure.Authorization, "fhe: ACL does not allow handle")
	ErrContractNotAuthorized = failure.New(failure.Authorization, "fhe: contract not covered by request")
	ErrInvalidProof          = failure.New(failure.Cryptographic, "fhe: invalid input proof")
	ErrInvalidSignature      = failure.New(failure.Cryptographic, "fhe: invalid decryption signature")
	ErrValidityWindow        = failure.New(failure.Cryptographic, "fhe: request outside validity window")
	ErrEncryption            = failure.New(failure.Cryptographic, "fhe: ciphertext operation failed")
)

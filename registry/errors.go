package registry

import "ratevault-backend/failure"

var (
	ErrInvalidDimensionCount = failure.New(failure.Validation, "2-10 dimensions required")
	ErrEmptyDimensionName    = failure.New(failure.Validation, "dimension name must not be empty")
	ErrInvalidScoreRange     = failure.New(failure.Validation, "minScore < maxScore")
	ErrInvalidDeadline       = failure.New(failure.Validation, "deadline must be in the future")
	ErrDimensionMismatch     = failure.New(failure.Validation, "dimension mismatch")
	ErrMalformedHandle       = failure.New(failure.Validation, "malformed ciphertext handle")
	ErrUnknownTransaction    = failure.New(failure.Validation, "unknown transaction kind")
	ErrInvalidPayload        = failure.New(failure.Validation, "invalid transaction payload")

	ErrNotFound = failure.New(failure.NotFound, "rating not found")

	ErrNotCreator   = failure.New(failure.Authorization, "Not creator")
	ErrNotOpen      = failure.New(failure.Authorization, "Rating not active")
	ErrExpired      = failure.New(failure.Authorization, "Rating expired")
	ErrAlreadyRated = failure.New(failure.Authorization, "Already rated")

	ErrInvalidProof = failure.New(failure.Cryptographic, "invalid input proof")

	ErrPersist = failure.New(failure.Infrastructure, "failed to persist registry state")
)

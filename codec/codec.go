// Package codec turns plaintext score tuples into encrypted input bundles.
package codec

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"ratevault-backend/failure"
	"ratevault-backend/fhe"
	"ratevault-backend/fhevm"
	"ratevault-backend/models"
)

var (
	ErrScoreOutOfRange   = failure.New(failure.Validation, "codec: score outside campaign range")
	ErrDimensionMismatch = failure.New(failure.Validation, "codec: score count does not match dimensions")
)

// ScoreType is the encrypted type every score is submitted as.
const ScoreType = fhe.Euint32

// Encode encrypts scores for submission by submitter to contract. The
// bundle holds one handle per score, in order, and a single proof.
func Encode(ctx context.Context, inst fhevm.Instance, contract, submitter common.Address, scores []uint64) (*fhevm.Bundle, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: no scores", fhevm.ErrEncodingFailure)
	}
	input := inst.CreateEncryptedInput(contract, submitter)
	for _, s := range scores {
		input.Add32(s)
	}
	bundle, err := input.Encrypt(ctx)
	if err != nil {
		return nil, err
	}
	if len(bundle.Handles) != len(scores) {
		return nil, fmt.Errorf("%w: runtime returned %d handles for %d scores", fhevm.ErrEncodingFailure, len(bundle.Handles), len(scores))
	}
	for i, h := range bundle.Handles {
		if h.Type() != ScoreType {
			return nil, fmt.Errorf("%w: handle %d is %s", fhevm.ErrEncodingFailure, i, h.Type())
		}
	}
	return bundle, nil
}

// ValidateScores checks a tuple against the campaign's dimensions and range.
func ValidateScores(c *models.Campaign, scores []uint64) error {
	if len(scores) != len(c.Dimensions) {
		return fmt.Errorf("%w: got %d, campaign has %d", ErrDimensionMismatch, len(scores), len(c.Dimensions))
	}
	for i, s := range scores {
		if s < uint64(c.MinScore) || s > uint64(c.MaxScore) {
			return fmt.Errorf("%w: %s = %d, want [%d, %d]", ErrScoreOutOfRange, c.Dimensions[i], s, c.MinScore, c.MaxScore)
		}
	}
	return nil
}

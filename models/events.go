package models

import "github.com/ethereum/go-ethereum/common"

type RatingCreated struct {
	ID             uint64         `json:"id"`
	Creator        common.Address `json:"creator"`
	Name           string         `json:"name"`
	DimensionCount int            `json:"dimension_count"`
}

type RatingSubmitted struct {
	ID          uint64         `json:"id"`
	Participant common.Address `json:"participant"`
}

type RatingClosed struct {
	ID uint64 `json:"id"`
}

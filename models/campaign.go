package models

import (
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// Campaign is the public, non-confidential part of a rating campaign.
type Campaign struct {
	ID               uint64         `json:"id"`
	Creator          common.Address `json:"creator"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Dimensions       []string       `json:"dimensions"`
	MinScore         uint32         `json:"min_score"`
	MaxScore         uint32         `json:"max_score"`
	Deadline         uint64         `json:"deadline"` // unix seconds, 0 means no expiry
	Active           bool           `json:"active"`
	ParticipantCount uint64         `json:"participant_count"`
	CreatedAt        uint64         `json:"created_at"`
}

// Clone returns a deep copy safe to hand out to readers.
func (c *Campaign) Clone() *Campaign {
	out := *c
	out.Dimensions = slices.Clone(c.Dimensions)
	return &out
}

// Expired reports whether submissions are past the deadline at now.
func (c *Campaign) Expired(now uint64) bool {
	return c.Deadline != 0 && now >= c.Deadline
}

// CreateRatingParams are the caller supplied fields of a new campaign.
type CreateRatingParams struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Dimensions  []string `json:"dimensions"`
	MinScore    uint32   `json:"min_score"`
	MaxScore    uint32   `json:"max_score"`
	Deadline    uint64   `json:"deadline"`
}

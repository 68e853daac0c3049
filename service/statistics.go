package service

import (
	"math"

	"ratevault-backend/models"
)

// DimensionStats is the decrypted total of one dimension.
type DimensionStats struct {
	Name    string  `json:"name"`
	Total   uint64  `json:"total"`
	Average float64 `json:"average"`
}

// RatingStats summarizes a campaign's decrypted totals.
type RatingStats struct {
	RatingID         uint64           `json:"rating_id"`
	ParticipantCount uint64           `json:"participant_count"`
	Dimensions       []DimensionStats `json:"dimensions"`
	OverallAverage   float64          `json:"overall_average"`
	BestDimension    string           `json:"best_dimension,omitempty"`
	WorstDimension   string           `json:"worst_dimension,omitempty"`
}

// Summarize pairs totals with the campaign's dimensions. Averages are zero
// while nobody has submitted.
func Summarize(c *models.Campaign, totals []uint64) *RatingStats {
	stats := &RatingStats{
		RatingID:         c.ID,
		ParticipantCount: c.ParticipantCount,
		Dimensions:       make([]DimensionStats, len(totals)),
	}
	best, worst := -1, -1
	var sum float64
	for i, total := range totals {
		d := DimensionStats{Total: total}
		if i < len(c.Dimensions) {
			d.Name = c.Dimensions[i]
		}
		if c.ParticipantCount > 0 {
			d.Average = round2(float64(total) / float64(c.ParticipantCount))
		}
		stats.Dimensions[i] = d
		sum += d.Average

		if best < 0 || d.Average > stats.Dimensions[best].Average {
			best = i
		}
		if worst < 0 || d.Average < stats.Dimensions[worst].Average {
			worst = i
		}
	}
	if c.ParticipantCount == 0 || len(totals) == 0 {
		return stats
	}
	stats.OverallAverage = round2(sum / float64(len(totals)))
	stats.BestDimension = stats.Dimensions[best].Name
	stats.WorstDimension = stats.Dimensions[worst].Name
	return stats
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// internal/workers/matching/calculate-match-score/models.go
package calculatematchscore

import "matchmaking-workers/internal/matching"

type Input struct {
	ProfileID        string `json:"profileId"`
	CandidateID      string `json:"candidateId"`
	ForceRecalculate bool   `json:"forceRecalculate"`
}

type Output struct {
	MatchScore       float64                  `json:"matchScore"`
	InsufficientData bool                     `json:"insufficientData"`
	Breakdown        *matching.MatchBreakdown `json:"breakdown"`
}

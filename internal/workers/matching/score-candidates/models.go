// internal/workers/matching/score-candidates/models.go
package scorecandidates

import "matchmaking-workers/internal/matching"

// Candidate pool sources.
const (
	ModeExplicit = "explicit"
	ModeAll      = "all"
	ModeEvent    = "event"
	ModeSearch   = "search"
)

type Input struct {
	ProfileID        string   `json:"profileId"`
	Mode             string   `json:"mode"`
	CandidateIDs     []string `json:"candidateIds,omitempty"`
	EventID          string   `json:"eventId,omitempty"`
	Limit            int      `json:"limit,omitempty"`
	MinScore         float64  `json:"minScore,omitempty"`
	ForceRecalculate bool     `json:"forceRecalculate"`
}

type Output struct {
	BatchID         string                      `json:"batchId"`
	ProfileID       string                      `json:"profileId"`
	Mode            string                      `json:"mode"`
	Matches         []*matching.MatchBreakdown  `json:"matches"`
	Failed          []matching.CandidateFailure `json:"failed"`
	TotalCandidates int                         `json:"totalCandidates"`
	Scored          int                         `json:"scored"`
	CacheHits       int                         `json:"cacheHits"`
}

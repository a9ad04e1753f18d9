// Package matching scores the compatibility of two user profiles and ranks
// candidate lists for a user.
package matching

import (
	"context"
)

type Field string

const (
	FieldBio       Field = "bio"
	FieldInterests Field = "interests"
	FieldAge       Field = "age"
	FieldLocation  Field = "location"
)

// Fields lists the signals in the order they are combined.
var Fields = []Field{FieldInterests, FieldBio, FieldAge, FieldLocation}

// Visibility records which fields the owner lets matching use. A nil map shares
// nothing.
type Visibility map[Field]bool

// Profile is a read-only snapshot of the attributes used for matching.
type Profile struct {
	ID         string     `json:"id"`
	Bio        string     `json:"bio,omitempty"`
	Embedding  []float32  `json:"embedding,omitempty"`
	Interests  []string   `json:"interests,omitempty"`
	Age        *int       `json:"age,omitempty"`
	Location   string     `json:"location,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`
}

// ShareAll returns a visibility map with every field shared.
func ShareAll() Visibility {
	return Visibility{
		FieldBio:       true,
		FieldInterests: true,
		FieldAge:       true,
		FieldLocation:  true,
	}
}

// EmbeddingProvider turns free text into a fixed-length vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SignalScore is one signal's share of a breakdown.
type SignalScore struct {
	Score        float64 `json:"score"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Available    bool    `json:"available"`
	Reason       string  `json:"reason,omitempty"`
}

const (
	ReasonHidden        = "hidden"
	ReasonInvalid       = "invalid"
	ReasonProviderError = "provider_error"
)

// MatchBreakdown is the result of scoring one pair.
type MatchBreakdown struct {
	ProfileID        string      `json:"profileId"`
	CandidateID      string      `json:"candidateId"`
	Bio              SignalScore `json:"bio"`
	Interests        SignalScore `json:"interests"`
	Age              SignalScore `json:"age"`
	Location         SignalScore `json:"location"`
	AvailableWeight  float64     `json:"availableWeight"`
	Total            float64     `json:"total"`
	InsufficientData bool        `json:"insufficientData"`
	Degraded         []Field     `json:"degraded,omitempty"`
}

// Signal returns the score for f.
func (b *MatchBreakdown) Signal(f Field) SignalScore {
	switch f {
	case FieldBio:
		return b.Bio
	case FieldInterests:
		return b.Interests
	case FieldAge:
		return b.Age
	case FieldLocation:
		return b.Location
	}
	return SignalScore{}
}

// orientedFor returns a copy whose ProfileID is userID. Cached breakdowns are
// shared by both directions of a pair.
func (b *MatchBreakdown) orientedFor(userID string) *MatchBreakdown {
	out := *b
	if len(b.Degraded) > 0 {
		out.Degraded = append([]Field(nil), b.Degraded...)
	}
	if out.ProfileID != userID {
		out.ProfileID, out.CandidateID = out.CandidateID, out.ProfileID
	}
	return &out
}

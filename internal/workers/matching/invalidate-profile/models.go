// internal/workers/matching/invalidate-profile/models.go
package invalidateprofile

type Input struct {
	ProfileID string `json:"profileId"`
	// ChangedFields lists what changed on the profile; a bio change implies
	// regenerating the embedding.
	ChangedFields       []string `json:"changedFields,omitempty"`
	RegenerateEmbedding bool     `json:"regenerateEmbedding"`
}

type Output struct {
	ProfileID        string `json:"profileId"`
	Invalidated      bool   `json:"invalidated"`
	EmbeddingUpdated bool   `json:"embeddingUpdated"`
	Dimensions       int    `json:"dimensions,omitempty"`
}

func (in *Input) needsEmbedding() bool {
	if in.RegenerateEmbedding {
		return true
	}
	for _, f := range in.ChangedFields {
		if f == "bio" {
			return true
		}
	}
	return false
}

// internal/workers/matching/generate-profile-embedding/models.go
package generateprofileembedding

type Input struct {
	ProfileID string `json:"profileId"`
	// Bio replaces the stored bio when set, for jobs raised before the write lands.
	Bio *string `json:"bio,omitempty"`
}

type Output struct {
	ProfileID  string `json:"profileId"`
	Dimensions int    `json:"dimensions"`
	Cleared    bool   `json:"cleared"`
}

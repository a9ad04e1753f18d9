package matching

// VisibilityDecision says which signals may contribute to one pairwise score.
type VisibilityDecision struct {
	Bio       bool `json:"bio"`
	Interests bool `json:"interests"`
	Age       bool `json:"age"`
	Location  bool `json:"location"`
}

// Allows reports whether f is eligible.
func (d VisibilityDecision) Allows(f Field) bool {
	switch f {
	case FieldBio:
		return d.Bio
	case FieldInterests:
		return d.Interests
	case FieldAge:
		return d.Age
	case FieldLocation:
		return d.Location
	}
	return false
}

// VisibleFields applies the mutual visibility rule: a field is eligible only
// when both parties share it. Reading a nil map yields false, so a missing
// settings map shares nothing.
func VisibleFields(owner, other Visibility) VisibilityDecision {
	return VisibilityDecision{
		Bio:       owner[FieldBio] && other[FieldBio],
		Interests: owner[FieldInterests] && other[FieldInterests],
		Age:       owner[FieldAge] && other[FieldAge],
		Location:  owner[FieldLocation] && other[FieldLocation],
	}
}

package matching

import "math"

// MaxScore is the upper bound of MatchBreakdown.Total.
const MaxScore = 100.0

// Weights assigns each signal its share of the total.
type Weights struct {
	Interests float64
	Bio       float64
	Age       float64
	Location  float64
}

// CanonicalWeights is the only weighting the engine applies.
var CanonicalWeights = Weights{
	Interests: 0.40,
	Bio:       0.25,
	Age:       0.20,
	Location:  0.15,
}

func (w Weights) For(f Field) float64 {
	switch f {
	case FieldInterests:
		return w.Interests
	case FieldBio:
		return w.Bio
	case FieldAge:
		return w.Age
	case FieldLocation:
		return w.Location
	}
	return 0
}

// SignalInput is a raw 0..1 sub-score. A non-empty Reason marks the signal as
// unusable for this pair.
type SignalInput struct {
	Score  float64
	Reason string
}

type SignalInputs struct {
	Bio       SignalInput
	Interests SignalInput
	Age       SignalInput
	Location  SignalInput
}

func (in SignalInputs) get(f Field) SignalInput {
	switch f {
	case FieldBio:
		return in.Bio
	case FieldInterests:
		return in.Interests
	case FieldAge:
		return in.Age
	case FieldLocation:
		return in.Location
	}
	return SignalInput{}
}

// Combine weights the eligible signals and rescales by the weight that was
// actually available, so hidden fields do not cap the total. With no eligible
// signal the total is 0 and InsufficientData is set.
func Combine(in SignalInputs, visibility VisibilityDecision) MatchBreakdown {
	return combineWith(CanonicalWeights, in, visibility)
}

func combineWith(w Weights, in SignalInputs, visibility VisibilityDecision) MatchBreakdown {
	var out MatchBreakdown
	var weighted, available float64

	for _, f := range Fields {
		weight := w.For(f)
		s := SignalScore{Weight: weight}
		input := in.get(f)

		switch {
		case !visibility.Allows(f):
			s.Reason = ReasonHidden
		case input.Reason != "":
			s.Reason = input.Reason
			out.Degraded = append(out.Degraded, f)
		default:
			score := clamp(input.Score, 0, 1)
			s.Score = score
			s.Available = true
			s.Contribution = round(score*weight*MaxScore, 2)
			weighted += score * weight
			available += weight
		}

		out.setSignal(f, s)
	}

	out.AvailableWeight = round(available, 4)
	if available <= 0 {
		out.InsufficientData = true
		return out
	}

	out.Total = round(clamp(weighted/available*MaxScore, 0, MaxScore), 2)
	return out
}

func (b *MatchBreakdown) setSignal(f Field, s SignalScore) {
	switch f {
	case FieldBio:
		b.Bio = s
	case FieldInterests:
		b.Interests = s
	case FieldAge:
		b.Age = s
	case FieldLocation:
		b.Location = s
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

package matching

import (
	"context"
	"math"
	"strings"
	"unicode"

	"matchmaking-workers/internal/common/geo"
)

const (
	// NeutralScore stands in for a signal whose data is missing on either side.
	NeutralScore = 0.5

	// AgeSigma is the Gaussian width used for age proximity, in years.
	AgeSigma = 5.0

	exactInterestWeight = 0.7
	fuzzyInterestWeight = 0.3

	substringCredit = 0.5
	categoryCredit  = 0.3

	locationFloor = 0.1
)

// CosineSimilarity returns a value in [-1, 1]. Empty, mismatched or zero-length
// vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	c := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, c))
}

// NormalizeTags lowercases, trims, collapses inner whitespace, drops empties and
// de-duplicates, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		n := strings.Join(strings.Fields(strings.ToLower(t)), " ")
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// SetOverlap is the Jaccard index of the normalized tag sets. It is 0 when
// either set is empty.
func SetOverlap(a, b []string) float64 {
	na, nb := NormalizeTags(a), NormalizeTags(b)
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}

	inA := make(map[string]struct{}, len(na))
	for _, t := range na {
		inA[t] = struct{}{}
	}

	intersection := 0
	for _, t := range nb {
		if _, ok := inA[t]; ok {
			intersection++
		}
	}

	union := len(na) + len(nb) - intersection
	return float64(intersection) / float64(union)
}

// FuzzySetOverlap credits every tag with its best match on the other side: 1
// for an exact match, 0.5 when one contains the other, 0.3 when both belong to
// the same interest category. Credits average over both sides so the result is
// symmetric and never exceeds an all-exact match.
func FuzzySetOverlap(a, b []string) float64 {
	na, nb := NormalizeTags(a), NormalizeTags(b)
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}

	catA := make([]map[string]struct{}, len(na))
	for i, t := range na {
		catA[i] = categoriesOf(t)
	}
	catB := make([]map[string]struct{}, len(nb))
	for j, t := range nb {
		catB[j] = categoriesOf(t)
	}

	bestA := make([]float64, len(na))
	bestB := make([]float64, len(nb))
	for i, ta := range na {
		for j, tb := range nb {
			c := tagCredit(ta, tb, catA[i], catB[j])
			if c > bestA[i] {
				bestA[i] = c
			}
			if c > bestB[j] {
				bestB[j] = c
			}
		}
	}

	var sum float64
	for _, c := range bestA {
		sum += c
	}
	for _, c := range bestB {
		sum += c
	}
	return sum / float64(len(na)+len(nb))
}

func tagCredit(a, b string, catA, catB map[string]struct{}) float64 {
	if a == b {
		return 1
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return substringCredit
	}
	for c := range catA {
		if _, ok := catB[c]; ok {
			return categoryCredit
		}
	}
	return 0
}

// InterestSimilarity blends exact and fuzzy overlap as 0.7*exact + 0.3*fuzzy.
func InterestSimilarity(a, b []string) float64 {
	return exactInterestWeight*SetOverlap(a, b) + fuzzyInterestWeight*FuzzySetOverlap(a, b)
}

// AgeProximity is exp(-0.5*(Δ/σ)²) with σ = AgeSigma. Missing ages score
// NeutralScore.
func AgeProximity(a, b *int) float64 {
	if a == nil || b == nil {
		return NeutralScore
	}
	d := float64(*a-*b) / AgeSigma
	return math.Exp(-0.5 * d * d)
}

// distanceSteps maps an upper bound in miles to a score.
var distanceSteps = []struct {
	maxMiles float64
	score    float64
}{
	{1, 1.0},
	{5, 0.9},
	{10, 0.75},
	{25, 0.5},
	{50, 0.3},
	{100, 0.2},
}

// DistanceScore maps a distance in miles onto a step function ending at the
// 0.1 floor.
func DistanceScore(miles float64) float64 {
	for _, s := range distanceSteps {
		if miles <= s.maxMiles {
			return s.score
		}
	}
	return locationFloor
}

// LocationProximity scores two locations: 1 for an exact match, a distance step
// when both postal codes resolve through the geocoder, otherwise a weighted
// common prefix of the codes. Differing values that are not postal codes, such
// as city names, score the floor. Missing locations score NeutralScore.
// geocoder may be nil.
func LocationProximity(ctx context.Context, a, b string, geocoder geo.Geocoder) float64 {
	na := normalizeLocation(a)
	nb := normalizeLocation(b)
	if na == "" || nb == "" {
		return NeutralScore
	}
	if na == nb {
		return 1
	}
	if !postalCodeShaped(na) || !postalCodeShaped(nb) {
		return locationFloor
	}

	if geocoder != nil {
		pa, okA := geocoder.Resolve(ctx, na)
		if okA {
			if pb, okB := geocoder.Resolve(ctx, nb); okB {
				return DistanceScore(geo.DistanceMiles(pa, pb))
			}
		}
	}

	return math.Max(locationFloor, prefixScore(na, nb))
}

// prefixScore weights the first five characters 5,4,3,2,1 and stops at the
// first mismatch.
func prefixScore(a, b string) float64 {
	const positions = 5
	const total = positions * (positions + 1) / 2

	ra, rb := []rune(a), []rune(b)
	score := 0
	for i := 0; i < positions && i < len(ra) && i < len(rb); i++ {
		if ra[i] != rb[i] {
			break
		}
		score += positions - i
	}
	return float64(score) / float64(total)
}

// postalCodeShaped reports whether s looks like a postal code: 3 to 10 letters
// and digits, at least one digit, and at most one inner space or hyphen.
func postalCodeShaped(s string) bool {
	if len(s) < 3 || len(s) > 10 {
		return false
	}
	digits, separators := 0, 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r >= 'a' && r <= 'z':
		case (r == ' ' || r == '-') && i > 0 && i < len(s)-1:
			separators++
		default:
			return false
		}
	}
	return digits > 0 && separators <= 1
}

func normalizeLocation(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

const maxLocationLength = 128

func validLocation(s string) bool {
	if len(s) > maxLocationLength {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

const maxPlausibleAge = 150

func validAge(age *int) bool {
	return age == nil || (*age > 0 && *age <= maxPlausibleAge)
}

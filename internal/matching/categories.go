package matching

import "strings"

// interestCategories groups keywords that count as related interests. A tag
// belongs to a category when any of its words is one of the keywords.
var interestCategories = map[string][]string{
	"outdoors": {"hiking", "camping", "climbing", "kayaking", "fishing", "surfing", "skiing", "snowboarding", "trail", "nature", "backpacking", "outdoors"},
	"fitness":  {"running", "yoga", "gym", "cycling", "swimming", "crossfit", "pilates", "lifting", "marathon", "fitness", "tennis", "soccer", "basketball"},
	"food":     {"cooking", "baking", "food", "wine", "coffee", "brewing", "restaurants", "foodie", "grilling", "cuisine"},
	"arts":     {"painting", "drawing", "photography", "art", "museums", "theater", "theatre", "pottery", "design", "crafts"},
	"music":    {"music", "concerts", "guitar", "piano", "singing", "festivals", "jazz", "dj", "vinyl"},
	"books":    {"reading", "books", "writing", "poetry", "literature", "podcasts"},
	"tech":     {"coding", "programming", "gaming", "tech", "robotics", "startups", "ai"},
	"travel":   {"travel", "traveling", "travelling", "languages", "culture", "roadtrips"},
	"social":   {"volunteering", "dancing", "trivia", "karaoke", "boardgames", "community"},
}

var keywordCategories = func() map[string][]string {
	idx := make(map[string][]string)
	for cat, words := range interestCategories {
		for _, w := range words {
			idx[w] = append(idx[w], cat)
		}
	}
	return idx
}()

// categoriesOf returns the categories of a normalized tag.
func categoriesOf(tag string) map[string]struct{} {
	out := make(map[string]struct{})
	words := strings.FieldsFunc(tag, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/' || r == '&' || r == ','
	})
	for _, w := range words {
		for _, cat := range keywordCategories[w] {
			out[cat] = struct{}{}
		}
	}
	return out
}

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"matchmaking-workers/internal/common/geo"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/matching"

	"github.com/elastic/go-elasticsearch/v8"
)

var ErrIndexNotFound = errors.New("search index not found")

const locationPrefixLength = 3

// CandidateSearch preselects candidate ids from the profiles index. It only
// queries on fields the user shares, and only matches candidates that share
// them too.
type CandidateSearch struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewCandidateSearch(client *elasticsearch.Client, index string, log logger.Logger) *CandidateSearch {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &CandidateSearch{client: client, index: index, logger: log}
}

type searchResponse struct {
	Took int `json:"took"`
	Hits struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *CandidateSearch) SearchCandidates(ctx context.Context, p *matching.Profile, size int) ([]string, error) {
	body, err := json.Marshal(BuildCandidateQuery(p, size))
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", s.index, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, s.index)
	}
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("search %s: %s: %s", s.index, res.Status(), msg)
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	ids := make([]string, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		if h.ID != "" && h.ID != p.ID {
			ids = append(ids, h.ID)
		}
	}

	s.logger.Debug("candidate search completed", map[string]interface{}{
		"profileId": p.ID,
		"hits":      len(ids),
		"took":      sr.Took,
	})
	return ids, nil
}

// BuildCandidateQuery ranks profiles by shared interests and nearby location.
// A user sharing neither gets the most recently updated profiles.
func BuildCandidateQuery(p *matching.Profile, size int) map[string]interface{} {
	var should []interface{}
	filter := []interface{}{}

	if p.Visibility[matching.FieldInterests] {
		if tags := matching.NormalizeTags(p.Interests); len(tags) > 0 {
			should = append(should, map[string]interface{}{
				"terms": map[string]interface{}{
					"interests": tags,
					"boost":     2.0,
				},
			})
		}
	}

	if p.Visibility[matching.FieldLocation] {
		if loc := geo.NormalizePostalCode(p.Location); len(loc) >= locationPrefixLength {
			should = append(should, map[string]interface{}{
				"prefix": map[string]interface{}{
					"location": map[string]interface{}{"value": loc[:locationPrefixLength]},
				},
			})
		}
	}

	boolQuery := map[string]interface{}{
		"must_not": []interface{}{
			map[string]interface{}{"ids": map[string]interface{}{"values": []string{p.ID}}},
		},
	}
	for _, f := range []matching.Field{matching.FieldInterests, matching.FieldLocation} {
		if p.Visibility[f] {
			filter = append(filter, map[string]interface{}{
				"term": map[string]interface{}{"visibility." + string(f): true},
			})
		}
	}
	if len(filter) > 0 {
		// candidates must share at least one of the same fields
		boolQuery["filter"] = []interface{}{
			map[string]interface{}{"bool": map[string]interface{}{
				"should":               filter,
				"minimum_should_match": 1,
			}},
		}
	}
	if len(should) > 0 {
		boolQuery["should"] = should
		boolQuery["minimum_should_match"] = 1
	}

	query := map[string]interface{}{
		"size":    size,
		"_source": false,
		"query":   map[string]interface{}{"bool": boolQuery},
	}
	if len(should) == 0 {
		query["sort"] = []interface{}{
			map[string]interface{}{"updated_at": map[string]interface{}{"order": "desc", "unmapped_type": "date"}},
		}
	}
	return query
}

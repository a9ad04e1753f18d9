// test/e2e/e2e_test.go
package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchmaking-workers/internal/common/camunda"
	"matchmaking-workers/internal/common/config"
	"matchmaking-workers/internal/common/embedding"
	"matchmaking-workers/internal/common/geo"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/validation"
	"matchmaking-workers/internal/matching"
	"matchmaking-workers/internal/matching/scorecache"
	"matchmaking-workers/internal/store"
	"matchmaking-workers/pkg/registry"

	calculatematchscore "matchmaking-workers/internal/workers/matching/calculate-match-score"
	generateprofileembedding "matchmaking-workers/internal/workers/matching/generate-profile-embedding"
	invalidateprofile "matchmaking-workers/internal/workers/matching/invalidate-profile"
	scorecandidates "matchmaking-workers/internal/workers/matching/score-candidates"
)

const shareAll = `{"bio":true,"interests":true,"age":true,"location":true}`

var (
	profileCols  = []string{"id", "bio", "embedding", "interests", "age", "location", "visibility"}
	byIDQuery    = regexp.QuoteMeta("FROM profiles p WHERE p.id = $1")
	byIDsQuery   = regexp.QuoteMeta("FROM profiles p WHERE p.id = ANY($1)")
	updateQuery  = regexp.QuoteMeta("UPDATE profiles SET embedding = $2")
	bioEmbedding = []float32{0.6, 0.8, 0}
)

// pipeline is the full worker stack wired the way the worker manager wires it,
// with Postgres, Redis and the GenAI gateway replaced by in-process fakes.
type pipeline struct {
	db        sqlmock.Sqlmock
	redis     *miniredis.Miniredis
	cache     *scorecache.TieredCache
	validator *validation.Validator

	calculate  *calculatematchscore.Handler
	candidates *scorecandidates.Handler
	embed      *generateprofileembedding.Handler
	invalidate *invalidateprofile.Handler
}

func projectConfigs(t *testing.T) string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "configs")
}

func newPipeline(t *testing.T) *pipeline {
	log := logger.NewTestLogger(t)

	reg, err := registry.LoadRegistry(filepath.Join(projectConfigs(t), "activity-registry.json"))
	require.NoError(t, err)
	validator, err := validation.NewValidator(reg)
	require.NoError(t, err)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": bioEmbedding, "model": "test"})
	}))
	t.Cleanup(gateway.Close)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cache := scorecache.NewTieredCache(
		scorecache.NewMemoryCache(scorecache.MemoryOptions{TTL: time.Minute, MaxEntries: 100, Logger: log}),
		scorecache.NewRedisCache(rdb, time.Minute),
	)

	engine := matching.NewEngine(matching.Options{
		Geocoder: geo.NewStaticGeocoder(map[string]geo.Point{"94110": {Lat: 37.7485, Lng: -122.4184}}),
		Embedder: embedding.NewClient(embedding.Config{
			BaseURL:      gateway.URL,
			Model:        "test",
			Dimensions:   3,
			Timeout:      2 * time.Second,
			RetryBackoff: time.Millisecond,
		}, log),
		Cache:       cache,
		Concurrency: 4,
		Logger:      log,
	})
	profiles := store.NewProfileStore(db, log)

	candidates, err := scorecandidates.NewHandler(scorecandidates.HandlerOptions{
		Profiles:  profiles,
		Engine:    engine,
		Validator: validator,
		Logger:    log,
	})
	require.NoError(t, err)

	embed := generateprofileembedding.NewHandler(generateprofileembedding.DefaultConfig(), profiles, engine, validator, log)

	return &pipeline{
		db:         mock,
		redis:      mr,
		cache:      cache,
		validator:  validator,
		calculate:  calculatematchscore.NewHandler(calculatematchscore.DefaultConfig(), profiles, engine, validator, log),
		candidates: candidates,
		embed:      embed,
		invalidate: invalidateprofile.NewHandler(invalidateprofile.DefaultConfig(), engine, embed, validator, log),
	}
}

func pairRows(embedded bool) *sqlmock.Rows {
	var bioA, bioB, vec interface{}
	if embedded {
		bioA, bioB, vec = "weekend hiker", "home cook", "[0.6,0.8,0]"
	}
	return sqlmock.NewRows(profileCols).
		AddRow("user-a", bioA, vec, "{hiking,cooking,reading}", int64(28), "94110", []byte(shareAll)).
		AddRow("user-b", bioB, vec, "{hiking,cooking,travel}", int64(30), "94110", []byte(shareAll))
}

func strPtr(s string) *string { return &s }

// ==========================
// Profile lifecycle
// ==========================

func TestProfileLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	// 1. Score before either bio is written: bio is neutral.
	p.db.ExpectQuery(byIDsQuery).WillReturnRows(pairRows(false))
	scored, err := p.calculate.Execute(ctx, &calculatematchscore.Input{ProfileID: "user-a", CandidateID: "user-b"})
	require.NoError(t, err)
	assert.Equal(t, 67.96, scored.MatchScore)

	_, cached, err := p.cache.Get(ctx, "user-a", "user-b")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.NotEmpty(t, p.redis.Keys(), "score is shared through redis")

	// 2. Embedding both bios drops the cached pair.
	for _, id := range []string{"user-a", "user-b"} {
		p.db.ExpectExec(updateQuery).WithArgs(id, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		out, err := p.embed.Execute(ctx, &generateprofileembedding.Input{ProfileID: id, Bio: strPtr("bio of " + id)})
		require.NoError(t, err)
		assert.Equal(t, 3, out.Dimensions)
	}
	_, cached, err = p.cache.Get(ctx, "user-a", "user-b")
	require.NoError(t, err)
	assert.False(t, cached)

	// 3. Rescoring picks up identical bio vectors.
	p.db.ExpectQuery(byIDsQuery).WillReturnRows(pairRows(true))
	scored, err = p.calculate.Execute(ctx, &calculatematchscore.Input{ProfileID: "user-a", CandidateID: "user-b"})
	require.NoError(t, err)
	assert.InDelta(t, 80.46, scored.MatchScore, 0.01)
	assert.InDelta(t, 1.0, scored.Breakdown.Bio.Score, 1e-6)

	// 4. A bio edit invalidates and re-embeds from the stored row.
	p.db.ExpectQuery(byIDQuery).WithArgs("user-a").WillReturnRows(
		sqlmock.NewRows(profileCols).AddRow("user-a", "trail runner", nil, nil, nil, nil, nil))
	p.db.ExpectExec(updateQuery).WithArgs("user-a", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

	inv, err := p.invalidate.Execute(ctx, &invalidateprofile.Input{ProfileID: "user-a", ChangedFields: []string{"bio"}})
	require.NoError(t, err)
	assert.True(t, inv.Invalidated)
	assert.True(t, inv.EmbeddingUpdated)
	assert.Equal(t, 3, inv.Dimensions)

	_, cached, err = p.cache.Get(ctx, "user-a", "user-b")
	require.NoError(t, err)
	assert.False(t, cached)

	assert.NoError(t, p.db.ExpectationsWereMet())
}

func TestBatchScoring(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	p.db.ExpectQuery(byIDQuery).WithArgs("user-a").WillReturnRows(
		sqlmock.NewRows(profileCols).AddRow("user-a", nil, nil, "{hiking,cooking,reading}", int64(28), "94110", []byte(shareAll)))
	p.db.ExpectQuery(byIDsQuery).WillReturnRows(
		sqlmock.NewRows(profileCols).AddRow("user-b", nil, nil, "{hiking,cooking,travel}", int64(30), "94110", []byte(shareAll)))

	out, err := p.candidates.Execute(ctx, &scorecandidates.Input{
		ProfileID:    "user-a",
		Mode:         scorecandidates.ModeExplicit,
		CandidateIDs: []string{"user-b", "ghost"},
	})
	require.NoError(t, err)

	require.Len(t, out.Matches, 1)
	assert.Equal(t, "user-b", out.Matches[0].CandidateID)
	assert.Equal(t, 67.96, out.Matches[0].Total)

	require.Len(t, out.Failed, 1)
	assert.Equal(t, 1, out.Failed[0].Index)
	assert.Equal(t, "ghost", out.Failed[0].CandidateID)

	// The pair score is now cached for single scoring.
	p.db.ExpectQuery(byIDsQuery).WillReturnRows(pairRows(false))
	single, err := p.calculate.Execute(ctx, &calculatematchscore.Input{ProfileID: "user-a", CandidateID: "user-b"})
	require.NoError(t, err)
	assert.Equal(t, out.Matches[0].Total, single.MatchScore)

	assert.NoError(t, p.db.ExpectationsWereMet())
}

// ==========================
// Job variable contracts
// ==========================

func TestJobVariables(t *testing.T) {
	p := newPipeline(t)

	tests := []struct {
		taskType  string
		variables string
		valid     bool
	}{
		{calculatematchscore.TaskType, `{"profileId":"a","candidateId":"b"}`, true},
		{calculatematchscore.TaskType, `{"profileId":"a"}`, false},
		{scorecandidates.TaskType, `{"profileId":"a","mode":"explicit","candidateIds":["b"]}`, true},
		{scorecandidates.TaskType, `{"profileId":"a","mode":"explicit"}`, false},
		{scorecandidates.TaskType, `{"profileId":"a","mode":"event"}`, false},
		{scorecandidates.TaskType, `{"profileId":"a","mode":"nearby"}`, false},
		{invalidateprofile.TaskType, `{"profileId":"a","changedFields":["bio","age"]}`, true},
		{invalidateprofile.TaskType, `{"profileId":"a","changedFields":["photo"]}`, false},
		{generateprofileembedding.TaskType, `{"profileId":"a","bio":"hello"}`, true},
		{generateprofileembedding.TaskType, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.taskType+" "+tt.variables, func(t *testing.T) {
			assert.True(t, p.validator.HasSchema(tt.taskType))
			res := p.validator.ValidateVariables(tt.taskType, tt.variables)
			assert.Equal(t, tt.valid, res.Valid, res.Summary())
		})
	}
}

// ==========================
// Live stack (opt-in)
// ==========================

// TestLiveStack checks connectivity against a running docker-compose stack.
// Set E2E_LIVE=1 to run it.
func TestLiveStack(t *testing.T) {
	if os.Getenv("E2E_LIVE") == "" {
		t.Skip("E2E_LIVE not set")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	client, err := camunda.NewClientWithConfig(camunda.ConfigFrom(cfg.Camunda))
	require.NoError(t, err, "zeebe gateway unreachable")
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, client.HealthCheck(ctx))
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"matchmaking-workers/internal/common/config"
	"matchmaking-workers/internal/common/geo"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/matching/scorecache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serve(t *testing.T, s *healthServer, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	mux := http.NewServeMux()
	s.register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if path != "/metrics" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthServer_Ready(t *testing.T) {
	ok := func(context.Context) error { return nil }
	s := &healthServer{
		checks:  []dependencyCheck{{name: "postgres", check: ok}, {name: "zeebe", check: ok}},
		breaker: func() string { return "closed" },
	}

	rec, body := serve(t, s, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "closed", body["embeddingCircuit"])
}

func TestHealthServer_NotReady(t *testing.T) {
	s := &healthServer{checks: []dependencyCheck{
		{name: "postgres", check: func(context.Context) error { return nil }},
		{name: "redis", check: func(context.Context) error { return errors.New("connection refused") }},
	}}

	rec, body := serve(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", body["status"])
	deps := body["dependencies"].(map[string]interface{})
	assert.Equal(t, "ok", deps["postgres"])
	assert.Equal(t, "connection refused", deps["redis"])
	assert.NotContains(t, body, "embeddingCircuit")
}

func TestHealthServer_HealthAndMetrics(t *testing.T) {
	s := &healthServer{version: "1.2.3"}

	rec, body := serve(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.2.3", body["version"])

	rec, _ = serve(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBuildScoreCache(t *testing.T) {
	cfg := config.MatchingConfig{CacheTTL: 60000, LocalCacheTTL: 5000, CacheMaxEntries: 10}

	cache, local := buildScoreCache(cfg, nil, logger.NewTestLogger(t))
	assert.Same(t, local, cache)
	assert.Equal(t, time.Minute, local.TTL(), "memory-only cache keeps the full TTL")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cache, local = buildScoreCache(cfg, rdb, logger.NewTestLogger(t))
	tiered, ok := cache.(*scorecache.TieredCache)
	require.True(t, ok)
	assert.Same(t, local, tiered.Local())
	assert.Equal(t, 5*time.Second, local.TTL(), "in-process tier is short-lived behind redis")
}

func TestBuildGeocoder_Static(t *testing.T) {
	g := buildGeocoder(config.GeocoderConfig{
		Source:      "static",
		PostalCodes: map[string]config.Coordinate{"94110": {Lat: 37.7485, Lng: -122.4184}},
	}, nil, logger.NewTestLogger(t))

	p, ok := g.Resolve(context.Background(), "94110")
	require.True(t, ok)
	assert.Equal(t, geo.Point{Lat: 37.7485, Lng: -122.4184}, p)

	_, ok = g.Resolve(context.Background(), "00000")
	assert.False(t, ok)
}

func TestRetryWithBackoff(t *testing.T) {
	calls := 0
	err := retryWithBackoff(func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, 5, 0, zap.NewNop(), "op")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	err = retryWithBackoff(func() error { return errors.New("down") }, 2, 0, zap.NewNop(), "op")
	assert.ErrorContains(t, err, "op failed after 2 attempts")
}

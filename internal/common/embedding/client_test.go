package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"matchmaking-workers/internal/common/config"
	"matchmaking-workers/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		APIKey:       "test-key",
		Model:        "text-embedding-3-small",
		Dimensions:   3,
		Timeout:      2 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 5 * time.Millisecond,
	}
}

func writeEmbedding(w http.ResponseWriter, vec []float32) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": vec, "model": "text-embedding-3-small"})
}

func TestClient_Embed_Success(t *testing.T) {
	var got embedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/ai/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEmbedding(w, []float32{0.1, 0.2, 0.3})
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), logger.NewTestLogger(t))
	vec, err := c.Embed(context.Background(), "  loves   hiking\n")

	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "loves hiking", got.Input)
	assert.Equal(t, "text-embedding-3-small", got.Model)
	assert.Equal(t, 3, got.Dimensions)
}

func TestClient_Embed_BlankTextSkipsProvider(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), logger.NewTestLogger(t))
	vec, err := c.Embed(context.Background(), " \t ")

	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, vec)
	assert.Equal(t, int32(0), calls.Load())
}

func TestClient_Embed_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var firstID, lastID atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			firstID.Store(r.Header.Get("X-Request-ID"))
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		lastID.Store(r.Header.Get("X-Request-ID"))
		writeEmbedding(w, []float32{1, 0, 0})
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), logger.NewTestLogger(t))
	vec, err := c.Embed(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, firstID.Load(), lastID.Load(), "retries reuse the request id")
}

func TestClient_Embed_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), logger.NewTestLogger(t))
	_, err := c.Embed(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Embed_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), logger.NewTestLogger(t))
	_, err := c.Embed(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Embed_DimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEmbedding(w, []float32{1, 2})
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), logger.NewTestLogger(t))
	_, err := c.Embed(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "got 2 dimensions, want 3")
}

func TestClient_Embed_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Timeout = 50 * time.Millisecond
	c := NewClient(cfg, logger.NewTestLogger(t))

	_, err := c.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingTimeout)
}

func TestClient_Embed_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 3
	cfg.BreakerTimeout = time.Minute
	c := NewClient(cfg, logger.NewTestLogger(t))

	for i := 0; i < 3; i++ {
		_, err := c.Embed(context.Background(), "hello")
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
	}
	assert.Equal(t, "open", c.State())

	_, err := c.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load(), "open circuit short-circuits the call")
}

func TestClient_Embed_CallerCancellationDoesNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEmbedding(w, []float32{1, 1, 1})
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.BreakerFailures = 1
	c := NewClient(cfg, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Embed(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", c.State())
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.GenAIConfig{
		BaseURL:    "http://genai:8080/",
		APIKey:     "k",
		Dimensions: 1536,
		Timeout:    2500,
		MaxRetries: 2,
		RateLimit:  20,
		Burst:      5,
	})

	assert.Equal(t, "http://genai:8080", cfg.BaseURL)
	assert.Equal(t, 2500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 1536, cfg.Dimensions)
	assert.Equal(t, 20.0, cfg.RateLimit)
}

// Package embedding talks to the GenAI gateway's embedding endpoint.
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"matchmaking-workers/internal/common/config"
	httpclient "matchmaking-workers/internal/common/http"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/metrics"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	embeddingsPath = "/api/ai/embeddings"
	breakerName    = "genai-embeddings"
)

var (
	ErrEmbeddingFailed  = errors.New("embedding request failed")
	ErrEmbeddingTimeout = errors.New("embedding request timed out")
	ErrCircuitOpen      = errors.New("embedding provider circuit open")
)

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	MaxRetries int
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64
	Burst     int
	// BreakerFailures consecutive failures open the circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
}

func ConfigFrom(cfg config.GenAIConfig) Config {
	return Config{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		Timeout:    config.GetDuration(cfg.Timeout),
		MaxRetries: cfg.MaxRetries,
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
	}
}

type Client struct {
	cfg     Config
	http    *httpclient.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]float32]
	logger  logger.Logger
}

type embedRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

// statusError is a non-2xx reply. 4xx other than 429 is not retried.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func NewClient(cfg Config, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"component": "embedding-client"})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	breaker := gobreaker.NewCircuitBreaker[[]float32](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// the caller giving up says nothing about the provider
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Client{
		cfg:     cfg,
		http:    httpclient.NewClient(cfg.Timeout),
		limiter: limiter,
		breaker: breaker,
		logger:  log,
	}
}

// Embed returns the embedding for text. Blank text yields a zero vector of the
// configured dimension without calling the provider.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return make([]float32, c.cfg.Dimensions), nil
	}

	vec, err := c.breaker.Execute(func() ([]float32, error) {
		return c.embedWithRetry(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.EmbeddingRequests.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		metrics.EmbeddingRequests.WithLabelValues("failure").Inc()
		return nil, err
	}

	metrics.EmbeddingRequests.WithLabelValues("success").Inc()
	return vec, nil
}

// State reports the breaker state, mainly for readiness output.
func (c *Client) State() string {
	return c.breaker.State().String()
}

func (c *Client) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	requestID := uuid.NewString()
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, c.contextError(ctx, lastErr)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.contextError(ctx, err)
		}

		vec, err := c.post(ctx, text, requestID)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, c.contextError(ctx, lastErr)
		}

		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			break
		}
		if errors.Is(err, ErrEmbeddingFailed) {
			break
		}

		c.logger.Debug("embedding attempt failed", map[string]interface{}{
			"attempt":   attempt + 1,
			"requestId": requestID,
			"error":     err.Error(),
		})
	}

	return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, lastErr)
}

func (c *Client) post(ctx context.Context, text, requestID string) ([]float32, error) {
	headers := map[string]string{"X-Request-ID": requestID}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}

	resp, err := c.http.PostJSON(ctx, c.cfg.BaseURL+embeddingsPath, headers, embedRequest{
		Input:      text,
		Model:      c.cfg.Model,
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrEmbeddingFailed)
	}
	if c.cfg.Dimensions > 0 && len(out.Embedding) != c.cfg.Dimensions {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrEmbeddingFailed, len(out.Embedding), c.cfg.Dimensions)
	}
	return out.Embedding, nil
}

func (c *Client) contextError(ctx context.Context, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrEmbeddingTimeout, c.cfg.Timeout)
	}
	if cause == nil {
		cause = ctx.Err()
	}
	return fmt.Errorf("%w: %w", ctx.Err(), cause)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

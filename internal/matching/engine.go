package matching

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"matchmaking-workers/internal/common/geo"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "matchmaking-workers/matching"

var (
	ErrInvalidProfile = errors.New("profile is nil or has no id")
	ErrNoEmbedder     = errors.New("no embedding provider configured")
)

// ScoreCache memoizes breakdowns by unordered profile pair. Implementations must
// be safe for concurrent use.
type ScoreCache interface {
	Get(ctx context.Context, idA, idB string) (*MatchBreakdown, bool, error)
	Put(ctx context.Context, idA, idB string, b *MatchBreakdown) error
	Invalidate(ctx context.Context, id string) error
}

type Options struct {
	Geocoder geo.Geocoder
	Embedder EmbeddingProvider
	Cache    ScoreCache
	// Concurrency bounds the batch fan-out. Values below 1 mean 1.
	Concurrency int
	Logger      logger.Logger
}

type Engine struct {
	geocoder    geo.Geocoder
	embedder    EmbeddingProvider
	cache       ScoreCache
	concurrency int
	logger      logger.Logger
}

func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		geocoder:    opts.Geocoder,
		embedder:    opts.Embedder,
		cache:       opts.Cache,
		concurrency: concurrency,
		logger:      log.WithFields(map[string]interface{}{"component": "matching-engine"}),
	}
}

type ScoreOptions struct {
	// Limit caps the number of matches returned; 0 means no cap.
	Limit            int
	MinScore         float64
	ForceRecalculate bool
}

type CandidateFailure struct {
	Index       int    `json:"index"`
	CandidateID string `json:"candidateId,omitempty"`
	Error       string `json:"error"`
}

type BatchResult struct {
	Matches []*MatchBreakdown  `json:"matches"`
	Failed  []CandidateFailure `json:"failed,omitempty"`
	// Scored counts candidates scored before the MinScore filter and Limit.
	Scored    int `json:"scored"`
	CacheHits int `json:"cacheHits"`
}

// ScoreOne scores a against b, reading through the cache.
func (e *Engine) ScoreOne(ctx context.Context, a, b *Profile) (*MatchBreakdown, error) {
	return e.scoreOne(ctx, a, b, false)
}

// Recalculate scores a against b live and overwrites the cached entry.
func (e *Engine) Recalculate(ctx context.Context, a, b *Profile) (*MatchBreakdown, error) {
	return e.scoreOne(ctx, a, b, true)
}

func (e *Engine) scoreOne(ctx context.Context, a, b *Profile, force bool) (*MatchBreakdown, error) {
	if a == nil || a.ID == "" || b == nil || b.ID == "" {
		return nil, ErrInvalidProfile
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "matching.ScoreOne",
		trace.WithAttributes(
			attribute.String("profile.id", a.ID),
			attribute.String("candidate.id", b.ID),
			attribute.Bool("force", force),
		))
	defer span.End()

	userEmbedding := sync.OnceValues(func() ([]float32, error) {
		return e.resolveEmbedding(ctx, a)
	})

	res, _, err := e.scorePair(ctx, a, b, userEmbedding, force)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// ScoreCandidates scores user against every candidate and returns the matches
// sorted by total descending, ties by candidate id ascending. Candidates that
// cannot be scored are reported in Failed and do not abort the batch.
func (e *Engine) ScoreCandidates(ctx context.Context, user *Profile, candidates []*Profile, opts ScoreOptions) (*BatchResult, error) {
	if user == nil || user.ID == "" {
		return nil, ErrInvalidProfile
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "matching.ScoreCandidates",
		trace.WithAttributes(
			attribute.String("profile.id", user.ID),
			attribute.Int("candidates", len(candidates)),
			attribute.Bool("force", opts.ForceRecalculate),
		))
	defer span.End()

	metrics.BatchSize.Observe(float64(len(candidates)))

	result := &BatchResult{}
	seen := map[string]struct{}{user.ID: {}}
	type job struct {
		index int
		cand  *Profile
	}
	jobs := make([]job, 0, len(candidates))
	for i, c := range candidates {
		if c == nil || c.ID == "" {
			result.Failed = append(result.Failed, CandidateFailure{Index: i, Error: ErrInvalidProfile.Error()})
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		jobs = append(jobs, job{index: i, cand: c})
	}

	userEmbedding := sync.OnceValues(func() ([]float32, error) {
		return e.resolveEmbedding(ctx, user)
	})

	scored := make([]*MatchBreakdown, len(jobs))
	hits := make([]bool, len(jobs))
	errs := make([]error, len(jobs))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("scoring panicked: %v", r)
				}
			}()
			scored[i], hits[i], errs[i] = e.scorePair(ctx, user, j.cand, userEmbedding, opts.ForceRecalculate)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	matches := make([]*MatchBreakdown, 0, len(jobs))
	for i, b := range scored {
		if errs[i] != nil || b == nil {
			msg := "no result"
			if errs[i] != nil {
				msg = errs[i].Error()
			}
			result.Failed = append(result.Failed, CandidateFailure{Index: jobs[i].index, CandidateID: jobs[i].cand.ID, Error: msg})
			continue
		}
		if hits[i] {
			result.CacheHits++
		}
		result.Scored++
		if b.Total >= opts.MinScore {
			matches = append(matches, b)
		}
	}

	SortMatches(matches)
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	result.Matches = matches

	if n := len(result.Failed); n > 0 {
		metrics.CandidateFailures.Add(float64(n))
		e.logger.Warn("candidates skipped", map[string]interface{}{
			"profileId": user.ID,
			"failed":    n,
		})
	}
	span.SetAttributes(attribute.Int("matches", len(matches)), attribute.Int("cache.hits", result.CacheHits))

	return result, nil
}

// SortMatches orders by total descending, then candidate id ascending.
func SortMatches(matches []*MatchBreakdown) {
	slices.SortFunc(matches, func(a, b *MatchBreakdown) int {
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return strings.Compare(a.CandidateID, b.CandidateID)
	})
}

// InvalidateProfile drops every cached score involving id.
func (e *Engine) InvalidateProfile(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidProfile
	}
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Invalidate(ctx, id); err != nil {
		metrics.CacheErrors.WithLabelValues("invalidate").Inc()
		return fmt.Errorf("invalidate %s: %w", id, err)
	}
	metrics.CacheOperations.WithLabelValues("invalidate", "ok").Inc()
	return nil
}

func (e *Engine) scorePair(ctx context.Context, user, cand *Profile, userEmbedding func() ([]float32, error), force bool) (*MatchBreakdown, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if !force {
		if b, ok := e.cacheGet(ctx, user.ID, cand.ID); ok {
			metrics.ScoresComputed.WithLabelValues("cache").Inc()
			return b, true, nil
		}
	}

	b := e.compute(ctx, user, cand, userEmbedding)
	metrics.ScoresComputed.WithLabelValues("computed").Inc()

	// transient provider failures are not memoized
	if !b.hasReason(ReasonProviderError) {
		e.cachePut(ctx, b)
	}
	return b, false, nil
}

func (e *Engine) compute(ctx context.Context, a, b *Profile, aEmbedding func() ([]float32, error)) *MatchBreakdown {
	vis := VisibleFields(a.Visibility, b.Visibility)

	var in SignalInputs
	if vis.Interests {
		in.Interests.Score = InterestSimilarity(a.Interests, b.Interests)
	}

	if vis.Age {
		if validAge(a.Age) && validAge(b.Age) {
			in.Age.Score = AgeProximity(a.Age, b.Age)
		} else {
			in.Age.Reason = ReasonInvalid
		}
	}

	if vis.Location {
		la, lb := strings.TrimSpace(a.Location), strings.TrimSpace(b.Location)
		if validLocation(la) && validLocation(lb) {
			in.Location.Score = LocationProximity(ctx, la, lb, e.geocoder)
		} else {
			in.Location.Reason = ReasonInvalid
		}
	}

	if vis.Bio {
		va, errA := aEmbedding()
		vb, errB := e.resolveEmbedding(ctx, b)
		in.Bio = bioInput(va, errA, vb, errB)
	}

	out := Combine(in, vis)
	out.ProfileID = a.ID
	out.CandidateID = b.ID
	return &out
}

func bioInput(a []float32, errA error, b []float32, errB error) SignalInput {
	switch {
	case errA != nil || errB != nil:
		return SignalInput{Reason: ReasonProviderError}
	case a == nil || b == nil:
		return SignalInput{Score: NeutralScore}
	case len(a) != len(b):
		return SignalInput{Reason: ReasonInvalid}
	}
	return SignalInput{Score: nonNegative(CosineSimilarity(a, b))}
}

// nonNegative clamps opposed vectors to 0.
func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// EmbedBio embeds bio with the configured provider. Blank text yields a nil
// vector and no provider call.
func (e *Engine) EmbedBio(ctx context.Context, bio string) ([]float32, error) {
	if strings.TrimSpace(bio) == "" {
		return nil, nil
	}
	if e.embedder == nil {
		return nil, ErrNoEmbedder
	}
	return e.embedder.Embed(ctx, bio)
}

// resolveEmbedding returns the stored vector, or asks the provider for one when
// the profile has bio text. A profile without either yields nil.
func (e *Engine) resolveEmbedding(ctx context.Context, p *Profile) ([]float32, error) {
	if len(p.Embedding) > 0 {
		return p.Embedding, nil
	}
	if strings.TrimSpace(p.Bio) == "" || e.embedder == nil {
		return nil, nil
	}

	vec, err := e.embedder.Embed(ctx, p.Bio)
	if err != nil {
		e.logger.Warn("embedding unavailable, dropping bio signal", map[string]interface{}{
			"profileId": p.ID,
			"error":     err.Error(),
		})
		return nil, err
	}
	return vec, nil
}

func (e *Engine) cacheGet(ctx context.Context, userID, candID string) (*MatchBreakdown, bool) {
	if e.cache == nil {
		return nil, false
	}

	b, ok, err := e.cache.Get(ctx, userID, candID)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("get").Inc()
		e.logger.Warn("score cache read failed, computing live", map[string]interface{}{
			"profileId":   userID,
			"candidateId": candID,
			"error":       err.Error(),
		})
		return nil, false
	}
	if !ok || b == nil {
		metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
		return nil, false
	}

	metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
	return b.orientedFor(userID), true
}

func (e *Engine) cachePut(ctx context.Context, b *MatchBreakdown) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(ctx, b.ProfileID, b.CandidateID, b); err != nil {
		metrics.CacheErrors.WithLabelValues("put").Inc()
		e.logger.Warn("score cache write failed", map[string]interface{}{
			"profileId":   b.ProfileID,
			"candidateId": b.CandidateID,
			"error":       err.Error(),
		})
		return
	}
	metrics.CacheOperations.WithLabelValues("put", "ok").Inc()
}

func (b *MatchBreakdown) hasReason(reason string) bool {
	for _, f := range Fields {
		if b.Signal(f).Reason == reason {
			return true
		}
	}
	return false
}

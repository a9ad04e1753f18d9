// internal/workers/matching/score-candidates/handler.go
package scorecandidates

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"matchmaking-workers/internal/common/camunda"
	"matchmaking-workers/internal/common/errors"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/metrics"
	"matchmaking-workers/internal/common/observability"
	"matchmaking-workers/internal/common/validation"
	"matchmaking-workers/internal/matching"
	"matchmaking-workers/internal/store"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const TaskType = "score-candidates"

type ProfileSource interface {
	Get(ctx context.Context, id string) (*matching.Profile, error)
	GetMany(ctx context.Context, ids []string) ([]*matching.Profile, []string, error)
	ListOthers(ctx context.Context, excludeID string, limit int) ([]*matching.Profile, error)
	ListEventAttendees(ctx context.Context, eventID, excludeID string, limit int) ([]*matching.Profile, error)
}

// CandidateSearcher preselects candidate ids for a profile.
type CandidateSearcher interface {
	SearchCandidates(ctx context.Context, p *matching.Profile, size int) ([]string, error)
}

type HandlerOptions struct {
	Config   *Config
	Profiles ProfileSource
	// Search is optional; without it search mode falls back to all.
	Search        CandidateSearcher
	Engine        *matching.Engine
	Validator     *validation.Validator
	Observability *observability.Observability
	Logger        logger.Logger
}

type Handler struct {
	config    *Config
	profiles  ProfileSource
	search    CandidateSearcher
	engine    *matching.Engine
	validator *validation.Validator
	obs       *observability.Observability
	errors    *errors.ErrorHandler
	logger    logger.Logger
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if opts.Profiles == nil || opts.Engine == nil {
		return nil, fmt.Errorf("%s requires a profile source and an engine", TaskType)
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})

	return &Handler{
		config:    cfg,
		profiles:  opts.Profiles,
		search:    opts.Search,
		engine:    opts.Engine,
		validator: opts.Validator,
		obs:       opts.Observability,
		errors:    errors.NewErrorHandler(log),
		logger:    log,
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := h.parseInput(job.Variables)
	if err != nil {
		h.errors.HandleJobError(ctx, client, job, err)
		return
	}

	output, err := h.execute(ctx, input)
	if err != nil {
		h.errors.HandleJobError(ctx, client, job, err)
		return
	}

	if err := camunda.CompleteJob(ctx, client, job, output); err != nil {
		h.logger.Error("failed to complete job", map[string]interface{}{
			"jobKey":  job.Key,
			"batchId": output.BatchID,
			"error":   err.Error(),
		})
		return
	}
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
}

func (h *Handler) parseInput(variables string) (*Input, error) {
	if h.validator != nil {
		if res := h.validator.ValidateVariables(TaskType, variables); !res.Valid {
			return nil, errors.NewInvalidInputError(res.Summary())
		}
	}
	var input Input
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("parse input: %v", err))
	}
	return &input, nil
}

func (h *Handler) normalize(input *Input) error {
	if input.ProfileID == "" {
		return errors.NewInvalidInputError("profileId is required")
	}
	if input.Mode == "" {
		input.Mode = ModeAll
	}
	switch input.Mode {
	case ModeExplicit:
		if len(input.CandidateIDs) == 0 {
			return errors.NewInvalidInputError("candidateIds is required in explicit mode")
		}
		if len(input.CandidateIDs) > h.config.MaxCandidates {
			return errors.NewInvalidInputError(fmt.Sprintf("at most %d candidateIds per job", h.config.MaxCandidates))
		}
	case ModeEvent:
		if input.EventID == "" {
			return errors.NewInvalidInputError("eventId is required in event mode")
		}
	case ModeAll, ModeSearch:
	default:
		return errors.NewInvalidInputError(fmt.Sprintf("unknown mode %q", input.Mode))
	}
	if input.Limit <= 0 {
		input.Limit = h.config.DefaultLimit
	}
	if input.MinScore < 0 || input.MinScore > matching.MaxScore {
		return errors.NewInvalidInputError("minScore must be between 0 and 100")
	}
	return nil
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if err := h.normalize(input); err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	ctx, span := h.obs.StartSpan(ctx, "score-candidates",
		attribute.String("batch.id", batchID),
		attribute.String("profile.id", input.ProfileID),
		attribute.String("mode", input.Mode),
	)
	defer span.End()

	user, err := h.profiles.Get(ctx, input.ProfileID)
	if err != nil {
		return nil, profileError(input.ProfileID, err)
	}

	candidates, missing, err := h.loadCandidates(ctx, user, input)
	if err != nil {
		return nil, err
	}

	result, err := h.engine.ScoreCandidates(ctx, user, candidates, matching.ScoreOptions{
		Limit:            input.Limit,
		MinScore:         input.MinScore,
		ForceRecalculate: input.ForceRecalculate,
	})
	if err != nil {
		return nil, errors.NewScoringFailedError(err)
	}

	failed := result.Failed
	for i := range failed {
		if id, ok := missing[failed[i].Index]; ok {
			failed[i].CandidateID = id
			failed[i].Error = store.ErrProfileNotFound.Error()
		}
	}
	if failed == nil {
		failed = []matching.CandidateFailure{}
	}

	for _, m := range result.Matches {
		h.obs.RecordMatchScore(ctx, input.Mode, m.Total)
	}

	h.logger.Info("candidates scored", map[string]interface{}{
		"batchId":    batchID,
		"profileId":  input.ProfileID,
		"mode":       input.Mode,
		"candidates": len(candidates),
		"matches":    len(result.Matches),
		"failed":     len(failed),
		"cacheHits":  result.CacheHits,
	})

	return &Output{
		BatchID:         batchID,
		ProfileID:       input.ProfileID,
		Mode:            input.Mode,
		Matches:         result.Matches,
		Failed:          failed,
		TotalCandidates: len(candidates),
		Scored:          result.Scored,
		CacheHits:       result.CacheHits,
	}, nil
}

// loadCandidates resolves the candidate pool for input.Mode. In explicit mode
// unknown ids stay in the slice as nil so their position is reported back;
// missing maps those positions to the requested id.
func (h *Handler) loadCandidates(ctx context.Context, user *matching.Profile, input *Input) ([]*matching.Profile, map[int]string, error) {
	switch input.Mode {
	case ModeExplicit:
		return h.loadExplicit(ctx, input.CandidateIDs)

	case ModeEvent:
		cands, err := h.profiles.ListEventAttendees(ctx, input.EventID, user.ID, h.config.MaxCandidates)
		if err != nil {
			return nil, nil, errors.NewCandidateSearchFailedError(input.Mode, err)
		}
		return cands, nil, nil

	case ModeSearch:
		if h.search != nil {
			ids, err := h.search.SearchCandidates(ctx, user, h.config.MaxCandidates)
			if err != nil {
				if stderrors.Is(err, store.ErrIndexNotFound) {
					return nil, nil, errors.NewIndexNotFoundError("profiles")
				}
				return nil, nil, errors.NewCandidateSearchFailedError(input.Mode, err)
			}
			// ids that vanished between indexing and loading are not failures
			cands, _, err := h.profiles.GetMany(ctx, ids)
			if err != nil {
				return nil, nil, errors.NewCandidateSearchFailedError(input.Mode, err)
			}
			return cands, nil, nil
		}
		h.logger.Warn("search not configured, scoring all profiles", map[string]interface{}{
			"profileId": user.ID,
		})
	}

	cands, err := h.profiles.ListOthers(ctx, user.ID, h.config.MaxCandidates)
	if err != nil {
		return nil, nil, errors.NewCandidateSearchFailedError(input.Mode, err)
	}
	return cands, nil, nil
}

func (h *Handler) loadExplicit(ctx context.Context, ids []string) ([]*matching.Profile, map[int]string, error) {
	found, _, err := h.profiles.GetMany(ctx, ids)
	if err != nil {
		return nil, nil, errors.NewCandidateSearchFailedError(ModeExplicit, err)
	}

	byID := make(map[string]*matching.Profile, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}

	cands := make([]*matching.Profile, len(ids))
	missing := make(map[int]string)
	for i, id := range ids {
		if p, ok := byID[id]; ok {
			cands[i] = p
		} else {
			missing[i] = id
		}
	}
	return cands, missing, nil
}

func profileError(id string, err error) error {
	if stderrors.Is(err, store.ErrProfileNotFound) {
		return errors.NewProfileNotFoundError(id)
	}
	return errors.NewProfileLoadFailedError(id, err)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

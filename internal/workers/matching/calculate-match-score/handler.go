// internal/workers/matching/calculate-match-score/handler.go
package calculatematchscore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"matchmaking-workers/internal/common/camunda"
	"matchmaking-workers/internal/common/errors"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/metrics"
	"matchmaking-workers/internal/common/validation"
	"matchmaking-workers/internal/matching"
	"matchmaking-workers/internal/store"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "calculate-match-score"

// ProfileReader loads profile snapshots.
type ProfileReader interface {
	GetMany(ctx context.Context, ids []string) ([]*matching.Profile, []string, error)
}

type Handler struct {
	config    *Config
	profiles  ProfileReader
	engine    *matching.Engine
	validator *validation.Validator
	errors    *errors.ErrorHandler
	logger    logger.Logger
}

func NewHandler(cfg *Config, profiles ProfileReader, engine *matching.Engine, validator *validation.Validator, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    cfg,
		profiles:  profiles,
		engine:    engine,
		validator: validator,
		errors:    errors.NewErrorHandler(log),
		logger:    log,
	}
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
			"jobKey": job.Key,
			"error":  err.Error(),
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

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input.ProfileID == "" || input.CandidateID == "" {
		return nil, errors.NewInvalidInputError("profileId and candidateId are required")
	}

	user, candidate, err := h.loadPair(ctx, input.ProfileID, input.CandidateID)
	if err != nil {
		return nil, err
	}

	score := h.engine.ScoreOne
	if input.ForceRecalculate {
		score = h.engine.Recalculate
	}
	breakdown, err := score(ctx, user, candidate)
	if err != nil {
		return nil, errors.NewScoringFailedError(err)
	}

	h.logger.Info("match score calculated", map[string]interface{}{
		"profileId":   input.ProfileID,
		"candidateId": input.CandidateID,
		"score":       breakdown.Total,
		"degraded":    breakdown.Degraded,
		"forced":      input.ForceRecalculate,
	})

	return &Output{
		MatchScore:       breakdown.Total,
		InsufficientData: breakdown.InsufficientData,
		Breakdown:        breakdown,
	}, nil
}

func (h *Handler) loadPair(ctx context.Context, profileID, candidateID string) (*matching.Profile, *matching.Profile, error) {
	found, missing, err := h.profiles.GetMany(ctx, []string{profileID, candidateID})
	if err != nil {
		if stderrors.Is(err, store.ErrProfileNotFound) {
			return nil, nil, errors.NewProfileNotFoundError(profileID)
		}
		return nil, nil, errors.NewProfileLoadFailedError(profileID, err)
	}
	if len(missing) > 0 {
		return nil, nil, errors.NewProfileNotFoundError(missing[0])
	}

	byID := make(map[string]*matching.Profile, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	user, candidate := byID[profileID], byID[candidateID]
	if user == nil {
		return nil, nil, errors.NewProfileNotFoundError(profileID)
	}
	if candidate == nil {
		return nil, nil, errors.NewProfileNotFoundError(candidateID)
	}
	return user, candidate, nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

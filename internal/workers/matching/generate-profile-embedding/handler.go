// internal/workers/matching/generate-profile-embedding/handler.go
package generateprofileembedding

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"matchmaking-workers/internal/common/camunda"
	"matchmaking-workers/internal/common/embedding"
	"matchmaking-workers/internal/common/errors"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/metrics"
	"matchmaking-workers/internal/common/validation"
	"matchmaking-workers/internal/matching"
	"matchmaking-workers/internal/store"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "generate-profile-embedding"

// EmbeddingStore reads bios and persists their vectors.
type EmbeddingStore interface {
	Get(ctx context.Context, id string) (*matching.Profile, error)
	UpdateEmbedding(ctx context.Context, id string, embedding []float32) error
	ClearEmbedding(ctx context.Context, id string) error
}

type Handler struct {
	config    *Config
	profiles  EmbeddingStore
	engine    *matching.Engine
	validator *validation.Validator
	errors    *errors.ErrorHandler
	logger    logger.Logger
}

func NewHandler(cfg *Config, profiles EmbeddingStore, engine *matching.Engine, validator *validation.Validator, log logger.Logger) *Handler {
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
	if input.ProfileID == "" {
		return nil, errors.NewInvalidInputError("profileId is required")
	}

	bio := ""
	if input.Bio != nil {
		bio = *input.Bio
	} else {
		p, err := h.profiles.Get(ctx, input.ProfileID)
		if err != nil {
			return nil, profileError(input.ProfileID, err)
		}
		bio = p.Bio
	}

	vec, err := h.engine.EmbedBio(ctx, bio)
	if err != nil {
		return nil, embeddingError(err)
	}

	out := &Output{ProfileID: input.ProfileID, Dimensions: len(vec)}
	if vec == nil {
		out.Cleared = true
		err = h.profiles.ClearEmbedding(ctx, input.ProfileID)
	} else {
		err = h.profiles.UpdateEmbedding(ctx, input.ProfileID, vec)
	}
	if err != nil {
		if stderrors.Is(err, store.ErrProfileNotFound) {
			return nil, errors.NewProfileNotFoundError(input.ProfileID)
		}
		return nil, errors.NewQueryExecutionFailedError("update embedding", err)
	}

	// scores cached against the old vector are stale now
	if err := h.engine.InvalidateProfile(ctx, input.ProfileID); err != nil {
		return nil, errors.NewCacheUnavailableError("invalidate", err)
	}

	h.logger.Info("profile embedding stored", map[string]interface{}{
		"profileId":  input.ProfileID,
		"dimensions": out.Dimensions,
		"cleared":    out.Cleared,
	})
	return out, nil
}

// Refresh re-embeds the stored bio of profileID and returns the vector length.
func (h *Handler) Refresh(ctx context.Context, profileID string) (int, error) {
	out, err := h.execute(ctx, &Input{ProfileID: profileID})
	if err != nil {
		return 0, err
	}
	return out.Dimensions, nil
}

func embeddingError(err error) error {
	if stderrors.Is(err, embedding.ErrEmbeddingTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewEmbeddingTimeoutError()
	}
	stdErr := errors.NewEmbeddingFailedError(err)
	if stderrors.Is(err, matching.ErrNoEmbedder) {
		stdErr.Retryable = false
	}
	if stderrors.Is(err, embedding.ErrCircuitOpen) {
		stdErr.WithMetadata("circuitOpen", true)
	}
	return stdErr
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

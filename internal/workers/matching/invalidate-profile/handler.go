// internal/workers/matching/invalidate-profile/handler.go
package invalidateprofile

import (
	"context"
	"encoding/json"
	"fmt"

	"matchmaking-workers/internal/common/camunda"
	"matchmaking-workers/internal/common/errors"
	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/metrics"
	"matchmaking-workers/internal/common/validation"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "invalidate-profile"

// Invalidator drops cached scores involving a profile.
type Invalidator interface {
	InvalidateProfile(ctx context.Context, id string) error
}

// EmbeddingRefresher re-embeds a profile's stored bio.
type EmbeddingRefresher interface {
	Refresh(ctx context.Context, profileID string) (int, error)
}

type Handler struct {
	config    *Config
	cache     Invalidator
	refresher EmbeddingRefresher
	validator *validation.Validator
	errors    *errors.ErrorHandler
	logger    logger.Logger
}

// NewHandler builds the handler. refresher may be nil, in which case embedding
// regeneration requests are logged and skipped.
func NewHandler(cfg *Config, cache Invalidator, refresher EmbeddingRefresher, validator *validation.Validator, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    cfg,
		cache:     cache,
		refresher: refresher,
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

	if err := h.cache.InvalidateProfile(ctx, input.ProfileID); err != nil {
		return nil, errors.NewCacheUnavailableError("invalidate", err)
	}
	out := &Output{ProfileID: input.ProfileID, Invalidated: true}

	if input.needsEmbedding() {
		if h.refresher == nil {
			h.logger.Warn("embedding refresh requested but no provider is configured", map[string]interface{}{
				"profileId": input.ProfileID,
			})
		} else {
			dims, err := h.refresher.Refresh(ctx, input.ProfileID)
			if err != nil {
				return nil, err
			}
			out.EmbeddingUpdated = true
			out.Dimensions = dims
		}
	}

	h.logger.Info("profile scores invalidated", map[string]interface{}{
		"profileId":        input.ProfileID,
		"changedFields":    input.ChangedFields,
		"embeddingUpdated": out.EmbeddingUpdated,
	})
	return out, nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

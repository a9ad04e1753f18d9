package main

var templates = map[string]string{
	"config.go":  configTemplate,
	"models.go":  modelsTemplate,
	"handler.go": handlerTemplate,
}

const configTemplate = `// internal/workers/matching/{{ .TaskType }}/config.go
package {{ .PackageName }}

import (
	"fmt"
	"time"

	"matchmaking-workers/internal/common/config"
)

type Config struct {
	Enabled       bool
	MaxJobsActive int
	Timeout       time.Duration
}

func DefaultConfig() *Config {
	timeout, err := time.ParseDuration("{{ .Timeout }}")
	if err != nil || timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Config{
		Enabled:       true,
		MaxJobsActive: {{ .MaxJobsActive }},
		Timeout:       timeout,
	}
}

func LoadConfig(appCfg *config.Config) *Config {
	cfg := DefaultConfig()
	if appCfg == nil {
		return cfg
	}
	w := config.GetWorkerConfig(appCfg, TaskType)
	cfg.Enabled = w.Enabled
	if w.MaxJobsActive > 0 {
		cfg.MaxJobsActive = w.MaxJobsActive
	}
	if w.Timeout > 0 {
		cfg.Timeout = config.GetDuration(w.Timeout)
	}
	return cfg
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxJobsActive <= 0 {
		return fmt.Errorf("max_jobs_active must be positive")
	}
	return nil
}
`

const modelsTemplate = `// internal/workers/matching/{{ .TaskType }}/models.go
package {{ .PackageName }}

type Input struct {
{{- range .InputFields }}
	{{ .Name }} {{ .Type }} {{ .JSONTag }}{{ if .Comment }} // {{ .Comment }}{{ end }}
{{- end }}
}

type Output struct {
{{- range .OutputFields }}
	{{ .Name }} {{ .Type }} {{ .JSONTag }}{{ if .Comment }} // {{ .Comment }}{{ end }}
{{- end }}
}
`

const handlerTemplate = `// internal/workers/matching/{{ .TaskType }}/handler.go
package {{ .PackageName }}

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

const TaskType = "{{ .TaskType }}"

{{ if .Description }}// Handler: {{ .Description }}
{{ end -}}
type Handler struct {
	config    *Config
	validator *validation.Validator
	errors    *errors.ErrorHandler
	logger    logger.Logger
}

func NewHandler(cfg *Config, validator *validation.Validator, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:    cfg,
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
	return &Output{}, nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
`

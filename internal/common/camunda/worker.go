package camunda

import (
	"context"
	"fmt"
	"time"

	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/metrics"
	"matchmaking-workers/internal/common/observability"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
)

// JobHandler is implemented by every task handler.
type JobHandler interface {
	Handle(client worker.JobClient, job entities.Job)
}

type WorkerOptions struct {
	TaskType      string
	MaxJobsActive int
	// Timeout is how long the broker keeps an activated job locked.
	Timeout       time.Duration
	Handler       JobHandler
	Logger        logger.Logger
	Observability *observability.Observability
}

// Worker is one open job subscription.
type Worker struct {
	worker   worker.JobWorker
	logger   logger.Logger
	taskType string
}

// StartWorker opens a job worker for opts.TaskType. Every job is counted in the
// active gauge and its duration recorded once the handler returns.
func StartWorker(client zbc.Client, opts WorkerOptions) (*Worker, error) {
	if opts.TaskType == "" || opts.Handler == nil {
		return nil, fmt.Errorf("task type and handler are required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	log = log.WithFields(map[string]interface{}{"taskType": opts.TaskType})

	maxJobs := opts.MaxJobsActive
	if maxJobs <= 0 {
		maxJobs = 5
	}

	step := client.NewJobWorker().
		JobType(opts.TaskType).
		Handler(instrument(opts.TaskType, opts.Handler, opts.Observability)).
		MaxJobsActive(maxJobs).
		Name("matchmaking-" + opts.TaskType)
	if opts.Timeout > 0 {
		step = step.Timeout(opts.Timeout)
	}

	w := &Worker{worker: step.Open(), logger: log, taskType: opts.TaskType}
	log.Info("worker started", map[string]interface{}{"maxJobsActive": maxJobs})
	return w, nil
}

func instrument(taskType string, h JobHandler, obs *observability.Observability) worker.JobHandler {
	return func(client worker.JobClient, job entities.Job) {
		start := time.Now()
		metrics.WorkerJobsActive.WithLabelValues(taskType).Inc()
		defer func() {
			elapsed := time.Since(start)
			metrics.WorkerJobsActive.WithLabelValues(taskType).Dec()
			metrics.WorkerJobDuration.WithLabelValues(taskType).Observe(elapsed.Seconds())
			obs.RecordJobProcessed(context.Background(), taskType)
			obs.RecordJobDuration(context.Background(), taskType, elapsed)
		}()
		h.Handle(client, job)
	}
}

// Stop closes the subscription and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker", nil)
	w.worker.Close()
	w.worker.AwaitClose()
}

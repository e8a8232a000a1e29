package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandroruanova/bulk-import-service/internal/pkg/config"
	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task types
const (
	TaskTypeImportProcess = "import:process"
)

// ProcessPayload is the body of an import trigger task
type ProcessPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// AsynqClient wraps the Asynq client for enqueuing tasks. It implements
// the importer.TriggerQueue interface.
type AsynqClient struct {
	client     *asynq.Client
	maxRetries int
	logger     *slog.Logger
}

// NewAsynqClient creates a new Asynq client
func NewAsynqClient(cfg *config.QueueConfig, logger *slog.Logger) (*AsynqClient, error) {
	client := asynq.NewClient(redisOpt(cfg))

	logger.Info("asynq client created",
		slog.String("redis_host", cfg.RedisHost),
		slog.Int("redis_port", cfg.RedisPort),
	)

	return &AsynqClient{
		client:     client,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}, nil
}

// Close closes the Asynq client
func (a *AsynqClient) Close() error {
	a.logger.Info("closing asynq client")
	return a.client.Close()
}

// EnqueueProcess enqueues the processing trigger for a job. The task id is
// derived from the job id so concurrent enqueues of the same pending job
// collapse into one delivery; a finished delivery releases the id, so
// re-triggering (resume, cancel finalization) enqueues a fresh task.
func (a *AsynqClient) EnqueueProcess(ctx context.Context, jobID uuid.UUID) error {
	task, opts, err := newProcessTask(jobID, a.maxRetries)
	if err != nil {
		return apperrors.QueueError(err)
	}

	info, err := a.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			a.logger.Debug("trigger already pending", slog.String("job_id", jobID.String()))
			return nil
		}
		a.logger.Error("failed to enqueue trigger",
			slog.String("job_id", jobID.String()),
			slog.Any("error", err),
		)
		return apperrors.QueueError(err)
	}

	a.logger.Debug("trigger enqueued",
		slog.String("task_id", info.ID),
		slog.String("job_id", jobID.String()),
		slog.String("queue", info.Queue),
	)
	return nil
}

// newProcessTask builds the trigger task and its delivery options. No
// retention: a retained completed task keeps the task id occupied, which
// would make resume and cancel re-triggers after a pause collide with it
// and never be delivered.
func newProcessTask(jobID uuid.UUID, maxRetries int) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(ProcessPayload{JobID: jobID})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.TaskID(fmt.Sprintf("import:process:%s", jobID)),
		asynq.MaxRetry(maxRetries),
		asynq.Timeout(0),
	}
	return asynq.NewTask(TaskTypeImportProcess, payload), opts, nil
}

// JobRunner is the piece of the supervisor the queue needs
type JobRunner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// HandleProcessTask adapts a JobRunner into an asynq handler. A returned
// error triggers redelivery with backoff, which is exactly the at-least-once
// contract the supervisor is written against.
func HandleProcessTask(runner JobRunner) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload ProcessPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			// Malformed payloads can never succeed on retry
			return fmt.Errorf("invalid process payload: %w: %w", err, asynq.SkipRetry)
		}
		return runner.Run(ctx, payload.JobID)
	}
}

// AsynqServer wraps the Asynq server for processing tasks. Concurrency
// bounds how many import jobs run at once on this worker.
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewAsynqServer creates a new Asynq server
func NewAsynqServer(cfg *config.QueueConfig, logger *slog.Logger) (*AsynqServer, error) {
	server := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				"critical": 6,
				"high":     3,
				"default":  1,
			},
			StrictPriority: cfg.StrictPriority,

			// Exponential backoff: 2s, 4s, 8s, 16s, ...
			RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
				return time.Duration(1<<uint(n)) * time.Second
			},

			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("task processing failed",
					slog.String("task_type", task.Type()),
					slog.String("payload", string(task.Payload())),
					slog.Any("error", err),
				)
			}),

			HealthCheckFunc: func(e error) {
				if e != nil {
					logger.Error("health check failed", slog.Any("error", e))
				}
			},
			HealthCheckInterval: 20 * time.Second,

			ShutdownTimeout: 25 * time.Second,
		},
	)

	mux := asynq.NewServeMux()

	logger.Info("asynq server created",
		slog.String("redis_host", cfg.RedisHost),
		slog.Int("redis_port", cfg.RedisPort),
		slog.Int("concurrency", cfg.Concurrency),
	)

	return &AsynqServer{
		server: server,
		mux:    mux,
		logger: logger,
	}, nil
}

// HandleFunc registers a handler function for a task type
func (a *AsynqServer) HandleFunc(pattern string, handler func(context.Context, *asynq.Task) error) {
	a.mux.HandleFunc(pattern, handler)
	a.logger.Debug("handler registered", slog.String("pattern", pattern))
}

// Use adds a middleware to the mux
func (a *AsynqServer) Use(middleware func(asynq.Handler) asynq.Handler) {
	a.mux.Use(middleware)
}

// Start starts the Asynq server and blocks until shutdown
func (a *AsynqServer) Start() error {
	a.logger.Info("starting asynq server")
	if err := a.server.Run(a.mux); err != nil {
		return fmt.Errorf("failed to run asynq server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (a *AsynqServer) Shutdown() {
	a.logger.Info("shutting down asynq server")
	a.server.Shutdown()
}

// Stop immediately stops task processing
func (a *AsynqServer) Stop() {
	a.logger.Info("stopping asynq server")
	a.server.Stop()
}

func redisOpt(cfg *config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:         fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  time.Duration(cfg.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}
}

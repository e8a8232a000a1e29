package importer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
	"github.com/google/uuid"
)

// CreateJobRequest is the job creation contract used by the (external) UI
// layer once the file is already in blob storage.
type CreateJobRequest struct {
	OwnerID       string `json:"owner_id"`
	FileName      string `json:"file_name"`
	FilePath      string `json:"file_path"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	Module        string `json:"module"`
	ImportType    string `json:"import_type,omitempty"`
}

// Service is the outward face of the import engine: job creation, triggers,
// pause/resume/cancel requests and history listing. It never mutates job
// progress itself; that is the supervisor's monopoly.
type Service struct {
	jobs    JobStore
	queue   TriggerQueue
	signals Signals
	logger  *slog.Logger
}

// NewService wires the import service
func NewService(jobs JobStore, queue TriggerQueue, signals Signals, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jobs:    jobs,
		queue:   queue,
		signals: signals,
		logger:  logger,
	}
}

// CreateJob records the upload and enqueues the processing trigger. If the
// enqueue fails the job still exists in uploaded and the error tells the
// caller to re-trigger; a job is never left silently stuck.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*domain.ImportJob, error) {
	if req.OwnerID == "" || req.FileName == "" || req.FilePath == "" || req.Module == "" {
		return nil, apperrors.BadRequest("owner_id, file_name, file_path and module are required")
	}

	job := &domain.ImportJob{
		ID:            uuid.New(),
		OwnerID:       req.OwnerID,
		FileName:      req.FileName,
		FilePath:      req.FilePath,
		FileSizeBytes: req.FileSizeBytes,
		Module:        req.Module,
		ImportType:    req.ImportType,
		Status:        domain.StatusUploaded,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("import job created",
		slog.String("job_id", job.ID.String()),
		slog.String("module", job.Module),
		slog.String("file", job.FileName),
		slog.Int64("size_bytes", job.FileSizeBytes))

	if err := s.queue.EnqueueProcess(ctx, job.ID); err != nil {
		return job, apperrors.QueueError(fmt.Errorf("job %s created but trigger enqueue failed: %w", job.ID, err))
	}

	return job, nil
}

// Trigger re-enqueues the processing task. Safe to call for a job already
// processing; the supervisor's claim makes the delivery a no-op.
func (s *Service) Trigger(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.jobs.GetByID(ctx, jobID); err != nil {
		return err
	}
	return s.queue.EnqueueProcess(ctx, jobID)
}

// GetJob returns the full job record
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.ImportJob, error) {
	return s.jobs.GetByID(ctx, jobID)
}

// ListJobs returns an owner's job history for a module, newest first
func (s *Service) ListJobs(ctx context.Context, ownerID, module string) ([]domain.ImportJob, error) {
	return s.jobs.ListByOwner(ctx, ownerID, module)
}

// DeleteJob removes a job record. Deletion is an explicit user action and
// only permitted once the job is terminal.
func (s *Service) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return apperrors.Conflict("only completed or failed jobs can be deleted")
	}
	return s.jobs.Delete(ctx, jobID)
}

// Pause requests suspension at the next chunk boundary
func (s *Service) Pause(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return apperrors.Conflict("job is already terminal")
	}

	s.logger.Info("pause requested", slog.String("job_id", jobID.String()))
	return s.signals.Set(ctx, jobID, SignalPause)
}

// Resume clears any pending pause and re-enqueues the trigger so a
// supervisor picks the job up from its last checkpoint.
func (s *Service) Resume(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return apperrors.Conflict("job is already terminal")
	}

	if err := s.signals.Clear(ctx, jobID); err != nil {
		return err
	}

	s.logger.Info("resume requested", slog.String("job_id", jobID.String()))
	return s.queue.EnqueueProcess(ctx, jobID)
}

// Cancel requests termination at the next chunk boundary. Already-accepted
// rows are kept; the job ends failed with its partial counts visible. The
// trigger is re-enqueued so paused or idle jobs get finalized too.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return apperrors.Conflict("job is already terminal")
	}

	if err := s.signals.Set(ctx, jobID, SignalCancel); err != nil {
		return err
	}

	s.logger.Info("cancel requested", slog.String("job_id", jobID.String()))
	return s.queue.EnqueueProcess(ctx, jobID)
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	"github.com/alejandroruanova/bulk-import-service/internal/core/services/importer"
	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ImportJobRepository implements the importer.JobStore interface using GORM.
// Every mutation while a job is active is guarded by the claim token, so a
// stale supervisor that lost its claim can never clobber a checkpoint.
type ImportJobRepository struct {
	db          *gorm.DB
	errorLogCap int
	logger      *slog.Logger
}

// NewImportJobRepository creates a new repository instance
func NewImportJobRepository(db *gorm.DB, errorLogCap int, logger *slog.Logger) *ImportJobRepository {
	if logger == nil {
		logger = slog.Default()
	}
	if errorLogCap <= 0 {
		errorLogCap = 100
	}
	return &ImportJobRepository{
		db:          db,
		errorLogCap: errorLogCap,
		logger:      logger,
	}
}

// Create inserts a new job in its initial state
func (r *ImportJobRepository) Create(ctx context.Context, job *domain.ImportJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return apperrors.InternalWrap(err, "failed to create import job")
	}
	return nil
}

// GetByID fetches a job by id
func (r *ImportJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.ImportJob, error) {
	var job domain.ImportJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound(fmt.Sprintf("import job %s not found", id))
	}
	if err != nil {
		return nil, apperrors.InternalWrap(err, "failed to load import job")
	}
	return &job, nil
}

// ListByOwner returns an owner's jobs for a module, newest first
func (r *ImportJobRepository) ListByOwner(ctx context.Context, ownerID, module string) ([]domain.ImportJob, error) {
	var jobs []domain.ImportJob
	query := r.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if module != "" {
		query = query.Where("module = ?", module)
	}
	if err := query.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, apperrors.InternalWrap(err, "failed to list import jobs")
	}
	return jobs, nil
}

// Delete removes a job row
func (r *ImportJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&domain.ImportJob{}, "id = ?", id)
	if result.Error != nil {
		return apperrors.InternalWrap(result.Error, "failed to delete import job")
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound(fmt.Sprintf("import job %s not found", id))
	}
	return nil
}

// Claim takes exclusive ownership of a claimable job with one conditional
// UPDATE. Claimable: uploaded, paused, chunk_completed, or processing with
// a heartbeat older than staleAfter (dead-worker reclaim).
func (r *ImportJobRepository) Claim(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (*domain.ImportJob, uuid.UUID, error) {
	token := uuid.New()
	now := time.Now().UTC()
	staleCutoff := now.Add(-staleAfter)

	result := r.db.WithContext(ctx).
		Model(&domain.ImportJob{}).
		Where("id = ?", id).
		Where(
			r.db.Where("status IN ?", []string{domain.StatusUploaded, domain.StatusPaused, domain.StatusChunkCompleted}).
				Or("status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", domain.StatusProcessing, staleCutoff),
		).
		Updates(map[string]interface{}{
			"claim_token":  token,
			"heartbeat_at": now,
		})
	if result.Error != nil {
		return nil, uuid.Nil, apperrors.InternalWrap(result.Error, "failed to claim import job")
	}

	if result.RowsAffected == 0 {
		job, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, uuid.Nil, err
		}
		if job.IsTerminal() {
			return nil, uuid.Nil, apperrors.Conflict(fmt.Sprintf("job %s is already %s", id, job.Status))
		}
		return nil, uuid.Nil, apperrors.JobAlreadyClaimed(id.String())
	}

	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, uuid.Nil, err
	}

	r.logger.Debug("job claimed",
		slog.String("job_id", id.String()),
		slog.String("status", job.Status))

	return job, token, nil
}

// Checkpoint applies one chunk's counters, resume cursor and error sample
// in a single transaction, moving the job to chunk_completed. The
// accounting invariant (success + duplicates + errors == processed) is
// enforced here because a checkpoint that breaks it corrupts every later
// progress read.
func (r *ImportJobRepository) Checkpoint(ctx context.Context, id, token uuid.UUID, delta importer.CheckpointDelta) error {
	if delta.Success+delta.Duplicates+delta.Errors != delta.Processed {
		return apperrors.Internal(fmt.Sprintf(
			"checkpoint delta breaks accounting invariant: %d+%d+%d != %d",
			delta.Success, delta.Duplicates, delta.Errors, delta.Processed))
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := r.lockOwned(tx, id, token)
		if err != nil {
			return err
		}

		if !domain.CanTransition(job.Status, domain.StatusChunkCompleted) {
			return apperrors.InvalidTransition(job.Status, domain.StatusChunkCompleted)
		}

		meta := job.ChunkMetadata
		if meta == nil {
			meta = domain.JSONB{}
		}
		meta["next_row"] = delta.NextRow

		updates := map[string]interface{}{
			"status":                domain.StatusChunkCompleted,
			"processed_rows":        job.ProcessedRows + delta.Processed,
			"success_count":         job.SuccessCount + delta.Success,
			"duplicate_count":       job.DuplicateCount + delta.Duplicates,
			"error_count":           job.ErrorCount + delta.Errors,
			"last_processed_offset": delta.Offset,
			"current_chunk":         job.CurrentChunk + 1,
			"chunk_metadata":        meta,
			"heartbeat_at":          time.Now().UTC(),
		}
		if len(delta.ErrorSample) > 0 {
			updates["error_log"] = job.ErrorLog.Append(delta.ErrorSample, r.errorLogCap)
		}

		// The token repeats in the WHERE so a reclaim landing between the
		// read above and this write leaves RowsAffected at zero instead of
		// clobbering the new claim.
		result := tx.Model(&domain.ImportJob{}).
			Where("id = ? AND claim_token = ?", id, token).
			Updates(updates)
		if result.Error != nil {
			return apperrors.InternalWrap(result.Error, "failed to write checkpoint")
		}
		if result.RowsAffected == 0 {
			return apperrors.JobAlreadyClaimed(id.String())
		}
		return nil
	})
}

// TransitionStatus enforces the job state machine
func (r *ImportJobRepository) TransitionStatus(ctx context.Context, id, token uuid.UUID, from, to string) error {
	if !domain.CanTransition(from, to) {
		return apperrors.InvalidTransition(from, to)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := r.lockOwned(tx, id, token)
		if err != nil {
			return err
		}
		if job.Status != from {
			return apperrors.InvalidTransition(job.Status, to)
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":       to,
			"heartbeat_at": now,
		}
		if to == domain.StatusProcessing && job.StartedAt == nil {
			updates["started_at"] = now
		}
		if to == domain.StatusCompleted || to == domain.StatusFailed {
			updates["completed_at"] = now
		}

		result := tx.Model(&domain.ImportJob{}).
			Where("id = ? AND claim_token = ?", id, token).
			Updates(updates)
		if result.Error != nil {
			return apperrors.InternalWrap(result.Error, "failed to transition job status")
		}
		if result.RowsAffected == 0 {
			return apperrors.JobAlreadyClaimed(id.String())
		}
		return nil
	})
}

// Fail moves a job to its failed terminal state, recording the reason in
// the error log. Allowed from any non-terminal state.
func (r *ImportJobRepository) Fail(ctx context.Context, id, token uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := r.lockOwned(tx, id, token)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			return apperrors.InvalidTransition(job.Status, domain.StatusFailed)
		}

		errorLog := job.ErrorLog.Append([]domain.RowError{{Row: 0, Reason: reason}}, r.errorLogCap+1)

		updates := map[string]interface{}{
			"status":       domain.StatusFailed,
			"error_log":    errorLog,
			"completed_at": time.Now().UTC(),
		}
		result := tx.Model(&domain.ImportJob{}).
			Where("id = ? AND claim_token = ?", id, token).
			Updates(updates)
		if result.Error != nil {
			return apperrors.InternalWrap(result.Error, "failed to fail job")
		}
		if result.RowsAffected == 0 {
			return apperrors.JobAlreadyClaimed(id.String())
		}

		r.logger.Warn("job failed",
			slog.String("job_id", id.String()),
			slog.String("reason", reason))
		return nil
	})
}

// Heartbeat refreshes the claim liveness marker
func (r *ImportJobRepository) Heartbeat(ctx context.Context, id, token uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&domain.ImportJob{}).
		Where("id = ? AND claim_token = ?", id, token).
		Update("heartbeat_at", time.Now().UTC())
	if result.Error != nil {
		return apperrors.InternalWrap(result.Error, "failed to heartbeat")
	}
	if result.RowsAffected == 0 {
		return apperrors.JobAlreadyClaimed(id.String())
	}
	return nil
}

// SetTotalRows records the advisory row total
func (r *ImportJobRepository) SetTotalRows(ctx context.Context, id uuid.UUID, total int64) error {
	err := r.db.WithContext(ctx).
		Model(&domain.ImportJob{}).
		Where("id = ?", id).
		Update("total_rows", total).Error
	if err != nil {
		return apperrors.InternalWrap(err, "failed to set total rows")
	}
	return nil
}

// lockOwned loads a job inside a transaction and verifies the caller still
// holds the claim token
func (r *ImportJobRepository) lockOwned(tx *gorm.DB, id, token uuid.UUID) (*domain.ImportJob, error) {
	var job domain.ImportJob
	err := tx.First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound(fmt.Sprintf("import job %s not found", id))
	}
	if err != nil {
		return nil, apperrors.InternalWrap(err, "failed to load import job")
	}
	if job.ClaimToken == nil || *job.ClaimToken != token {
		return nil, apperrors.JobAlreadyClaimed(id.String())
	}
	return &job, nil
}

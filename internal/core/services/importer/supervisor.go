package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	"github.com/alejandroruanova/bulk-import-service/internal/core/services/dedup"
	"github.com/alejandroruanova/bulk-import-service/internal/infrastructure/parsers"
	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
	"github.com/google/uuid"
)

// SupervisorConfig carries the engine tunables explicitly; nothing here is
// ambient process state.
type SupervisorConfig struct {
	ChunkSize        int
	MaxWriteAttempts int
	RetryBaseDelay   time.Duration
	HeartbeatStale   time.Duration
	ErrorLogCap      int
}

// Supervisor orchestrates one import job end-to-end: claim, parse, chunked
// processing, checkpointing and the pause/cancel protocol. It is the sole
// writer of the job row while it holds the claim token.
type Supervisor struct {
	jobs       JobStore
	records    RecordStore
	blobs      BlobStore
	signals    Signals
	factory    *parsers.Factory
	schemas    map[string]parsers.Schema
	keys       *dedup.KeyBuilder
	validators []RowValidator
	cfg        SupervisorConfig
	logger     *slog.Logger
}

// NewSupervisor wires a supervisor. schemas maps target modules to their
// header schemas; modules without an entry use the default identity schema.
func NewSupervisor(
	jobs JobStore,
	records RecordStore,
	blobs BlobStore,
	signals Signals,
	factory *parsers.Factory,
	schemas map[string]parsers.Schema,
	keys *dedup.KeyBuilder,
	validators []RowValidator,
	cfg SupervisorConfig,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if keys == nil {
		keys = dedup.NewKeyBuilder()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.HeartbeatStale <= 0 {
		cfg.HeartbeatStale = 2 * time.Minute
	}
	if cfg.ErrorLogCap <= 0 {
		cfg.ErrorLogCap = 100
	}
	return &Supervisor{
		jobs:       jobs,
		records:    records,
		blobs:      blobs,
		signals:    signals,
		factory:    factory,
		schemas:    schemas,
		keys:       keys,
		validators: validators,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run drives a job to a suspension point or a terminal state. Invoking it
// for a job already held by a live supervisor, or already terminal, is a
// no-op. A returned error means the run should be redelivered (the claim
// goes stale and the job becomes reclaimable); handled failures move the
// job to failed and return nil.
func (s *Supervisor) Run(ctx context.Context, jobID uuid.UUID) error {
	job, token, err := s.jobs.Claim(ctx, jobID, s.cfg.HeartbeatStale)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeJobAlreadyClaimed) || apperrors.HasCode(err, apperrors.ErrCodeConflict) {
			s.logger.Info("trigger ignored, job not claimable",
				slog.String("job_id", jobID.String()),
				slog.Any("reason", err))
			return nil
		}
		return err
	}

	logger := s.logger.With(slog.String("job_id", job.ID.String()), slog.String("module", job.Module))
	logger.Info("job claimed",
		slog.String("status", job.Status),
		slog.Int64("processed_rows", job.ProcessedRows),
		slog.Int64("resume_offset", job.LastProcessedOffset))

	// A cancel requested while the job was idle or paused is honored before
	// touching any row.
	if stopped, err := s.observeSignal(ctx, job, token, logger); err != nil || stopped {
		return err
	}

	source, err := s.openSource(ctx, job)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeSchema) || apperrors.HasCode(err, apperrors.ErrCodeUnsupportedFormat) {
			// Fail-fast before any row is processed
			logger.Warn("schema mapping failed", slog.Any("error", err))
			return s.jobs.Fail(ctx, job.ID, token, err.Error())
		}
		logger.Error("source unreadable", slog.Any("error", err))
		return s.jobs.Fail(ctx, job.ID, token, apperrors.JobFatal(err, "source unreadable").Error())
	}
	defer source.Close()

	s.maybeCountRows(ctx, job, logger)

	index := dedup.NewIndex(job.Module, s.records, logger)
	processor := NewChunkProcessor(
		s.records,
		s.keys,
		index,
		s.validators,
		ProcessorConfig{MaxWriteAttempts: s.cfg.MaxWriteAttempts, RetryBaseDelay: s.cfg.RetryBaseDelay},
		func(ctx context.Context) error { return s.jobs.Heartbeat(ctx, job.ID, token) },
		logger,
	)

	for {
		if job.Status != domain.StatusProcessing {
			if err := s.jobs.TransitionStatus(ctx, job.ID, token, job.Status, domain.StatusProcessing); err != nil {
				return err
			}
			job.Status = domain.StatusProcessing
		}

		rows, exhausted, err := readChunk(ctx, source, s.cfg.ChunkSize)
		if err != nil {
			logger.Error("source read failed", slog.Any("error", err))
			return s.jobs.Fail(ctx, job.ID, token, apperrors.JobFatal(err, "source read failed").Error())
		}

		if len(rows) > 0 {
			result, err := processor.Process(ctx, job, rows)
			if err != nil {
				if apperrors.HasCode(err, apperrors.ErrCodeJobFatal) {
					logger.Error("chunk processing failed fatally", slog.Any("error", err))
					return s.jobs.Fail(ctx, job.ID, token, err.Error())
				}
				// Transient orchestration error: leave the job resumable and
				// let the queue redeliver.
				return err
			}

			pos := source.Position()
			delta := CheckpointDelta{
				Processed:   int64(len(rows)),
				Success:     result.Accepted,
				Duplicates:  result.Duplicates,
				Errors:      int64(len(result.Rejected)),
				Offset:      pos.Offset,
				NextRow:     pos.NextRow,
				ErrorSample: result.Rejected,
			}
			if err := s.jobs.Checkpoint(ctx, job.ID, token, delta); err != nil {
				return err
			}

			job.Status = domain.StatusChunkCompleted
			job.CurrentChunk++
			job.ProcessedRows += delta.Processed
			job.SuccessCount += delta.Success
			job.DuplicateCount += delta.Duplicates
			job.ErrorCount += delta.Errors
			job.LastProcessedOffset = pos.Offset

			logger.Debug("chunk checkpointed",
				slog.Int("chunk", job.CurrentChunk),
				slog.Int64("processed", job.ProcessedRows),
				slog.Int64("success", job.SuccessCount),
				slog.Int64("duplicates", job.DuplicateCount),
				slog.Int64("errors", job.ErrorCount))
		}

		if exhausted {
			if job.TotalRows == nil {
				if err := s.jobs.SetTotalRows(ctx, job.ID, job.ProcessedRows); err != nil {
					logger.Warn("failed to set total rows", slog.Any("error", err))
				}
			}
			if err := s.jobs.TransitionStatus(ctx, job.ID, token, job.Status, domain.StatusCompleted); err != nil {
				return err
			}
			logger.Info("job completed",
				slog.Int64("processed", job.ProcessedRows),
				slog.Int64("success", job.SuccessCount),
				slog.Int64("duplicates", job.DuplicateCount),
				slog.Int64("errors", job.ErrorCount))
			return nil
		}

		// Suspension point: signals are observed between chunks only, so a
		// chunk's batch write is never torn.
		if stopped, err := s.observeSignal(ctx, job, token, logger); err != nil || stopped {
			return err
		}
	}
}

// observeSignal handles a pending pause or cancel. Returns stopped=true
// when the run must not continue.
func (s *Supervisor) observeSignal(ctx context.Context, job *domain.ImportJob, token uuid.UUID, logger *slog.Logger) (bool, error) {
	action, err := s.signals.Get(ctx, job.ID)
	if err != nil {
		logger.Warn("signal check failed, continuing", slog.Any("error", err))
		return false, nil
	}

	switch action {
	case SignalCancel:
		if clearErr := s.signals.Clear(ctx, job.ID); clearErr != nil {
			logger.Warn("failed to clear signal", slog.Any("error", clearErr))
		}
		logger.Info("job cancelled",
			slog.Int64("processed", job.ProcessedRows),
			slog.Int64("success", job.SuccessCount))
		// Already-accepted rows stay; a partial import is a valid, visibly
		// reported terminal outcome.
		return true, s.jobs.Fail(ctx, job.ID, token, "cancelled by user")
	case SignalPause:
		if clearErr := s.signals.Clear(ctx, job.ID); clearErr != nil {
			logger.Warn("failed to clear signal", slog.Any("error", clearErr))
		}
		if job.Status == domain.StatusPaused {
			return true, nil
		}
		logger.Info("job paused", slog.Int64("processed", job.ProcessedRows))
		return true, s.jobs.TransitionStatus(ctx, job.ID, token, job.Status, domain.StatusPaused)
	default:
		return false, nil
	}
}

// openSource opens the uploaded blob and positions a parser at the job's
// resume cursor. Header mapping runs here, so schema errors surface before
// any row is processed.
func (s *Supervisor) openSource(ctx context.Context, job *domain.ImportJob) (parsers.RowSource, error) {
	reader, err := s.blobs.Open(ctx, job.FilePath)
	if err != nil {
		return nil, err
	}

	schema, ok := s.schemas[job.Module]
	if !ok {
		schema = parsers.DefaultSchema()
	}

	pos := parsers.Position{
		Offset:  job.LastProcessedOffset,
		NextRow: metaInt64(job.ChunkMetadata, "next_row"),
	}

	source, err := s.factory.Open(reader, job.FileName, schema, pos)
	if err != nil {
		reader.Close()
		return nil, err
	}
	return source, nil
}

// maybeCountRows fills in the advisory total for CSV sources with a cheap
// line-count pass. Failures only cost the progress percentage.
func (s *Supervisor) maybeCountRows(ctx context.Context, job *domain.ImportJob, logger *slog.Logger) {
	if job.TotalRows != nil || !parsers.IsCSV(job.FileName) {
		return
	}

	reader, err := s.blobs.Open(ctx, job.FilePath)
	if err != nil {
		logger.Warn("row pre-count skipped", slog.Any("error", err))
		return
	}
	defer reader.Close()

	total, err := parsers.CountCSVRows(reader)
	if err != nil {
		logger.Warn("row pre-count failed", slog.Any("error", err))
		return
	}
	if err := s.jobs.SetTotalRows(ctx, job.ID, total); err != nil {
		logger.Warn("failed to set total rows", slog.Any("error", err))
		return
	}
	job.TotalRows = &total
}

// readChunk pulls up to size rows from the source
func readChunk(ctx context.Context, source parsers.RowSource, size int) ([]*parsers.Row, bool, error) {
	rows := make([]*parsers.Row, 0, size)
	for len(rows) < size {
		row, err := source.Next(ctx)
		if err == io.EOF {
			return rows, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("row read failed: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, false, nil
}

// metaInt64 reads an integer out of the jsonb chunk metadata, tolerating
// the float64 that json decoding produces
func metaInt64(meta domain.JSONB, key string) int64 {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

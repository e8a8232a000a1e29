package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	"github.com/alejandroruanova/bulk-import-service/internal/core/services/dedup"
	"github.com/alejandroruanova/bulk-import-service/internal/infrastructure/parsers"
	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
	"github.com/google/uuid"
)

// RowValidator checks one parsed row for structural validity. Business
// rules plug in here; returning an error rejects the row with that reason.
type RowValidator func(row *parsers.Row) error

// StructuralValidator enforces the minimal shape every module needs:
// required identity fields present and a phone with enough digits.
func StructuralValidator(row *parsers.Row) error {
	if row.Values["name"] == "" {
		return apperrors.RowValidation("missing required field: name")
	}
	phone := row.Values["phone"]
	if phone == "" {
		return apperrors.RowValidation("missing required field: phone")
	}
	if len(phone) < 8 {
		return apperrors.RowValidation(fmt.Sprintf("phone too short: %q", phone))
	}
	return nil
}

// ChunkResult aggregates the outcome of one chunk
type ChunkResult struct {
	Accepted   int64
	Duplicates int64
	Rejected   []domain.RowError
}

// ProcessorConfig bounds the persistence retry loop
type ProcessorConfig struct {
	MaxWriteAttempts int
	RetryBaseDelay   time.Duration
}

// ChunkProcessor turns a bounded slice of parsed rows into persisted
// records. It is the only component that mutates the target dataset and it
// never touches the job row; counts flow upward to the supervisor.
type ChunkProcessor struct {
	records    RecordStore
	keys       *dedup.KeyBuilder
	index      *dedup.Index
	validators []RowValidator
	cfg        ProcessorConfig

	// heartbeat keeps the job claim alive across long retry waits
	heartbeat func(ctx context.Context) error
	logger    *slog.Logger
}

// NewChunkProcessor creates a processor for a single job run
func NewChunkProcessor(
	records RecordStore,
	keys *dedup.KeyBuilder,
	index *dedup.Index,
	validators []RowValidator,
	cfg ProcessorConfig,
	heartbeat func(ctx context.Context) error,
	logger *slog.Logger,
) *ChunkProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWriteAttempts <= 0 {
		cfg.MaxWriteAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if len(validators) == 0 {
		validators = []RowValidator{StructuralValidator}
	}
	return &ChunkProcessor{
		records:    records,
		keys:       keys,
		index:      index,
		validators: validators,
		cfg:        cfg,
		heartbeat:  heartbeat,
		logger:     logger,
	}
}

// Process runs the per-chunk pipeline: structural validation, dedup key
// computation, one batched existence check, one atomic batch write, then
// index update. Row-level problems are absorbed into the result; only
// chunk-fatal errors (retry budget exhausted) propagate.
func (p *ChunkProcessor) Process(ctx context.Context, job *domain.ImportJob, rows []*parsers.Row) (*ChunkResult, error) {
	result := &ChunkResult{}

	type candidate struct {
		row *parsers.Row
		key string
	}

	// 1. Structural validation
	candidates := make([]candidate, 0, len(rows))
	for _, row := range rows {
		if row.Invalid != "" {
			result.Rejected = append(result.Rejected, domain.RowError{Row: row.Number, Reason: row.Invalid})
			continue
		}
		if reason := p.validate(row); reason != "" {
			result.Rejected = append(result.Rejected, domain.RowError{Row: row.Number, Reason: reason})
			continue
		}
		candidates = append(candidates, candidate{row: row, key: p.keys.Key(row.Values)})
	}

	if len(candidates) == 0 {
		return result, nil
	}

	// 2. Two-level dedup: one batched store round trip merged with the
	// run's in-flight set, then first-wins within the chunk itself.
	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	seen, err := p.index.Seen(ctx, keys)
	if err != nil {
		return nil, apperrors.PersistenceTransient(err)
	}

	inChunk := make(map[string]bool, len(candidates))
	accepted := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if seen[c.key] || inChunk[c.key] {
			result.Duplicates++
			continue
		}
		inChunk[c.key] = true
		accepted = append(accepted, c)
	}

	if len(accepted) == 0 {
		return result, nil
	}

	// 3. Atomic batch write of accepted rows
	records := make([]domain.ImportRecord, len(accepted))
	for i, c := range accepted {
		records[i] = toRecord(job, c.row, c.key)
	}

	writeErr := p.withRetry(ctx, func() error {
		return p.records.InsertBatch(ctx, records)
	})
	acceptedKeys := make([]string, 0, len(accepted))

	switch {
	case writeErr == nil:
		result.Accepted += int64(len(accepted))
		for _, c := range accepted {
			acceptedKeys = append(acceptedKeys, c.key)
		}
	case apperrors.HasCode(writeErr, apperrors.ErrCodePersistencePermanent):
		// The store rejected the batch for a reason traceable to its rows.
		// Fall back to row granularity so one bad row cannot sink the chunk.
		p.logger.Warn("batch write failed permanently, isolating rows",
			slog.Int("rows", len(accepted)),
			slog.Any("error", writeErr))
		for i, c := range accepted {
			rowErr := p.withRetry(ctx, func() error {
				return p.records.InsertOne(ctx, records[i])
			})
			switch {
			case rowErr == nil:
				result.Accepted++
				acceptedKeys = append(acceptedKeys, c.key)
			case apperrors.HasCode(rowErr, apperrors.ErrCodePersistencePermanent):
				result.Rejected = append(result.Rejected, domain.RowError{
					Row:    c.row.Number,
					Reason: rowErr.Error(),
				})
			default:
				return nil, rowErr
			}
		}
	default:
		return nil, writeErr
	}

	// 4. Record accepted keys so later chunks in this run see them
	p.index.Record(acceptedKeys)

	return result, nil
}

func (p *ChunkProcessor) validate(row *parsers.Row) string {
	for _, validate := range p.validators {
		if err := validate(row); err != nil {
			return err.Error()
		}
	}
	return ""
}

// withRetry retries transient persistence failures with bounded exponential
// backoff. Exhausting the budget is job-fatal: skipping a chunk would
// corrupt the processed/total accounting.
func (p *ChunkProcessor) withRetry(ctx context.Context, op func() error) error {
	delay := p.cfg.RetryBaseDelay
	var err error

	for attempt := 1; attempt <= p.cfg.MaxWriteAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !apperrors.HasCode(err, apperrors.ErrCodePersistenceTransient) {
			return err
		}
		if attempt == p.cfg.MaxWriteAttempts {
			break
		}

		p.logger.Warn("transient persistence failure, backing off",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		if p.heartbeat != nil {
			if hbErr := p.heartbeat(ctx); hbErr != nil {
				return apperrors.JobFatal(hbErr, "heartbeat failed during retry wait")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return apperrors.JobFatal(err, fmt.Sprintf("persistence retry budget exhausted after %d attempts", p.cfg.MaxWriteAttempts))
}

func toRecord(job *domain.ImportJob, row *parsers.Row, key string) domain.ImportRecord {
	fields := make(domain.JSONB, len(row.Extra))
	for k, v := range row.Extra {
		fields[k] = v
	}

	return domain.ImportRecord{
		ID:        uuid.New(),
		Module:    job.Module,
		DedupKey:  key,
		JobID:     job.ID,
		Name:      row.Values["name"],
		Phone:     row.Values["phone"],
		Fields:    fields,
		SourceRow: row.Number,
	}
}

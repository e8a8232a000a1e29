package repositories

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ImportRecordRepository implements the importer.RecordStore interface
// using GORM. Write failures are classified into transient and permanent
// so the processor knows whether to retry or to isolate rows.
type ImportRecordRepository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewImportRecordRepository creates a new repository instance
func NewImportRecordRepository(db *gorm.DB, logger *slog.Logger) *ImportRecordRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportRecordRepository{db: db, logger: logger}
}

// ExistingKeys returns which of the given dedup keys already exist for a
// module, as one batched query
func (r *ImportRecordRepository) ExistingKeys(ctx context.Context, module string, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	var found []string
	err := r.db.WithContext(ctx).
		Model(&domain.ImportRecord{}).
		Where("module = ? AND dedup_key IN ?", module, keys).
		Pluck("dedup_key", &found).Error
	if err != nil {
		return nil, classifyWriteError(err)
	}

	for _, key := range found {
		existing[key] = true
	}
	return existing, nil
}

// InsertBatch writes a chunk's accepted records in a single transaction.
// All or nothing: a failure leaves the dataset untouched so the caller can
// retry or fall back to row granularity.
func (r *ImportRecordRepository) InsertBatch(ctx context.Context, records []domain.ImportRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&records).Error
	})
	if err != nil {
		return classifyWriteError(err)
	}

	r.logger.Debug("batch inserted", slog.Int("records", len(records)))
	return nil
}

// InsertOne writes a single record, the fallback path for isolating a bad
// row inside a failed batch
func (r *ImportRecordRepository) InsertOne(ctx context.Context, record domain.ImportRecord) error {
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return classifyWriteError(err)
	}
	return nil
}

// classifyWriteError maps store failures onto the retry contract. SQLSTATE
// class 23 (integrity violations) is permanent: the data itself is at
// fault and retrying cannot help. Connection and availability classes are
// transient. Unknown errors default to transient so the bounded retry
// budget, not a guess, decides when to give up.
func classifyWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return apperrors.PersistencePermanent(err)
		case strings.HasPrefix(pgErr.Code, "22"):
			// Data exceptions (bad encoding, value out of range)
			return apperrors.PersistencePermanent(err)
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "40"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57"):
			return apperrors.PersistenceTransient(err)
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.PersistencePermanent(err)
	}
	return apperrors.PersistenceTransient(err)
}

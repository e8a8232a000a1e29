package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	"github.com/alejandroruanova/bulk-import-service/internal/core/services/importer"
	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupTestDB creates a PostgreSQL testcontainer for testing. The suite
// needs a docker daemon, so it only runs when RUN_INTEGRATION_TESTS is set.
func setupTestDB(t *testing.T) *gorm.DB {
	if os.Getenv("RUN_INTEGRATION_TESTS") == "" {
		t.Skip("set RUN_INTEGRATION_TESTS=1 to run repository integration tests")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	db, err := gorm.Open(pgdriver.Open(connStr), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	db.Exec("CREATE EXTENSION IF NOT EXISTS \"uuid-ossp\"")

	if err := db.AutoMigrate(&domain.ImportJob{}, &domain.ImportRecord{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

func newJob() *domain.ImportJob {
	return &domain.ImportJob{
		ID:            uuid.New(),
		OwnerID:       "operator-1",
		FileName:      "clientes.csv",
		FilePath:      "uploads/abc/clientes.csv",
		FileSizeBytes: 2048,
		Module:        "clients",
		Status:        domain.StatusUploaded,
	}
}

func newRecord(jobID uuid.UUID, key string, row int64) domain.ImportRecord {
	return domain.ImportRecord{
		ID:        uuid.New(),
		Module:    "clients",
		DedupKey:  key,
		JobID:     jobID,
		Name:      "Maria Silva",
		Phone:     "11987654321",
		SourceRow: row,
	}
}

func TestImportJobRepository_ClaimLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportJobRepository(db, 100, nil)
	ctx := context.Background()

	job := newJob()
	require.NoError(t, repo.Create(ctx, job))

	claimed, token, err := repo.Claim(ctx, job.ID, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, claimed.Status)
	assert.NotEqual(t, uuid.Nil, token)

	require.NoError(t, repo.TransitionStatus(ctx, job.ID, token, domain.StatusUploaded, domain.StatusProcessing))

	// A second claim while the first is live and heartbeating must fail
	_, _, err = repo.Claim(ctx, job.ID, 2*time.Minute)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeJobAlreadyClaimed))

	// Terminal jobs are not claimable at all
	require.NoError(t, repo.TransitionStatus(ctx, job.ID, token, domain.StatusProcessing, domain.StatusCompleted))
	_, _, err = repo.Claim(ctx, job.ID, 2*time.Minute)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
}

func TestImportJobRepository_StaleHeartbeatReclaim(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportJobRepository(db, 100, nil)
	ctx := context.Background()

	job := newJob()
	require.NoError(t, repo.Create(ctx, job))

	_, oldToken, err := repo.Claim(ctx, job.ID, 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.TransitionStatus(ctx, job.ID, oldToken, domain.StatusUploaded, domain.StatusProcessing))

	// Simulate a dead worker by aging the heartbeat
	stale := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, db.Model(&domain.ImportJob{}).
		Where("id = ?", job.ID).
		Update("heartbeat_at", stale).Error)

	_, newToken, err := repo.Claim(ctx, job.ID, 2*time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, newToken)

	// The dead worker's token is now useless
	err = repo.Heartbeat(ctx, job.ID, oldToken)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeJobAlreadyClaimed))

	require.NoError(t, repo.Heartbeat(ctx, job.ID, newToken))
}

func TestImportJobRepository_Checkpoint(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportJobRepository(db, 100, nil)
	ctx := context.Background()

	job := newJob()
	require.NoError(t, repo.Create(ctx, job))

	_, token, err := repo.Claim(ctx, job.ID, 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.TransitionStatus(ctx, job.ID, token, domain.StatusUploaded, domain.StatusProcessing))

	delta := importer.CheckpointDelta{
		Processed:  100,
		Success:    90,
		Duplicates: 7,
		Errors:     3,
		Offset:     4096,
		NextRow:    101,
		ErrorSample: []domain.RowError{
			{Row: 12, Reason: "missing required field: phone"},
		},
	}
	require.NoError(t, repo.Checkpoint(ctx, job.ID, token, delta))

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusChunkCompleted, stored.Status)
	assert.Equal(t, int64(100), stored.ProcessedRows)
	assert.Equal(t, int64(90), stored.SuccessCount)
	assert.Equal(t, int64(7), stored.DuplicateCount)
	assert.Equal(t, int64(3), stored.ErrorCount)
	assert.Equal(t, int64(4096), stored.LastProcessedOffset)
	assert.Equal(t, 1, stored.CurrentChunk)
	require.Len(t, stored.ErrorLog, 1)
	assert.Equal(t, int64(12), stored.ErrorLog[0].Row)
	assert.EqualValues(t, 101, stored.ChunkMetadata["next_row"])

	// Counters accumulate across checkpoints
	require.NoError(t, repo.TransitionStatus(ctx, job.ID, token, domain.StatusChunkCompleted, domain.StatusProcessing))
	delta2 := importer.CheckpointDelta{Processed: 50, Success: 50, Offset: 8192, NextRow: 151}
	require.NoError(t, repo.Checkpoint(ctx, job.ID, token, delta2))

	stored, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), stored.ProcessedRows)
	assert.Equal(t, int64(140), stored.SuccessCount)
	assert.Equal(t, 2, stored.CurrentChunk)
}

func TestImportJobRepository_CheckpointGuards(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportJobRepository(db, 100, nil)
	ctx := context.Background()

	job := newJob()
	require.NoError(t, repo.Create(ctx, job))
	_, token, err := repo.Claim(ctx, job.ID, 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.TransitionStatus(ctx, job.ID, token, domain.StatusUploaded, domain.StatusProcessing))

	// A delta that breaks success + duplicates + errors == processed is
	// rejected outright
	broken := importer.CheckpointDelta{Processed: 10, Success: 5, Duplicates: 1, Errors: 1}
	require.Error(t, repo.Checkpoint(ctx, job.ID, token, broken))

	// A stale token cannot checkpoint
	valid := importer.CheckpointDelta{Processed: 10, Success: 10}
	err = repo.Checkpoint(ctx, job.ID, uuid.New(), valid)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeJobAlreadyClaimed))

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ProcessedRows)
}

func TestImportJobRepository_SupersededTokenCannotWrite(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportJobRepository(db, 100, nil)
	ctx := context.Background()

	job := newJob()
	require.NoError(t, repo.Create(ctx, job))

	_, oldToken, err := repo.Claim(ctx, job.ID, 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.TransitionStatus(ctx, job.ID, oldToken, domain.StatusUploaded, domain.StatusProcessing))

	// The worker stalls; another worker reclaims the job
	stale := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, db.Model(&domain.ImportJob{}).
		Where("id = ?", job.ID).
		Update("heartbeat_at", stale).Error)
	_, newToken, err := repo.Claim(ctx, job.ID, 2*time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, oldToken, newToken)

	// Every guarded write of the superseded worker must bounce
	delta := importer.CheckpointDelta{Processed: 3, Success: 3, Offset: 90, NextRow: 4}
	err = repo.Checkpoint(ctx, job.ID, oldToken, delta)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeJobAlreadyClaimed))

	err = repo.TransitionStatus(ctx, job.ID, oldToken, domain.StatusProcessing, domain.StatusPaused)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeJobAlreadyClaimed))

	err = repo.Fail(ctx, job.ID, oldToken, "stalled")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeJobAlreadyClaimed))

	// The reclaimed run is untouched and keeps writing
	current, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, current.Status)
	assert.Zero(t, current.ProcessedRows)
	require.NoError(t, repo.Checkpoint(ctx, job.ID, newToken, delta))
}

func TestImportJobRepository_FailRecordsReason(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportJobRepository(db, 100, nil)
	ctx := context.Background()

	job := newJob()
	require.NoError(t, repo.Create(ctx, job))
	_, token, err := repo.Claim(ctx, job.ID, 2*time.Minute)
	require.NoError(t, err)

	require.NoError(t, repo.Fail(ctx, job.ID, token, "cancelled by user"))

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	require.NotEmpty(t, stored.ErrorLog)
	assert.Equal(t, "cancelled by user", stored.ErrorLog[0].Reason)

	// Failing a terminal job again is rejected
	require.Error(t, repo.Fail(ctx, job.ID, token, "again"))
}

func TestImportJobRepository_ListByOwner(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportJobRepository(db, 100, nil)
	ctx := context.Background()

	first := newJob()
	require.NoError(t, repo.Create(ctx, first))
	second := newJob()
	second.Module = "debts"
	require.NoError(t, repo.Create(ctx, second))

	all, err := repo.ListByOwner(ctx, "operator-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	clients, err := repo.ListByOwner(ctx, "operator-1", "clients")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, first.ID, clients[0].ID)
}

func TestImportRecordRepository_DedupKeyUniqueness(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportRecordRepository(db, nil)
	ctx := context.Background()

	jobID := uuid.New()
	require.NoError(t, repo.InsertBatch(ctx, []domain.ImportRecord{
		newRecord(jobID, "key-1", 1),
		newRecord(jobID, "key-2", 2),
	}))

	// Replaying an already-committed row must be classified permanent so
	// the processor counts it instead of retrying forever
	err := repo.InsertOne(ctx, newRecord(jobID, "key-1", 3))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePersistencePermanent))

	existing, err := repo.ExistingKeys(ctx, "clients", []string{"key-1", "key-2", "key-3"})
	require.NoError(t, err)
	assert.True(t, existing["key-1"])
	assert.True(t, existing["key-2"])
	assert.False(t, existing["key-3"])
}

func TestImportRecordRepository_BatchIsAtomic(t *testing.T) {
	db := setupTestDB(t)
	repo := NewImportRecordRepository(db, nil)
	ctx := context.Background()

	jobID := uuid.New()
	require.NoError(t, repo.InsertOne(ctx, newRecord(jobID, "key-1", 1)))

	// A batch containing one conflicting row writes nothing
	err := repo.InsertBatch(ctx, []domain.ImportRecord{
		newRecord(jobID, "key-5", 5),
		newRecord(jobID, "key-1", 6),
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePersistencePermanent))

	existing, err := repo.ExistingKeys(ctx, "clients", []string{"key-5"})
	require.NoError(t, err)
	assert.False(t, existing["key-5"])
}

package importer

import (
	"context"
	"io"
	"time"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	"github.com/alejandroruanova/bulk-import-service/internal/core/services/dedup"
	"github.com/google/uuid"
)

// CheckpointDelta is the atomic unit of durability for one processed chunk.
// The store applies all of it in a single transaction so that a crash
// between "chunk finished" and "checkpoint written" is observably
// equivalent to the chunk never having happened.
type CheckpointDelta struct {
	Processed  int64
	Success    int64
	Duplicates int64
	Errors     int64

	Offset  int64
	NextRow int64

	ErrorSample []domain.RowError
}

// JobStore is the durable record of import jobs. All mutating calls except
// Create take the claim token issued by Claim, enforcing the
// single-writer-per-job discipline.
type JobStore interface {
	Create(ctx context.Context, job *domain.ImportJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ImportJob, error)
	ListByOwner(ctx context.Context, ownerID, module string) ([]domain.ImportJob, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// Claim takes exclusive ownership of a job. Jobs in uploaded, paused or
	// chunk_completed are claimable, as is a processing job whose heartbeat
	// is older than staleAfter (dead-worker reclaim). A live claim yields
	// ErrCodeJobAlreadyClaimed; a terminal job yields ErrCodeConflict.
	Claim(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (*domain.ImportJob, uuid.UUID, error)

	// Checkpoint atomically applies the delta, advances the resume cursor,
	// refreshes the heartbeat and moves the job to chunk_completed.
	Checkpoint(ctx context.Context, id, token uuid.UUID, delta CheckpointDelta) error

	// TransitionStatus enforces the job state machine and rejects illegal
	// transitions with ErrCodeInvalidTransition.
	TransitionStatus(ctx context.Context, id, token uuid.UUID, from, to string) error

	// Fail moves the job to failed (terminal), recording the reason.
	Fail(ctx context.Context, id, token uuid.UUID, reason string) error

	Heartbeat(ctx context.Context, id, token uuid.UUID) error

	// SetTotalRows records the advisory total; display only, never
	// correctness.
	SetTotalRows(ctx context.Context, id uuid.UUID, total int64) error
}

// RecordStore mutates the target dataset. InsertBatch writes a chunk's
// accepted rows as one atomic transaction; InsertOne is the row-granular
// fallback used to isolate permanent failures inside a chunk. Both classify
// errors as PERSISTENCE_TRANSIENT or PERSISTENCE_PERMANENT.
type RecordStore interface {
	dedup.KeyRepository

	InsertBatch(ctx context.Context, records []domain.ImportRecord) error
	InsertOne(ctx context.Context, record domain.ImportRecord) error
}

// BlobStore retrieves uploaded files as streams; whole-file buffering is
// never acceptable at the sizes this engine handles.
type BlobStore interface {
	Open(ctx context.Context, path string) (io.ReadSeekCloser, error)
}

// Control signal actions observed by the supervisor at chunk boundaries
const (
	SignalPause  = "pause"
	SignalCancel = "cancel"
)

// Signals carries pause/cancel requests from the outside to the supervisor
// without racing its own status writes.
type Signals interface {
	Set(ctx context.Context, jobID uuid.UUID, action string) error
	Get(ctx context.Context, jobID uuid.UUID) (string, error)
	Clear(ctx context.Context, jobID uuid.UUID) error
}

// TriggerQueue enqueues the out-of-band processing trigger, at-least-once.
// Enqueueing the same job twice must collapse into one delivery.
type TriggerQueue interface {
	EnqueueProcess(ctx context.Context, jobID uuid.UUID) error
}

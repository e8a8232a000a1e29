package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
	"github.com/google/uuid"
)

// memJobStore mirrors the claim, checkpoint and transition semantics of the
// durable store in memory.
type memJobStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*domain.ImportJob
	errorLogCap int
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:        make(map[uuid.UUID]*domain.ImportJob),
		errorLogCap: 100,
	}
}

func (s *memJobStore) Create(ctx context.Context, job *domain.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("import job %s not found", id))
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) ListByOwner(ctx context.Context, ownerID, module string) ([]domain.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ImportJob
	for _, job := range s.jobs {
		if job.OwnerID == ownerID && (module == "" || job.Module == module) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *memJobStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return apperrors.NotFound(fmt.Sprintf("import job %s not found", id))
	}
	delete(s.jobs, id)
	return nil
}

func (s *memJobStore) Claim(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (*domain.ImportJob, uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, uuid.Nil, apperrors.NotFound(fmt.Sprintf("import job %s not found", id))
	}
	if job.IsTerminal() {
		return nil, uuid.Nil, apperrors.Conflict(fmt.Sprintf("job %s is already %s", id, job.Status))
	}

	claimable := job.Status == domain.StatusUploaded ||
		job.Status == domain.StatusPaused ||
		job.Status == domain.StatusChunkCompleted
	if job.Status == domain.StatusProcessing {
		if job.HeartbeatAt == nil || time.Since(*job.HeartbeatAt) > staleAfter {
			claimable = true
		}
	}
	if !claimable {
		return nil, uuid.Nil, apperrors.JobAlreadyClaimed(id.String())
	}

	token := uuid.New()
	now := time.Now().UTC()
	job.ClaimToken = &token
	job.HeartbeatAt = &now

	copied := *job
	return &copied, token, nil
}

func (s *memJobStore) owned(id, token uuid.UUID) (*domain.ImportJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("import job %s not found", id))
	}
	if job.ClaimToken == nil || *job.ClaimToken != token {
		return nil, apperrors.JobAlreadyClaimed(id.String())
	}
	return job, nil
}

func (s *memJobStore) Checkpoint(ctx context.Context, id, token uuid.UUID, delta CheckpointDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delta.Success+delta.Duplicates+delta.Errors != delta.Processed {
		return apperrors.Internal("checkpoint delta breaks accounting invariant")
	}

	job, err := s.owned(id, token)
	if err != nil {
		return err
	}
	if !domain.CanTransition(job.Status, domain.StatusChunkCompleted) {
		return apperrors.InvalidTransition(job.Status, domain.StatusChunkCompleted)
	}

	if job.ChunkMetadata == nil {
		job.ChunkMetadata = domain.JSONB{}
	}
	job.ChunkMetadata["next_row"] = delta.NextRow

	job.Status = domain.StatusChunkCompleted
	job.ProcessedRows += delta.Processed
	job.SuccessCount += delta.Success
	job.DuplicateCount += delta.Duplicates
	job.ErrorCount += delta.Errors
	job.LastProcessedOffset = delta.Offset
	job.CurrentChunk++
	job.ErrorLog = job.ErrorLog.Append(delta.ErrorSample, s.errorLogCap)
	now := time.Now().UTC()
	job.HeartbeatAt = &now
	return nil
}

func (s *memJobStore) TransitionStatus(ctx context.Context, id, token uuid.UUID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.CanTransition(from, to) {
		return apperrors.InvalidTransition(from, to)
	}

	job, err := s.owned(id, token)
	if err != nil {
		return err
	}
	if job.Status != from {
		return apperrors.InvalidTransition(job.Status, to)
	}

	now := time.Now().UTC()
	job.Status = to
	if to == domain.StatusProcessing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to == domain.StatusCompleted || to == domain.StatusFailed {
		job.CompletedAt = &now
	}
	return nil
}

func (s *memJobStore) Fail(ctx context.Context, id, token uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(id, token)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return apperrors.InvalidTransition(job.Status, domain.StatusFailed)
	}

	job.Status = domain.StatusFailed
	job.ErrorLog = job.ErrorLog.Append([]domain.RowError{{Row: 0, Reason: reason}}, s.errorLogCap+1)
	now := time.Now().UTC()
	job.CompletedAt = &now
	return nil
}

func (s *memJobStore) Heartbeat(ctx context.Context, id, token uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(id, token)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.HeartbeatAt = &now
	return nil
}

func (s *memJobStore) SetTotalRows(ctx context.Context, id uuid.UUID, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return apperrors.NotFound(fmt.Sprintf("import job %s not found", id))
	}
	job.TotalRows = &total
	return nil
}

// memRecordStore keeps accepted records in memory and enforces the
// (module, dedup_key) uniqueness the real store gets from its index.
type memRecordStore struct {
	mu      sync.Mutex
	records map[string]domain.ImportRecord

	// badKeys fail permanently on every insert touching them
	badKeys map[string]bool

	// transientFailures makes the next N batch inserts fail transiently
	transientFailures int

	batchCalls int
	oneCalls   int
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{
		records: make(map[string]domain.ImportRecord),
		badKeys: make(map[string]bool),
	}
}

func recordKey(module, key string) string {
	return module + "|" + key
}

func (s *memRecordStore) ExistingKeys(ctx context.Context, module string, keys []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, key := range keys {
		if _, ok := s.records[recordKey(module, key)]; ok {
			out[key] = true
		}
	}
	return out, nil
}

func (s *memRecordStore) InsertBatch(ctx context.Context, records []domain.ImportRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++

	if s.transientFailures > 0 {
		s.transientFailures--
		return apperrors.PersistenceTransient(fmt.Errorf("simulated connection failure"))
	}

	// All or nothing, like a transaction
	for _, r := range records {
		if s.badKeys[r.DedupKey] {
			return apperrors.PersistencePermanent(fmt.Errorf("value too long for row %d", r.SourceRow))
		}
		if _, ok := s.records[recordKey(r.Module, r.DedupKey)]; ok {
			return apperrors.PersistencePermanent(fmt.Errorf("duplicate key %s", r.DedupKey))
		}
	}
	for _, r := range records {
		s.records[recordKey(r.Module, r.DedupKey)] = r
	}
	return nil
}

func (s *memRecordStore) InsertOne(ctx context.Context, record domain.ImportRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneCalls++

	if s.badKeys[record.DedupKey] {
		return apperrors.PersistencePermanent(fmt.Errorf("value too long for row %d", record.SourceRow))
	}
	if _, ok := s.records[recordKey(record.Module, record.DedupKey)]; ok {
		return apperrors.PersistencePermanent(fmt.Errorf("duplicate key %s", record.DedupKey))
	}
	s.records[recordKey(record.Module, record.DedupKey)] = record
	return nil
}

func (s *memRecordStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// memBlob is an in-memory uploaded file
type memBlob struct {
	*bytes.Reader
}

func (memBlob) Close() error { return nil }

// memBlobStore serves uploaded files from memory
type memBlobStore struct {
	files map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{files: make(map[string][]byte)}
}

func (s *memBlobStore) Open(ctx context.Context, path string) (io.ReadSeekCloser, error) {
	data, ok := s.files[path]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("file not found: %s", path))
	}
	return memBlob{bytes.NewReader(data)}, nil
}

// memSignals plays back a scripted sequence of signal reads, falling back
// to plain map semantics once the script is exhausted.
type memSignals struct {
	mu      sync.Mutex
	pending map[uuid.UUID]string
	script  []string
}

func newMemSignals(script ...string) *memSignals {
	return &memSignals{
		pending: make(map[uuid.UUID]string),
		script:  script,
	}
}

func (s *memSignals) Set(ctx context.Context, jobID uuid.UUID, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[jobID] = action
	return nil
}

func (s *memSignals) Get(ctx context.Context, jobID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) > 0 {
		action := s.script[0]
		s.script = s.script[1:]
		return action, nil
	}
	return s.pending[jobID], nil
}

func (s *memSignals) Clear(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, jobID)
	return nil
}

// memQueue records trigger enqueues
type memQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
	failNext bool
}

func (q *memQueue) EnqueueProcess(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext {
		q.failNext = false
		return apperrors.QueueError(fmt.Errorf("redis unavailable"))
	}
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

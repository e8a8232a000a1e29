package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// signalTTL bounds how long an unobserved signal lingers. A pause or
// cancel aimed at a job nobody ever runs again should not live forever.
const signalTTL = 24 * time.Hour

// SignalStore keeps pause/cancel requests in Redis, one key per job. The
// supervisor polls it at chunk boundaries, so writes here never race the
// job row itself.
type SignalStore struct {
	cache  *RedisCache
	logger *slog.Logger
}

// NewSignalStore creates a signal store on top of the shared cache
func NewSignalStore(cache *RedisCache, logger *slog.Logger) *SignalStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalStore{cache: cache, logger: logger}
}

func signalKey(jobID uuid.UUID) string {
	return fmt.Sprintf("import:signal:%s", jobID)
}

// Set records a pending action for a job, overwriting any previous one.
// Last request wins: a cancel after a pause cancels.
func (s *SignalStore) Set(ctx context.Context, jobID uuid.UUID, action string) error {
	if err := s.cache.Set(ctx, signalKey(jobID), action, signalTTL); err != nil {
		return fmt.Errorf("failed to set signal: %w", err)
	}
	s.logger.Debug("signal set",
		slog.String("job_id", jobID.String()),
		slog.String("action", action))
	return nil
}

// Get returns the pending action for a job, or "" when there is none
func (s *SignalStore) Get(ctx context.Context, jobID uuid.UUID) (string, error) {
	action, err := s.cache.Get(ctx, signalKey(jobID))
	if IsNil(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read signal: %w", err)
	}
	return action, nil
}

// Clear removes any pending action for a job
func (s *SignalStore) Clear(ctx context.Context, jobID uuid.UUID) error {
	if err := s.cache.Delete(ctx, signalKey(jobID)); err != nil {
		return fmt.Errorf("failed to clear signal: %w", err)
	}
	return nil
}

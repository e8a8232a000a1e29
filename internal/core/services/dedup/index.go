package dedup

import (
	"context"
	"fmt"
	"log/slog"
)

// KeyRepository is the durable half of the index: a batched existence check
// against keys already persisted in the target dataset. One round trip per
// chunk, never one per row.
type KeyRepository interface {
	ExistingKeys(ctx context.Context, module string, keys []string) (map[string]bool, error)
}

// Index performs the two-level duplicate check for one job execution.
// Level 1 is the in-flight set of keys accepted earlier in this run; it
// spans chunks so a row admitted in chunk k can never be re-admitted by
// chunk k+n. Level 2 is the store-side batched check, which also covers
// rows committed before a pause or crash, so a resumed run can start with
// an empty in-flight set without re-admitting anything.
type Index struct {
	module   string
	repo     KeyRepository
	inflight map[string]struct{}
	logger   *slog.Logger
}

// NewIndex creates an index scoped to one job run against one target module
func NewIndex(module string, repo KeyRepository, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		module:   module,
		repo:     repo,
		inflight: make(map[string]struct{}),
		logger:   logger,
	}
}

// Seen reports which of the given keys are already known, merging the
// in-flight set with a single batched store query
func (i *Index) Seen(ctx context.Context, keys []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(keys))

	unknown := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := i.inflight[key]; ok {
			seen[key] = true
		} else {
			unknown = append(unknown, key)
		}
	}

	if len(unknown) > 0 && i.repo != nil {
		existing, err := i.repo.ExistingKeys(ctx, i.module, unknown)
		if err != nil {
			return nil, fmt.Errorf("batched key existence check failed: %w", err)
		}
		for key, exists := range existing {
			if exists {
				seen[key] = true
			}
		}
	}

	i.logger.Debug("dedup lookup",
		slog.Int("keys", len(keys)),
		slog.Int("in_flight_hits", len(keys)-len(unknown)),
		slog.Int("in_flight_size", len(i.inflight)))

	return seen, nil
}

// Record adds accepted keys to the in-flight set. The durable half is the
// chunk's own batch insert; there is nothing separate to write here.
func (i *Index) Record(keys []string) {
	for _, key := range keys {
		i.inflight[key] = struct{}{}
	}
}

// InflightSize returns the number of keys accepted during this run
func (i *Index) InflightSize() int {
	return len(i.inflight)
}

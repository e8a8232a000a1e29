package importer

import (
	"context"

	"github.com/alejandroruanova/bulk-import-service/internal/core/domain"
	"github.com/google/uuid"
)

// Progress is a read-only projection of a job's checkpoint counters.
// Everything here comes from the job row; nothing ever re-scans the source
// file or the target dataset, which keeps progress queries O(1) regardless
// of job size.
type Progress struct {
	Job *domain.ImportJob `json:"job"`

	// Percent is nil until the advisory total is known
	Percent *float64 `json:"percent,omitempty"`
}

// Reporter answers progress queries from JobStore state only
type Reporter struct {
	jobs JobStore
}

// NewReporter creates a progress reporter
func NewReporter(jobs JobStore) *Reporter {
	return &Reporter{jobs: jobs}
}

// Progress returns the current state of a job
func (r *Reporter) Progress(ctx context.Context, jobID uuid.UUID) (*Progress, error) {
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	progress := &Progress{Job: job}
	if job.TotalRows != nil && *job.TotalRows > 0 {
		pct := float64(job.ProcessedRows) / float64(*job.TotalRows) * 100
		if pct > 100 {
			pct = 100
		}
		progress.Percent = &pct
	}
	return progress, nil
}

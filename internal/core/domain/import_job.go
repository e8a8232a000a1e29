package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job statuses. Transitions are monotonic except paused -> processing
// (resume); completed and failed are terminal.
const (
	StatusUploaded       = "uploaded"
	StatusProcessing     = "processing"
	StatusChunkCompleted = "chunk_completed"
	StatusPaused         = "paused"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
)

// ImportJob is the durable record of a single upload attempt. It is the only
// state that survives a crash or worker restart; the supervisor holding the
// claim token is its sole writer while the job is active.
type ImportJob struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	OwnerID       string    `gorm:"type:varchar(255);not null;index:idx_import_jobs_owner" json:"owner_id"`
	FileName      string    `gorm:"type:varchar(500);not null" json:"file_name"`
	FilePath      string    `gorm:"type:text;not null" json:"file_path"`
	FileSizeBytes int64     `gorm:"not null" json:"file_size_bytes"`
	Module        string    `gorm:"type:varchar(100);not null;index:idx_import_jobs_owner" json:"module"`
	ImportType    string    `gorm:"type:varchar(100)" json:"import_type,omitempty"`

	// Progress counters, monotonically non-decreasing while active.
	TotalRows      *int64 `gorm:"" json:"total_rows,omitempty"`
	ProcessedRows  int64  `gorm:"default:0" json:"processed_rows"`
	SuccessCount   int64  `gorm:"default:0" json:"success_count"`
	DuplicateCount int64  `gorm:"default:0" json:"duplicate_count"`
	ErrorCount     int64  `gorm:"default:0" json:"error_count"`

	// Resume position: byte offset into a CSV source, row index for XLSX.
	LastProcessedOffset int64 `gorm:"default:0" json:"last_processed_offset"`
	CurrentChunk        int   `gorm:"default:0" json:"current_chunk"`
	ChunkMetadata       JSONB `gorm:"type:jsonb" json:"chunk_metadata,omitempty"`

	Status   string   `gorm:"type:varchar(50);not null;default:'uploaded';index:idx_import_jobs_status" json:"status"`
	ErrorLog ErrorLog `gorm:"type:jsonb" json:"error_log,omitempty"`

	// Single-writer discipline: a live supervisor owns the claim token and
	// refreshes the heartbeat. A stale heartbeat makes the job reclaimable.
	ClaimToken  *uuid.UUID `gorm:"type:uuid" json:"-"`
	HeartbeatAt *time.Time `json:"-"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (ImportJob) TableName() string {
	return "import_jobs"
}

// BeforeCreate GORM hook - called before creating a record
func (j *ImportJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// IsTerminal reports whether no further processing may occur
func (j *ImportJob) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// ValidStatuses returns the list of valid job statuses
func ValidStatuses() []string {
	return []string{
		StatusUploaded,
		StatusProcessing,
		StatusChunkCompleted,
		StatusPaused,
		StatusCompleted,
		StatusFailed,
	}
}

// IsValidStatus checks if a status is valid
func IsValidStatus(status string) bool {
	for _, s := range ValidStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

var allowedTransitions = map[string][]string{
	StatusUploaded:       {StatusProcessing, StatusPaused, StatusFailed},
	StatusProcessing:     {StatusChunkCompleted, StatusPaused, StatusCompleted, StatusFailed},
	StatusChunkCompleted: {StatusProcessing, StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:         {StatusProcessing, StatusFailed},
	StatusCompleted:      {},
	StatusFailed:         {},
}

// CanTransition reports whether the job state machine allows from -> to
func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JSONB is a custom type for JSONB columns
type JSONB map[string]interface{}

// RowError records one rejected row. The error log is capped; ErrorCount
// stays authoritative for rows rejected beyond the cap.
type RowError struct {
	Row    int64  `json:"row"`
	Reason string `json:"reason"`
}

// ErrorLog is the bounded per-row error detail stored on the job
type ErrorLog []RowError

// Append adds entries up to cap entries total, dropping the overflow
func (l ErrorLog) Append(entries []RowError, cap int) ErrorLog {
	for _, e := range entries {
		if len(l) >= cap {
			break
		}
		l = append(l, e)
	}
	return l
}

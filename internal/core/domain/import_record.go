package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ImportRecord is a row accepted into a target dataset. The (module,
// dedup_key) unique index is what makes chunk replay after a partial
// checkpoint safe: a re-admitted row conflicts instead of duplicating.
type ImportRecord struct {
	ID       uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	Module   string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_records_module_key" json:"module"`
	DedupKey string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_records_module_key" json:"dedup_key"`
	JobID    uuid.UUID `gorm:"type:uuid;not null;index:idx_records_job" json:"job_id"`

	Name  string `gorm:"type:varchar(500);not null" json:"name"`
	Phone string `gorm:"type:varchar(30);not null" json:"phone"`

	// Remaining mapped columns, kept verbatim
	Fields JSONB `gorm:"type:jsonb" json:"fields,omitempty"`

	SourceRow int64     `gorm:"not null" json:"source_row"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for GORM
func (ImportRecord) TableName() string {
	return "import_records"
}

// BeforeCreate GORM hook
func (r *ImportRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

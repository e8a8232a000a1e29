package parsers

import "context"

// Row is one structural unit of the source file, decoded and normalized.
// Values holds the mapped semantic fields; Extra keeps unmapped columns
// verbatim under their header name.
type Row struct {
	Number int64
	Values map[string]string
	Extra  map[string]string

	// Invalid carries a parse-level rejection reason (e.g. a malformed CSV
	// line). Such rows still flow downstream so they are counted as errors
	// instead of silently vanishing.
	Invalid string
}

// Position is a restartable cursor into a source file. Offset is a byte
// offset aligned to a row boundary for CSV and a data-row index for
// spreadsheets. NextRow carries the absolute number of the next data row so
// numbering survives a resume.
type Position struct {
	Offset  int64 `json:"offset"`
	NextRow int64 `json:"next_row"`
}

// RowSource is a lazy, finite sequence of rows. Next returns io.EOF when the
// source is exhausted. Position reports the cursor just past the last
// returned row; resuming a new source from it must not re-deliver or skip
// any row. Safe to Close before exhaustion.
type RowSource interface {
	Next(ctx context.Context) (*Row, error)
	Position() Position
	Close() error
}

// Config holds shared parser settings
type Config struct {
	// SkipEmptyRows determines if empty rows should be skipped
	SkipEmptyRows bool

	// TrimWhitespace determines if cell values should be trimmed
	TrimWhitespace bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		SkipEmptyRows:  true,
		TrimWhitespace: true,
	}
}

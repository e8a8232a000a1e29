package parsers

import (
	"io"
	"path/filepath"
	"strings"

	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
)

// OpenFunc constructs a RowSource positioned at pos
type OpenFunc func(reader io.ReadSeekCloser, schema Schema, pos Position, cfg *Config) (RowSource, error)

// Factory selects the appropriate parser based on file extension
type Factory struct {
	config  *Config
	openers map[string]OpenFunc
}

// NewFactory creates a factory with the built-in CSV and spreadsheet parsers
func NewFactory(config *Config) *Factory {
	if config == nil {
		config = DefaultConfig()
	}

	factory := &Factory{
		config:  config,
		openers: make(map[string]OpenFunc),
	}

	factory.Register(".csv", func(r io.ReadSeekCloser, schema Schema, pos Position, cfg *Config) (RowSource, error) {
		return NewCSVSource(r, schema, pos, cfg)
	})

	xlsxOpen := func(r io.ReadSeekCloser, schema Schema, pos Position, cfg *Config) (RowSource, error) {
		return NewXLSXSource(r, schema, pos, cfg)
	}
	factory.Register(".xlsx", xlsxOpen)
	factory.Register(".xls", xlsxOpen)

	return factory
}

// Register adds an opener for a file extension
func (f *Factory) Register(ext string, open OpenFunc) {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	f.openers[ext] = open
}

// Open builds a RowSource for fileName positioned at pos. The reader stays
// owned by the returned source and is released by its Close.
func (f *Factory) Open(reader io.ReadSeekCloser, fileName string, schema Schema, pos Position) (RowSource, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	open, exists := f.openers[ext]
	if !exists {
		return nil, apperrors.UnsupportedFormat(ext)
	}
	return open(reader, schema, pos, f.config)
}

// IsSupported checks if a file extension is supported
func (f *Factory) IsSupported(fileName string) bool {
	_, exists := f.openers[strings.ToLower(filepath.Ext(fileName))]
	return exists
}

// IsCSV reports whether the file is delimited text, which supports the fast
// advisory row pre-count and byte-offset resume
func IsCSV(fileName string) bool {
	return strings.ToLower(filepath.Ext(fileName)) == ".csv"
}

package parsers

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
)

// CSVSource streams rows from a delimited text file. The resume token is a
// byte offset aligned to a row boundary, so a 900MB file never has to be
// reparsed from zero after a checkpoint.
type CSVSource struct {
	file    io.ReadSeekCloser
	reader  *csv.Reader
	columns map[int]FieldSpec
	header  []string
	cfg     *Config

	base    int64 // byte offset the csv reader counts from
	nextRow int64
}

// NewCSVSource reads the header, resolves the column mapping and positions
// the cursor at pos. The header is always parsed from the start of the file;
// only the data region is seeked over.
func NewCSVSource(file io.ReadSeekCloser, schema Schema, pos Position, cfg *Config) (*CSVSource, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to file start: %w", err)
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1 // Allow variable number of fields per record
	reader.TrimLeadingSpace = cfg.TrimWhitespace

	header, err := readHeader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	headerEnd := reader.InputOffset()

	columns, err := schema.MapColumns(header)
	if err != nil {
		return nil, err
	}

	src := &CSVSource{
		file:    file,
		reader:  reader,
		columns: columns,
		header:  header,
		cfg:     cfg,
		nextRow: pos.NextRow,
	}
	if src.nextRow == 0 {
		src.nextRow = 1
	}

	// Resume: jump straight to the saved row boundary and count offsets
	// from there. Offsets below the header end mean a fresh start.
	if pos.Offset > headerEnd {
		if _, err := file.Seek(pos.Offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek to resume offset %d: %w", pos.Offset, err)
		}
		src.base = pos.Offset
		src.reader = csv.NewReader(file)
		src.reader.FieldsPerRecord = -1
		src.reader.TrimLeadingSpace = cfg.TrimWhitespace
	}

	return src, nil
}

// readHeader returns the first non-empty row as column headers
func readHeader(reader *csv.Reader) ([]string, error) {
	for {
		row, err := reader.Read()
		if err != nil {
			return nil, err
		}
		if !isEmptyRow(row) {
			return row, nil
		}
	}
}

// Next returns the next data row, io.EOF when the file is exhausted
func (s *CSVSource) Next(ctx context.Context) (*Row, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := s.reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			// Malformed lines count as a row so error logs can point at them
			row := &Row{Number: s.nextRow, Invalid: fmt.Sprintf("malformed row: %v", err)}
			s.nextRow++
			return row, nil
		}

		if s.cfg.SkipEmptyRows && isEmptyRow(record) {
			continue
		}

		row := &Row{
			Number: s.nextRow,
			Values: make(map[string]string),
			Extra:  make(map[string]string),
		}
		s.nextRow++

		for i, cell := range record {
			if spec, ok := s.columns[i]; ok {
				row.Values[spec.Name] = normalizeCell(cell, spec, s.cfg)
			} else if i < len(s.header) {
				row.Extra[s.header[i]] = normalizeCell(cell, FieldSpec{}, s.cfg)
			}
		}

		return row, nil
	}
}

// Position reports the byte offset just past the last returned row
func (s *CSVSource) Position() Position {
	return Position{
		Offset:  s.base + s.reader.InputOffset(),
		NextRow: s.nextRow,
	}
}

// Close releases the underlying file
func (s *CSVSource) Close() error {
	return s.file.Close()
}

// CountCSVRows counts data rows with a fast line scan, without parsing. The
// result is advisory (progress display only) and must never gate
// correctness.
func CountCSVRows(r io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var lines int64
	var lastByte byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
			lastByte = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to count rows: %w", err)
		}
	}

	// Account for a final line without a trailing newline
	if lastByte != 0 && lastByte != '\n' {
		lines++
	}

	// Exclude the header row
	if lines > 0 {
		lines--
	}

	return lines, nil
}

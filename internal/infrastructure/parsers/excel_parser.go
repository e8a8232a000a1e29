package parsers

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// XLSXSource streams rows from the first sheet of a spreadsheet using the
// excelize row iterator. The resume token is a data-row index; resuming
// skips already-consumed rows without materializing the sheet.
type XLSXSource struct {
	file    *excelize.File
	rows    *excelize.Rows
	columns map[int]FieldSpec
	header  []string
	cfg     *Config

	consumed int64 // data rows consumed, the resume offset
	nextRow  int64
}

// NewXLSXSource opens the stream, maps the header and skips to pos
func NewXLSXSource(reader io.Reader, schema Schema, pos Position, cfg *Config) (*XLSXSource, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	f, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read spreadsheet: %w", err)
	}

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		f.Close()
		return nil, fmt.Errorf("no sheets found in spreadsheet")
	}

	rows, err := f.Rows(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to iterate sheet %s: %w", sheetName, err)
	}

	header, err := readXLSXHeader(rows)
	if err != nil {
		rows.Close()
		f.Close()
		return nil, err
	}

	columns, err := schema.MapColumns(header)
	if err != nil {
		rows.Close()
		f.Close()
		return nil, err
	}

	src := &XLSXSource{
		file:    f,
		rows:    rows,
		columns: columns,
		header:  header,
		cfg:     cfg,
		nextRow: pos.NextRow,
	}
	if src.nextRow == 0 {
		src.nextRow = 1
	}

	// Resume: advance the iterator past already-processed data rows
	for src.consumed < pos.Offset {
		if !rows.Next() {
			break
		}
		if _, err := rows.Columns(); err != nil {
			rows.Close()
			f.Close()
			return nil, fmt.Errorf("failed to skip to resume offset: %w", err)
		}
		src.consumed++
	}

	return src, nil
}

// readXLSXHeader returns the first non-empty row as column headers
func readXLSXHeader(rows *excelize.Rows) ([]string, error) {
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("failed to read header row: %w", err)
		}
		if !isEmptyRow(cells) {
			return cells, nil
		}
	}
	return nil, fmt.Errorf("spreadsheet has no header row")
}

// Next returns the next data row, io.EOF when the sheet is exhausted
func (s *XLSXSource) Next(ctx context.Context) (*Row, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if !s.rows.Next() {
			if err := s.rows.Error(); err != nil {
				return nil, fmt.Errorf("sheet iteration failed: %w", err)
			}
			return nil, io.EOF
		}
		s.consumed++

		cells, err := s.rows.Columns()
		if err != nil {
			row := &Row{Number: s.nextRow, Invalid: fmt.Sprintf("malformed row: %v", err)}
			s.nextRow++
			return row, nil
		}

		if s.cfg.SkipEmptyRows && isEmptyRow(cells) {
			continue
		}

		row := &Row{
			Number: s.nextRow,
			Values: make(map[string]string),
			Extra:  make(map[string]string),
		}
		s.nextRow++

		for i, cell := range cells {
			if spec, ok := s.columns[i]; ok {
				row.Values[spec.Name] = normalizeCell(cell, spec, s.cfg)
			} else if i < len(s.header) {
				row.Extra[s.header[i]] = normalizeCell(cell, FieldSpec{}, s.cfg)
			}
		}

		return row, nil
	}
}

// Position reports the data-row index just past the last returned row
func (s *XLSXSource) Position() Position {
	return Position{Offset: s.consumed, NextRow: s.nextRow}
}

// Close releases the iterator and the file
func (s *XLSXSource) Close() error {
	s.rows.Close()
	return s.file.Close()
}

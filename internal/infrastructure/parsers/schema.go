package parsers

import (
	"fmt"
	"strings"

	apperrors "github.com/alejandroruanova/bulk-import-service/internal/pkg/errors"
)

// FieldSpec describes one semantic field the import expects to find in the
// file header. Matches are case-insensitive substrings tried against each
// header cell, so "Telefone Celular" maps to phone via "telefone".
type FieldSpec struct {
	Name     string
	Matches  []string
	Required bool
	Phone    bool
}

// Schema is the set of semantic fields for a target module
type Schema struct {
	Fields []FieldSpec
}

// DefaultSchema covers the identity fields every module shares
func DefaultSchema() Schema {
	return Schema{Fields: []FieldSpec{
		{Name: "name", Matches: []string{"nome", "name", "cliente"}, Required: true},
		{Name: "phone", Matches: []string{"telefone", "phone", "celular", "fone"}, Required: true, Phone: true},
	}}
}

// MapColumns resolves header cells to field specs by fuzzy substring match.
// Returns a SchemaError naming the missing fields when a required field
// cannot be mapped; the job fails before any row is processed.
func (s Schema) MapColumns(header []string) (map[int]FieldSpec, error) {
	mapped := make(map[int]FieldSpec)
	found := make(map[string]bool)

	for idx, cell := range header {
		normalized := strings.ToLower(strings.TrimSpace(cell))
		if normalized == "" {
			continue
		}
		for _, spec := range s.Fields {
			if found[spec.Name] {
				continue
			}
			for _, match := range spec.Matches {
				if strings.Contains(normalized, match) {
					mapped[idx] = spec
					found[spec.Name] = true
					break
				}
			}
			if found[spec.Name] && mapped[idx].Name == spec.Name {
				break
			}
		}
	}

	var missing []string
	for _, spec := range s.Fields {
		if spec.Required && !found[spec.Name] {
			missing = append(missing, spec.Name)
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.SchemaError(
			fmt.Sprintf("required columns could not be mapped: %s", strings.Join(missing, ", ")))
	}

	return mapped, nil
}

// normalizeCell trims whitespace and surrounding quote characters; phone
// fields are reduced to their digits so formatting variants compare equal.
func normalizeCell(value string, spec FieldSpec, cfg *Config) string {
	if cfg.TrimWhitespace {
		value = strings.TrimSpace(value)
	}
	value = strings.Trim(value, `"'`)
	if spec.Phone {
		value = digitsOnly(value)
	}
	return value
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isEmptyRow checks if a row contains only empty strings
func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// KeyBuilder derives the normalized identity key used to detect duplicate
// entities. Two rows with equal keys are treated as the same real-world
// entity regardless of superficial formatting (case, accents, whitespace,
// phone punctuation).
//
// The composite is a heuristic, not a guaranteed business key: two distinct
// people can legitimately share a name and a household phone. That call
// belongs to stakeholders; here the key is just configuration.
type KeyBuilder struct {
	fields     []string
	accentFold transform.Transformer
}

// NewKeyBuilder builds keys from the given semantic fields, in order
func NewKeyBuilder(fields ...string) *KeyBuilder {
	if len(fields) == 0 {
		fields = []string{"name", "phone"}
	}
	return &KeyBuilder{
		fields:     fields,
		accentFold: transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
	}
}

// Fields returns the field names composing the key
func (b *KeyBuilder) Fields() []string {
	return b.fields
}

// Key computes the dedup key for a row's mapped values. The composite is
// hashed so the stored key has a fixed width regardless of field contents.
func (b *KeyBuilder) Key(values map[string]string) string {
	parts := make([]string, 0, len(b.fields))
	for _, field := range b.fields {
		parts = append(parts, b.normalize(values[field]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// normalize lowercases, strips accents and collapses internal whitespace
func (b *KeyBuilder) normalize(value string) string {
	folded, _, err := transform.String(b.accentFold, value)
	if err == nil {
		value = folded
	}
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

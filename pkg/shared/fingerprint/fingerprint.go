// Package fingerprint provides deterministic identifiers for threats so that
// the same threat produced by two runs over the same DFD receives the same id.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Type represents the kind of record being fingerprinted.
type Type string

const (
	// TypeThreat is for final catalog entries (one per cluster representative).
	TypeThreat Type = "threat"

	// TypeImport is for candidates read from a prior-stage threat list.
	TypeImport Type = "import"

	// TypeQuery is for cache keys derived from free-text queries.
	TypeQuery Type = "query"
)

// Input contains the data needed to generate a fingerprint.
// Not all fields are required - only the relevant ones for the type.
type Input struct {
	// Type of record (threat, import, query)
	Type Type

	ComponentRef   string // Canonical component id
	StrideCategory string // STRIDE category name
	Description    string // Threat description or query text

	// Position of the row in its source file, for imports
	Row int
}

// Generate creates a fingerprint for the given input.
// The fingerprint is a SHA256 hash (64 hex characters).
//
// The algorithm varies by type:
//   - Threat: component + category + normalized description
//   - Import: row + component + category + normalized description (the same
//     text may legitimately appear twice in a prior-stage file)
//   - Query: normalized text only
func Generate(input Input) string {
	var data string

	switch input.Type {
	case TypeThreat:
		data = fmt.Sprintf("threat:%s:%s:%s",
			normalize(input.ComponentRef),
			normalize(input.StrideCategory),
			normalizeText(input.Description),
		)

	case TypeImport:
		data = fmt.Sprintf("import:%d:%s:%s:%s",
			input.Row,
			normalize(input.ComponentRef),
			normalize(input.StrideCategory),
			normalizeText(input.Description),
		)

	default:
		data = fmt.Sprintf("query:%s", normalizeText(input.Description))
	}

	return Hash(data)
}

// GenerateThreat creates a fingerprint for a final catalog entry.
func GenerateThreat(componentRef, category, description string) string {
	return Generate(Input{
		Type:           TypeThreat,
		ComponentRef:   componentRef,
		StrideCategory: category,
		Description:    description,
	})
}

// GenerateImport creates a fingerprint for an imported candidate row.
func GenerateImport(row int, componentRef, category, description string) string {
	return Generate(Input{
		Type:           TypeImport,
		Row:            row,
		ComponentRef:   componentRef,
		StrideCategory: category,
		Description:    description,
	})
}

// GenerateQuery creates a cache key for a free-text query.
func GenerateQuery(query string) string {
	return Generate(Input{Type: TypeQuery, Description: query})
}

// Hash computes SHA256 hash of the input string.
// Returns 64 hex characters.
func Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 characters of a fingerprint, for display.
func Short(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}

// normalize cleans up an identifier for consistent fingerprinting.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeText lowercases and collapses all whitespace runs to one space,
// so re-wrapped descriptions fingerprint the same.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

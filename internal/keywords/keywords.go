// Package keywords normalizes free-text search term and country input
// into the ordered, deduplicated sequences a scan iterates over.
package keywords

import (
	"errors"
	"strings"
)

// Input limits match the scan schema: a scan matrix is capped at 10x10.
const (
	MaxKeywords  = 10
	MaxCountries = 10
)

var (
	ErrTooManyKeywords  = errors.New("keywords: at most 10 keywords per scan")
	ErrTooManyCountries = errors.New("keywords: at most 10 countries per scan")
)

// Split tokenizes a raw free-text input. Comma and newline are both
// separators, consecutive separators collapse, and tokens are trimmed.
// Empty tokens are dropped.
func Split(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Normalize deduplicates tokens case-insensitively, preserving the order
// and casing of first occurrence. Each value may itself contain comma or
// newline separated terms.
func Normalize(values []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, value := range values {
		for _, token := range Split(value) {
			key := strings.ToLower(token)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, token)
		}
	}
	return out
}

// NormalizeCountries uppercases country codes before deduplication, so
// "de" and "DE" collapse to a single "DE" entry.
func NormalizeCountries(values []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, value := range values {
		for _, token := range Split(value) {
			code := strings.ToUpper(token)
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			out = append(out, code)
		}
	}
	return out
}

// ValidateCounts enforces the per-scan matrix limits.
func ValidateCounts(kws, countries []string) error {
	if len(kws) > MaxKeywords {
		return ErrTooManyKeywords
	}
	if len(countries) > MaxCountries {
		return ErrTooManyCountries
	}
	return nil
}

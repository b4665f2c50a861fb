// Package textx provides small text utilities used across the project.
package textx

import (
	"strconv"
	"strings"
	"unicode"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeAnswer canonicalizes an answer string for comparison and cache
// fingerprinting: lowercase, strip punctuation, collapse whitespace, trim.
// Cosmetically different but semantically identical answers normalize to the
// same string.
func NormalizeAnswer(s string) string {
	runes := []rune(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(runes))
	lastSpace := true
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case r == '-':
			// keep separators inside tokens (well-known, 2023-01) and a
			// sign directly before a digit (-5)
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(r)
				lastSpace = false
			} else if i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
				b.WriteRune(r)
				lastSpace = false
			}
		case r == '.' || r == ',':
			// keep separators inside numbers (3.14, 1,000)
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(r)
				lastSpace = false
			}
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// punctuation: treat as a word boundary
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	// a leading sign is only ever written before a digit, so trimming
	// '-' from the left would undo it
	return strings.TrimLeft(strings.TrimRight(b.String(), " .,-"), " .,")
}

// ParseNumeric attempts to parse a normalized answer as a number, tolerating
// thousands separators.
func ParseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Truncate shortens s to maxLen, adding an ellipsis when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

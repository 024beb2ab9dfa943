package usecase

import (
	"strings"
	"unicode"
)

// SplitUtterances breaks a reply into sentence units. A unit ends at '.', '!'
// or '?' followed by whitespace; units are trimmed and empties dropped.
func SplitUtterances(text string) []string {
	var units []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isSentenceEnd(runes[i]) {
			continue
		}
		if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			units = appendUnit(units, string(runes[start:i+1]))
			start = i + 1
		}
	}
	return appendUnit(units, string(runes[start:]))
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func appendUnit(units []string, unit string) []string {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return units
	}
	return append(units, unit)
}

package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	MaxDisplayNameLength = 32
	DefaultDisplayName   = "Player"
)

// NormalizeDisplayName returns the NFC form of name with control characters
// removed, whitespace collapsed and length capped.
func NormalizeDisplayName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, norm.NFC.String(name))

	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return DefaultDisplayName
	}
	runes := []rune(cleaned)
	if len(runes) > MaxDisplayNameLength {
		cleaned = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return cleaned
}

// Package utils provides shared utilities for text and logging.
package utils

// Truncate returns at most maxLen runes of s, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	clipped := Clip(s, maxLen)
	if len(clipped) == len(s) {
		return s
	}
	return clipped + "..."
}

// Clip returns at most maxRunes runes of s without splitting a UTF-8 sequence.
// If maxRunes is 0 or negative, returns s unchanged.
func Clip(s string, maxRunes int) string {
	if maxRunes <= 0 || len(s) <= maxRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i]
		}
		n++
	}
	return s
}

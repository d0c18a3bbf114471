// Package chunk splits outbound text into transport-sized parts.
package chunk

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Split breaks text into parts of at most maxLen runes, cutting at the last
// newline, else after the last ". ", else at the last space inside the
// window, else hard at maxLen. Whitespace around each cut is trimmed. Text
// that already fits is returned unchanged as a single part. maxLen <= 0
// disables splitting. The result always has at least one element; long
// whitespace-only text yields a single empty part.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	rest := []rune(text)
	for len(rest) > 0 {
		if len(rest) <= maxLen {
			parts = append(parts, string(rest))
			break
		}
		cut := cutIndex(rest[:maxLen])
		if head := trimRunes(rest[:cut]); len(head) > 0 {
			parts = append(parts, string(head))
		}
		rest = trimRunes(rest[cut:])
	}
	if len(parts) == 0 {
		return []string{""}
	}
	return parts
}

// cutIndex picks where to end the next part inside window. The result is
// always in [1, len(window)].
func cutIndex(window []rune) int {
	if i := lastIndex(window, "\n"); i > 0 {
		return i
	}
	if i := lastIndex(window, ". "); i > 0 {
		return i + 1
	}
	if i := lastIndex(window, " "); i > 0 {
		return i
	}
	return len(window)
}

func trimRunes(r []rune) []rune {
	start, end := 0, len(r)
	for start < end && unicode.IsSpace(r[start]) {
		start++
	}
	for end > start && unicode.IsSpace(r[end-1]) {
		end--
	}
	return r[start:end]
}

func lastIndex(window []rune, sep string) int {
	s := []rune(sep)
	for i := len(window) - len(s); i >= 0; i-- {
		match := true
		for j := range s {
			if window[i+j] != s[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Marker is the prefix put on part i of total.
func Marker(i, total int) string {
	return fmt.Sprintf("📄 Part %d/%d\n\n", i, total)
}

// Label prefixes every part with its position when there is more than one.
func Label(parts []string) []string {
	if len(parts) <= 1 {
		return parts
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = Marker(i+1, len(parts)) + p
	}
	return out
}

// Prepare splits and labels text so that every labelled part still fits in
// maxLen runes. The marker budget grows until the part count stops needing
// more digits.
func Prepare(text string, maxLen int) []string {
	parts := Split(text, maxLen)
	if len(parts) <= 1 {
		return parts
	}
	reserve := 0
	for {
		need := utf8.RuneCountInString(Marker(len(parts), len(parts)))
		if need <= reserve {
			break
		}
		reserve = need
		if maxLen-reserve < 1 {
			break
		}
		parts = Split(text, maxLen-reserve)
	}
	return Label(parts)
}

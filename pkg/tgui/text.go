package tgui

import "unicode/utf8"

// TruncRunes caps s at n runes, marking a cut with "…". Keyboard button
// labels and list rows use it so multibyte titles never split mid-rune.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i] + "…"
		}
		seen++
	}
	return s
}

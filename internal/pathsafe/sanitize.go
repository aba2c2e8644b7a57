// Package pathsafe sanitizes strings for use as path segments or filenames,
// shared by the fingerprinter (C1) and the recording store (C2) so both
// follow the same "what is a safe filename character" rule.
package pathsafe

import "strings"

const illegal = "<>:\"/\\|?*"

// Sanitize replaces filesystem-illegal or control characters with '_'.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegal, r) || r < 0x20 {
			return '_'
		}
		return r
	}, s)
}

// Package similarity scores how alike two normalized patient names are.
package similarity

import (
	"unicode/utf8"

	"github.com/hbollon/go-edlib"
)

// Ratio returns the indel similarity of a and b in [0, 1]:
// 2*LCS(a, b) / (len(a) + len(b)), counted in runes. Identical strings
// (including two empty strings) score 1, strings sharing no character score 0.
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 1
	}
	return float64(2*edlib.LCS(a, b)) / float64(total)
}

// AtLeast reports whether Ratio(a, b) >= threshold.
func AtLeast(a, b string, threshold float64) bool {
	if threshold <= 0 {
		return true
	}
	return Ratio(a, b) >= threshold
}

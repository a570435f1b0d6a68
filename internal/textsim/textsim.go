// Package textsim holds local text heuristics: normalization, bigram similarity,
// log previews and a reply-worth scorer.
package textsim

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Normalize lowercases s and collapses whitespace runs to single spaces.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func bigrams(s string) (map[string]int, int) {
	r := []rune(strings.ReplaceAll(s, " ", ""))
	m := make(map[string]int, len(r))
	n := 0
	for i := 0; i+1 < len(r); i++ {
		m[string(r[i:i+2])]++
		n++
	}
	return m, n
}

// Dice returns the character-bigram Dice coefficient of the normalized texts, in [0,1].
func Dice(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == b {
		return 1
	}
	ba, na := bigrams(a)
	bb, nb := bigrams(b)
	if na == 0 || nb == 0 {
		return 0
	}
	inter := 0
	for g, ca := range ba {
		inter += min(ca, bb[g])
	}
	return 2 * float64(inter) / float64(na+nb)
}

// Preview flattens s to one line and truncates it to width display cells.
func Preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "…")
}

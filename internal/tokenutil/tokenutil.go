// Package tokenutil gives a cheap token estimate for text the provider has
// not counted: session transcripts, skill bodies, anything sized before an
// API call. It is a heuristic, not a tokenizer.
package tokenutil

import "strings"

// Estimate returns an approximate token count. English prose averages about
// 1.33 tokens per word; dense text and code run closer to one token per
// four characters, so the larger of the two estimates is used.
func Estimate(content string) int {
	if content == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(content))) * 1.33)
	chars := len(content) / 4
	if words > chars {
		return words
	}
	return chars
}

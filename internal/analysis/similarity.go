package analysis

import "strings"

// NGramJaccard computes the Jaccard similarity of the character n-gram
// sets of two strings. Whitespace runs are collapsed first so formatting
// differences do not mask duplicated content. Returns a value in [0, 1].
func NGramJaccard(a, b string, n int) float64 {
	if n <= 0 {
		n = 3
	}
	setA := ngrams(collapseSpace(a), n)
	setB := ngrams(collapseSpace(b), n)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	inter := 0
	for g := range setA {
		if _, ok := setB[g]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func ngrams(s string, n int) map[string]struct{} {
	out := make(map[string]struct{})
	runes := []rune(s)
	if len(runes) < n {
		if len(runes) > 0 {
			out[string(runes)] = struct{}{}
		}
		return out
	}
	for i := 0; i+n <= len(runes); i++ {
		out[string(runes[i:i+n])] = struct{}{}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

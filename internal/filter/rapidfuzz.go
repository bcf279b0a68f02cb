package filter

import "strings"

// tokenRatio computes a fast, sound over-estimate of the detailed matcher's
// similarity (spec §4.6): 2*matches / (presentTokens+stmTokens), where
// presentTokens is the matched span's token count, not the candidate's full
// token count. Computing the real matched span requires running the
// matcher's LCS-style block search, which this stage deliberately avoids for
// speed; instead it bounds presentTokens from below by matches itself (a
// matched span can never be shorter than the tokens it contains), which
// bounds the resulting ratio from above by the true similarity. That keeps
// the stage sound for filtering (spec §8.1 property 11: it never rejects a
// candidate the detailed matcher would keep) at the cost of sometimes
// admitting a candidate the detailed matcher then scores below
// recall_threshold — the later C6/C7/C8 pass resolves that precisely, so an
// over-admitted candidate costs extra work, not correctness. See DESIGN.md's
// rapidfuzz entry for the worked example this replaced a denominator bug on.
func tokenRatio(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	countsA := multiset(a)
	countsB := multiset(b)

	matches := 0
	for tok, ca := range countsA {
		cb := countsB[tok]
		if cb < ca {
			matches += cb
		} else {
			matches += ca
		}
	}
	denom := matches + len(b)
	if denom == 0 {
		return 0.0
	}
	return 2 * float64(matches) / float64(denom)
}

func multiset(tokens []string) map[string]int {
	m := make(map[string]int, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}

// charRatio computes the character-level fuzzy similarity (spec §4.5): a
// cheaper, looser approximation using bigram Jaccard overlap over the
// concatenated token strings, grounded on the n-gram jaccardSimilarity
// idiom used elsewhere in the example corpus for semantic-cache matching.
func charRatio(a, b []string) float64 {
	bigramsA := bigramSet(strings.Join(a, ""))
	bigramsB := bigramSet(strings.Join(b, ""))
	if len(bigramsA) == 0 && len(bigramsB) == 0 {
		return 1.0
	}
	if len(bigramsA) == 0 || len(bigramsB) == 0 {
		return 0.0
	}

	inter := 0
	for g := range bigramsA {
		if _, ok := bigramsB[g]; ok {
			inter++
		}
	}
	union := len(bigramsA) + len(bigramsB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func bigramSet(s string) map[string]struct{} {
	if len(s) < 2 {
		if len(s) == 0 {
			return map[string]struct{}{}
		}
		return map[string]struct{}{s: {}}
	}
	set := make(map[string]struct{}, len(s)-1)
	for i := 0; i < len(s)-1; i++ {
		set[s[i:i+2]] = struct{}{}
	}
	return set
}

// FuzzyRatio dispatches to token- or char-level mode (spec §4.5's
// use_token_matching knob).
func FuzzyRatio(a, b []string, useTokenMatching bool) float64 {
	if useTokenMatching {
		return tokenRatio(a, b)
	}
	return charRatio(a, b)
}

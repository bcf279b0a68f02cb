// Package metrics implements the metrics computer (C7): the closed-form
// similarity-adjacent scores spec §4.7 defines over a matcher.Outcome.
// Evidence, Confidence, SNR, Confluence and PredictiveInformation report a
// zero denominator as ErrDivideByZero (spec §9's "sum-typed result instead
// of exceptions"); the other metrics return a plain float64, and
// ITFDFSimilarity and GrandHamiltonian return 0 when their ensemble or
// global total is 0.
package metrics

import (
	"errors"
	"math"

	"github.com/sevakavakians/kato/internal/katoid"
	"github.com/sevakavakians/kato/internal/matcher"
)

// ErrDivideByZero is raised by any formula whose denominator is zero. The
// prediction assembler drops the offending candidate and logs it rather
// than aborting the whole get_predictions call (spec §7).
var ErrDivideByZero = errors.New("metrics: divide by zero")

// Evidence is |matches| / |pattern_tokens|.
func Evidence(out matcher.Outcome) (float64, error) {
	if out.PatternTokens == 0 {
		return 0, ErrDivideByZero
	}
	return float64(len(out.Matches)) / float64(out.PatternTokens), nil
}

// Confidence is |matches| / |present_tokens|.
func Confidence(out matcher.Outcome) (float64, error) {
	if out.PresentTokens == 0 {
		return 0, ErrDivideByZero
	}
	return float64(len(out.Matches)) / float64(out.PresentTokens), nil
}

// SNR is (2|matches| - |extras|) / (2|matches| + |extras|), +1 when there
// are no extras.
func SNR(out matcher.Outcome) (float64, error) {
	m := float64(len(out.Matches))
	e := float64(len(out.Extras))
	denom := 2*m + e
	if denom == 0 {
		return 0, ErrDivideByZero
	}
	return (2*m - e) / denom, nil
}

// Fragmentation is (number of matching blocks) - 1.
func Fragmentation(out matcher.Outcome) float64 {
	return float64(out.MatchingBlocks - 1)
}

// symbolCounts tallies symbol occurrences (with multiplicity) across events.
func symbolCounts(events []katoid.Event) map[string]int {
	counts := make(map[string]int)
	for _, e := range events {
		for _, s := range e {
			counts[s]++
		}
	}
	return counts
}

// shannonEntropy is base-2 Shannon entropy of a discrete distribution given
// as raw (non-negative) counts.
func shannonEntropy(counts map[string]int) float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// Entropy is the Shannon entropy, base-2, of the symbol distribution of
// the present segment.
func Entropy(out matcher.Outcome) float64 {
	return shannonEntropy(symbolCounts(out.Present))
}

// localProbabilities turns STM events into a per-symbol frequency table,
// the "counts within the STM state" spec §4.7 asks hamiltonian to use.
func localProbabilities(stmEvents []katoid.Event) map[string]float64 {
	counts := symbolCounts(stmEvents)
	total := 0
	for _, c := range counts {
		total += c
	}
	probs := make(map[string]float64, len(counts))
	if total == 0 {
		return probs
	}
	for s, c := range counts {
		probs[s] = float64(c) / float64(total)
	}
	return probs
}

// entropySummand sums -p(s)*log2(p(s)) over the matched symbols only, using
// the supplied probability table — the "local entropy summand" spec §4.7
// describes for hamiltonian/grand_hamiltonian, evaluated over what the
// pattern actually matched rather than the whole alphabet.
func entropySummand(matches []string, probs map[string]float64) float64 {
	h := 0.0
	for _, s := range matches {
		p, ok := probs[s]
		if !ok || p <= 0 {
			continue
		}
		h -= p * math.Log2(p)
	}
	return h
}

// Hamiltonian is the local entropy summand over matched symbols, weighted
// by their frequency within the current STM.
func Hamiltonian(out matcher.Outcome, stmEvents []katoid.Event) float64 {
	return entropySummand(out.Matches, localProbabilities(stmEvents))
}

// GrandHamiltonian is the same summand, weighted by globally cached
// symbol probabilities across the kb_id (spec §5's symbol-probability
// cache) instead of the local STM.
func GrandHamiltonian(out matcher.Outcome, globalCounts map[string]uint64, globalTotal uint64) float64 {
	if globalTotal == 0 {
		return 0
	}
	probs := make(map[string]float64, len(globalCounts))
	for s, c := range globalCounts {
		probs[s] = float64(c) / float64(globalTotal)
	}
	return entropySummand(out.Matches, probs)
}

// Confluence is P(pattern seen) * (1 - P_random(pattern)): how strongly the
// pattern's observed frequency, discounted by the chance its tokens would
// co-occur at random, supports it as a real regularity rather than noise.
// P(pattern seen) uses a saturating frequency->probability map (freq /
// (freq+1)) so a pattern seen once already carries meaningful weight
// without needing the ensemble total. P_random is the product of each
// present-segment token's independent global occurrence probability.
func Confluence(out matcher.Outcome, frequency uint64, globalCounts map[string]uint64, globalTotal uint64) (float64, error) {
	if globalTotal == 0 {
		return 0, ErrDivideByZero
	}
	pSeen := float64(frequency) / float64(frequency+1)

	seen := make(map[string]struct{})
	pRandom := 1.0
	for _, e := range out.Present {
		for _, s := range e {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			p := float64(globalCounts[s]) / float64(globalTotal)
			pRandom *= p
		}
	}
	return pSeen * (1 - pRandom), nil
}

// ITFDFSimilarity is 1 - (distance*frequency / sum_frequencies_in_ensemble),
// where distance is 1-similarity. sumFrequencies is the sum of frequencies
// across the candidate set being assembled for this get_predictions call
// (the "ensemble" spec §4.7 refers to). Returns 0 if the ensemble sum is 0.
func ITFDFSimilarity(out matcher.Outcome, frequency, sumFrequencies uint64) float64 {
	if sumFrequencies == 0 {
		return 0
	}
	distance := 1 - out.Similarity
	return 1 - (distance * float64(frequency) / float64(sumFrequencies))
}

// PredictiveInformation estimates this pattern's contribution to
// predicting its own future: the fraction of the pattern's tokens that
// remain unconsumed (the future segment), normalized to [0,1]. A pattern
// fully matched with no future segment carries none.
func PredictiveInformation(out matcher.Outcome) (float64, error) {
	if out.PatternTokens == 0 {
		return 0, ErrDivideByZero
	}
	futureTokens := 0
	for _, e := range out.Future {
		futureTokens += len(e)
	}
	return float64(futureTokens) / float64(out.PatternTokens), nil
}

// Potential is similarity * predictive_information, the primary ranking
// score.
func Potential(similarity, predictiveInformation float64) float64 {
	return similarity * predictiveInformation
}

// Package minhash implements the MinHash sketch and LSH banding used by the
// filter pipeline's "minhash" stage (spec §4.5), hashed with
// cespare/xxhash/v2 rather than crypto/* since the hash family needs to be
// cheap and non-cryptographic, not secure.
package minhash

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Sketch is a fixed-size MinHash signature over a token set.
type Sketch []uint64

// Params bundles the bands/rows/num_hashes triple, whose product invariant
// (bands*rows == num_hashes) is validated by internal/config.
type Params struct {
	NumHashes uint32
	Bands     uint32
	Rows      uint32
}

// Compute builds a MinHash sketch of the given token set using NumHashes
// independent seeded hash functions. Deterministic: identical token sets
// produce identical sketches on any run.
func Compute(tokens []string, p Params) Sketch {
	sketch := make(Sketch, p.NumHashes)
	for i := range sketch {
		sketch[i] = math.MaxUint64
	}
	for _, tok := range tokens {
		for i := uint32(0); i < p.NumHashes; i++ {
			h := seededHash(tok, i)
			if h < sketch[i] {
				sketch[i] = h
			}
		}
	}
	return sketch
}

// seededHash hashes tok under seed i by hashing the 4-byte seed prefix
// concatenated with tok, giving NumHashes independent-enough permutations
// from a single hash primitive.
func seededHash(tok string, seed uint32) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], seed)
	d := xxhash.New()
	d.Write(buf[:])
	d.Write([]byte(tok))
	return d.Sum64()
}

// Bands splits a sketch into B band-hashes, each the hash of R consecutive
// sketch entries (spec §3: lsh_bands, B=20, R=5, H=B*R).
func Bands(sketch Sketch, p Params) []uint64 {
	bands := make([]uint64, p.Bands)
	for b := uint32(0); b < p.Bands; b++ {
		start := b * p.Rows
		end := start + p.Rows
		h := xxhash.New()
		for _, v := range sketch[start:end] {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], v)
			h.Write(buf[:])
		}
		bands[b] = h.Sum64()
	}
	return bands
}

// EstimatedJaccard returns the fraction of matching sketch positions
// between two sketches of equal length, the stage-2 in-process re-score
// (spec §4.5).
func EstimatedJaccard(a, b Sketch) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	matches := 0
	for i := range a {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// SharesBand reports whether two band-hash slices share at least one band
// at the same band index — the stage-1 db-side predicate (spec §4.5).
func SharesBand(a, b []uint64) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			return true
		}
	}
	return false
}

// RetentionProbability returns the probability that a pair with true
// Jaccard similarity j is retained by LSH banding with the given params:
// 1 - (1 - j^rows)^bands.
func RetentionProbability(j float64, p Params) float64 {
	return 1 - math.Pow(1-math.Pow(j, float64(p.Rows)), float64(p.Bands))
}

// InflectionPoint returns the Jaccard value at which RetentionProbability
// crosses 0.5 for the given params, found by bisection since the closed
// form is not convenient to invert analytically.
func InflectionPoint(p Params) float64 {
	lo, hi := 0.0, 1.0
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if RetentionProbability(mid, p) < 0.5 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// BelowInflection reports whether threshold sits below the warning regime's
// inflection curve for the given params (spec §4.5 correctness warning).
func BelowInflection(threshold float64, p Params) bool {
	return threshold < InflectionPoint(p)
}

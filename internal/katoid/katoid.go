// Package katoid defines the canonical in-memory symbol/event/pattern types
// and the deterministic naming scheme built on top of them (spec §4.1).
package katoid

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
)

// Symbol is an atomic string token, possibly of the form "VCTR|<hex>" when
// derived from a vector.
type Symbol = string

// VectorPrefix marks a symbol as derived from a dense vector.
const VectorPrefix = "VCTR|"

// PatternPrefix marks a pattern's deterministic name.
const PatternPrefix = "PTRN|"

// Event is an ordered tuple of symbols. SortEvent puts it into the
// bytewise-lexicographic order patterns and STM require before persistence.
type Event []Symbol

// SortEvent returns a new Event with symbols in alphanumeric (bytewise,
// case-sensitive) order, per spec §3.
func SortEvent(e Event) Event {
	out := make(Event, len(e))
	copy(out, e)
	sort.Strings(out)
	return out
}

// Pattern is a finite ordered sequence of Events.
type Pattern struct {
	Events []Event
}

// Length returns the event count L.
func (p Pattern) Length() int { return len(p.Events) }

// TotalTokens sums symbol counts across all events.
func (p Pattern) TotalTokens() int {
	n := 0
	for _, e := range p.Events {
		n += len(e)
	}
	return n
}

// Tokens returns the sorted-unique projection of every symbol across events,
// used as the pattern's filterable token set (spec §3).
func (p Pattern) Tokens() []string {
	seen := make(map[string]struct{})
	for _, e := range p.Events {
		for _, s := range e {
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Canonical returns the deterministic byte serialization of the event list:
// events in original order, symbols within each event already assumed
// sorted by the caller. Delimited by sentinel separators that
// cannot appear in a bare symbol ("\x1e" event separator, "\x1f" symbol
// separator) so no two distinct event lists can collide.
func Canonical(events []Event) []byte {
	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte(0x1e)
		}
		for j, s := range e {
			if j > 0 {
				b.WriteByte(0x1f)
			}
			b.WriteString(s)
		}
	}
	return []byte(b.String())
}

// PatternName computes "PTRN|" + lower-hex SHA-1 of Canonical(events). The
// caller must have already sorted each event's symbols if
// sort_symbols_within_event applies; PatternName does not sort for the
// caller, since STM vs. pattern canonicalization share this one function
// and must agree byte-for-byte (spec §4.1).
func PatternName(events []Event) string {
	return PatternPrefix + hexSHA1(Canonical(events))
}

// VectorSymbol computes "VCTR|" + lower-hex SHA-1 of a vector's canonical
// byte form (its float64 components in order, fixed width, big-endian —
// see CanonicalVectorBytes).
func VectorSymbol(vector []float64) Symbol {
	return VectorPrefix + hexSHA1(CanonicalVectorBytes(vector))
}

// CanonicalVectorBytes serializes a vector deterministically: each
// component as its IEEE-754 bit pattern, big-endian, fixed 8 bytes, so
// equal vectors (including -0 vs 0 after normalization by the caller)
// produce identical bytes across platforms.
func CanonicalVectorBytes(vector []float64) []byte {
	out := make([]byte, 0, len(vector)*8)
	for _, v := range vector {
		out = appendFloat64BE(out, v)
	}
	return out
}

func hexSHA1(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

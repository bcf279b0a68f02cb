// Package matcher implements the detailed sequence matcher (C6): a
// longest-common-subsequence-of-matching-blocks algorithm (difflib-style
// Ratcliff/Obershelp) over flattened symbol streams, deriving
// past/present/future/missing/extras (spec §4.6).
package matcher

import "github.com/sevakavakians/kato/internal/katoid"

// Outcome is the result of matching one candidate pattern against the
// current STM.
type Outcome struct {
	Matches          []string
	FirstMatchEvent  int
	LastMatchEvent   int
	Past             []katoid.Event
	Present          []katoid.Event
	Future           []katoid.Event
	Missing          []string
	Extras           []string
	Similarity       float64
	PresentTokens    int
	PatternTokens    int
	STMTokens        int
	MatchingBlocks   int
}

// Match compares stmEvents against patternEvents. The second return value
// is false if the pattern yields zero matches — per spec §4.6, a
// zero-match pattern is never returned regardless of threshold, so
// callers must check it before using Outcome.
func Match(stmEvents, patternEvents []katoid.Event) (Outcome, bool) {
	patternFlat, patternEventIdx := flatten(patternEvents)
	stmFlat, _ := flatten(stmEvents)

	blocks := matchingBlocks(patternFlat, stmFlat)
	if len(blocks) == 0 {
		return Outcome{}, false
	}

	var matches []string
	firstEvent, lastEvent := -1, -1
	for _, blk := range blocks {
		for k := 0; k < blk.size; k++ {
			pos := blk.aStart + k
			matches = append(matches, patternFlat[pos])
			ev := patternEventIdx[pos]
			if firstEvent == -1 || ev < firstEvent {
				firstEvent = ev
			}
			if ev > lastEvent {
				lastEvent = ev
			}
		}
	}
	if len(matches) == 0 {
		return Outcome{}, false
	}

	past := patternEvents[:firstEvent]
	present := patternEvents[firstEvent : lastEvent+1]
	future := patternEvents[lastEvent+1:]

	stmTokenSet := make(map[string]struct{})
	for _, e := range stmEvents {
		for _, s := range e {
			stmTokenSet[s] = struct{}{}
		}
	}

	var missing []string
	for _, event := range present {
		for _, sym := range event {
			if _, ok := stmTokenSet[sym]; !ok {
				missing = append(missing, sym)
			}
		}
	}

	var extras []string
	n := len(stmEvents)
	if len(present) < n {
		n = len(present)
	}
	for i := 0; i < n; i++ {
		presentSet := make(map[string]struct{}, len(present[i]))
		for _, sym := range present[i] {
			presentSet[sym] = struct{}{}
		}
		for _, sym := range stmEvents[i] {
			if _, ok := presentSet[sym]; !ok {
				extras = append(extras, sym)
			}
		}
	}

	presentTokens := 0
	for _, e := range present {
		presentTokens += len(e)
	}
	stmTokens := 0
	for _, e := range stmEvents {
		stmTokens += len(e)
	}
	patternTokens := len(patternFlat)

	similarity := 0.0
	if denom := presentTokens + stmTokens; denom > 0 {
		similarity = 2 * float64(len(matches)) / float64(denom)
	}

	return Outcome{
		Matches:         matches,
		FirstMatchEvent: firstEvent,
		LastMatchEvent:  lastEvent,
		Past:            past,
		Present:         present,
		Future:          future,
		Missing:         missing,
		Extras:          extras,
		Similarity:      similarity,
		PresentTokens:   presentTokens,
		PatternTokens:   patternTokens,
		STMTokens:       stmTokens,
		MatchingBlocks:  len(blocks),
	}, true
}

func flatten(events []katoid.Event) ([]string, []int) {
	var flat []string
	var eventIdx []int
	for i, e := range events {
		for _, s := range e {
			flat = append(flat, s)
			eventIdx = append(eventIdx, i)
		}
	}
	return flat, eventIdx
}

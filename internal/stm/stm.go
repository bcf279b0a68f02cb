// Package stm implements the short-term memory buffer (C3): append with
// intra-event sort and auto-learn triggering, clear, and immutable
// snapshots (spec §4.2).
package stm

import "github.com/sevakavakians/kato/internal/katoid"

// STM is the ordered sequence of events currently accumulated in a
// session. The zero value is an empty STM ready to use.
type STM struct {
	events []katoid.Event
}

// New returns an empty STM.
func New() *STM {
	return &STM{}
}

// AppendResult reports what Append did, so the caller (the processor) can
// decide whether to trigger auto-learn.
type AppendResult struct {
	// Dropped is true if the event was empty after sorting and was not
	// appended (spec invariant: STM never contains empty events).
	Dropped bool
	// ReachedMaxLength is true if, after appending, len(STM) equals
	// maxPatternLength (and maxPatternLength > 0), signalling the caller
	// should run auto-learn.
	ReachedMaxLength bool
}

// Append adds event to the STM. If sortSymbols, the event is sorted into
// alphanumeric order first. An empty event (after sorting — sorting never
// changes emptiness) is dropped, never stored. maxPatternLength of 0 means
// unbounded/manual; otherwise ReachedMaxLength fires the moment STM length
// equals it.
func (s *STM) Append(event katoid.Event, sortSymbols bool, maxPatternLength uint32) AppendResult {
	e := event
	if sortSymbols {
		e = katoid.SortEvent(event)
	}
	if len(e) == 0 {
		return AppendResult{Dropped: true}
	}
	s.events = append(s.events, e)
	reached := maxPatternLength > 0 && uint32(len(s.events)) == maxPatternLength
	return AppendResult{ReachedMaxLength: reached}
}

// Clear drops all events.
func (s *STM) Clear() {
	s.events = nil
}

// RetainLastAsHead implements ROLLING auto-learn post-processing: keep only
// the most recently appended event as the new STM head. A no-op on an
// already-empty STM.
func (s *STM) RetainLastAsHead() {
	if len(s.events) == 0 {
		return
	}
	last := s.events[len(s.events)-1]
	s.events = []katoid.Event{last}
}

// Snapshot returns an immutable copy of the current events, safe to hand
// to the matcher or to persistence.
func (s *STM) Snapshot() []katoid.Event {
	out := make([]katoid.Event, len(s.events))
	for i, e := range s.events {
		cp := make(katoid.Event, len(e))
		copy(cp, e)
		out[i] = cp
	}
	return out
}

// Restore replaces the STM's contents with a previously captured snapshot
// (used when loading a session view from the session store).
func (s *STM) Restore(events []katoid.Event) {
	s.events = nil
	for _, e := range events {
		cp := make(katoid.Event, len(e))
		copy(cp, e)
		s.events = append(s.events, cp)
	}
}

// Len returns the number of events currently in STM.
func (s *STM) Len() int { return len(s.events) }

// TotalTokens sums symbol counts across all current events — the "2-string
// rule" operand (spec §4.4).
func (s *STM) TotalTokens() int {
	n := 0
	for _, e := range s.events {
		n += len(e)
	}
	return n
}

// ToPattern builds a katoid.Pattern view of the current STM contents, for
// canonicalization at learn time.
func (s *STM) ToPattern() katoid.Pattern {
	return katoid.Pattern{Events: s.Snapshot()}
}

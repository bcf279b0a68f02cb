package matcher

import (
	"reflect"
	"testing"

	"github.com/sevakavakians/kato/internal/katoid"
)

// TestMatchS1SimpleFullMatch mirrors spec scenario S1: a 1-event STM that
// exactly equals the pattern's first event should score full similarity
// and confidence, with the pattern's second event reported as future.
func TestMatchS1SimpleFullMatch(t *testing.T) {
	pattern := []katoid.Event{{"hello", "world"}, {"bar", "foo"}}
	stm := []katoid.Event{{"hello", "world"}}

	out, ok := Match(stm, pattern)
	if !ok {
		t.Fatal("expected a match")
	}
	if len(out.Past) != 0 {
		t.Fatalf("Past = %v, want empty", out.Past)
	}
	wantPresent := []katoid.Event{{"hello", "world"}}
	if !reflect.DeepEqual(out.Present, wantPresent) {
		t.Fatalf("Present = %v, want %v", out.Present, wantPresent)
	}
	wantFuture := []katoid.Event{{"bar", "foo"}}
	if !reflect.DeepEqual(out.Future, wantFuture) {
		t.Fatalf("Future = %v, want %v", out.Future, wantFuture)
	}
	if len(out.Missing) != 0 || len(out.Extras) != 0 {
		t.Fatalf("Missing/Extras = %v/%v, want empty/empty", out.Missing, out.Extras)
	}
	if out.Similarity != 1.0 {
		t.Fatalf("Similarity = %v, want 1.0", out.Similarity)
	}
}

// TestMatchS2PartialWithMissingAndExtras mirrors spec scenario S2.
func TestMatchS2PartialWithMissingAndExtras(t *testing.T) {
	pattern := []katoid.Event{{"a", "b", "c"}, {"d", "e"}, {"f", "g", "h"}}
	stm := []katoid.Event{{"a", "x"}, {"d"}, {"f", "g", "y"}}

	out, ok := Match(stm, pattern)
	if !ok {
		t.Fatal("expected a match")
	}
	wantPresent := pattern
	if !reflect.DeepEqual(out.Present, wantPresent) {
		t.Fatalf("Present = %v, want %v", out.Present, wantPresent)
	}
	wantMissing := []string{"b", "c", "e", "h"}
	if !reflect.DeepEqual(out.Missing, wantMissing) {
		t.Fatalf("Missing = %v, want %v", out.Missing, wantMissing)
	}
	wantExtras := []string{"x", "y"}
	if !reflect.DeepEqual(out.Extras, wantExtras) {
		t.Fatalf("Extras = %v, want %v", out.Extras, wantExtras)
	}
	if len(out.Matches) != 4 {
		t.Fatalf("len(Matches) = %d, want 4", len(out.Matches))
	}
}

// TestMatchS3RecallThresholdInputs mirrors spec scenario S3's matcher
// output (threshold application itself belongs to the prediction
// assembler, not the matcher).
func TestMatchS3RecallThresholdInputs(t *testing.T) {
	pattern := []katoid.Event{{"p", "q", "r", "s"}}
	stm := []katoid.Event{{"p", "z"}}

	out, ok := Match(stm, pattern)
	if !ok {
		t.Fatal("expected a match")
	}
	wantMissing := []string{"q", "r", "s"}
	if !reflect.DeepEqual(out.Missing, wantMissing) {
		t.Fatalf("Missing = %v, want %v", out.Missing, wantMissing)
	}
	wantExtras := []string{"z"}
	if !reflect.DeepEqual(out.Extras, wantExtras) {
		t.Fatalf("Extras = %v, want %v", out.Extras, wantExtras)
	}
}

func TestMatchZeroMatchesExcluded(t *testing.T) {
	pattern := []katoid.Event{{"p", "q"}}
	stm := []katoid.Event{{"z"}}

	_, ok := Match(stm, pattern)
	if ok {
		t.Fatal("expected no match (zero overlap) to report ok=false")
	}
}

func TestMatchingBlocksTieBreakEarliestInPattern(t *testing.T) {
	// "x" occurs twice in a (pattern); once in b (stm). The algorithm
	// must prefer the earliest position in a.
	a := []string{"x", "y", "x"}
	b := []string{"x"}
	blocks := matchingBlocks(a, b)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].aStart != 0 {
		t.Fatalf("aStart = %d, want 0 (earliest in pattern)", blocks[0].aStart)
	}
}

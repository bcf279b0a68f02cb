package prediction

import (
	"context"
	"testing"

	"github.com/sevakavakians/kato/internal/config"
	"github.com/sevakavakians/kato/internal/katoid"
	"github.com/sevakavakians/kato/internal/patternstore"
)

func seed(t *testing.T, store *patternstore.MemoryStore, kbID, name string, events []katoid.Event) {
	t.Helper()
	row := patternstore.Row{
		Name:        name,
		PatternData: events,
		Length:      uint32(len(events)),
		Tokens:      katoid.Pattern{Events: events}.Tokens(),
	}
	if _, err := store.UpsertPattern(context.Background(), kbID, row, nil, 5, nil); err != nil {
		t.Fatalf("seed UpsertPattern() error = %v", err)
	}
}

func TestAssembleS1SimpleFullMatch(t *testing.T) {
	store := patternstore.NewMemoryStore()
	seed(t, store, "kb1", "PTRN|x", []katoid.Event{{"hello", "world"}, {"bar", "foo"}})

	cfg := config.Default()
	stm := []katoid.Event{{"hello", "world"}}

	preds, err := Assemble(context.Background(), store, "kb1", stm, []string{"PTRN|x"}, cfg)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("len(preds) = %d, want 1", len(preds))
	}
	p := preds[0]
	if p.Similarity != 1.0 {
		t.Fatalf("Similarity = %v, want 1.0", p.Similarity)
	}
	if p.Confidence != 1.0 {
		t.Fatalf("Confidence = %v, want 1.0", p.Confidence)
	}
	if len(p.Missing) != 0 || len(p.Extras) != 0 {
		t.Fatalf("Missing/Extras = %v/%v, want empty/empty", p.Missing, p.Extras)
	}
	if p.Type != "prototypical" {
		t.Fatalf("Type = %q, want prototypical", p.Type)
	}
}

func TestAssembleExcludesBelowRecallThreshold(t *testing.T) {
	store := patternstore.NewMemoryStore()
	seed(t, store, "kb1", "PTRN|x", []katoid.Event{{"p", "q", "r", "s"}})

	cfg := config.Default()
	cfg.RecallThreshold = 0.5
	stm := []katoid.Event{{"p", "z"}}

	preds, err := Assemble(context.Background(), store, "kb1", stm, []string{"PTRN|x"}, cfg)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(preds) != 0 {
		t.Fatalf("len(preds) = %d, want 0 (below threshold)", len(preds))
	}

	cfg.RecallThreshold = 0.1
	preds, err = Assemble(context.Background(), store, "kb1", stm, []string{"PTRN|x"}, cfg)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("len(preds) = %d, want 1", len(preds))
	}
	if len(preds[0].Missing) != 3 {
		t.Fatalf("Missing = %v, want 3 entries", preds[0].Missing)
	}
}

func TestAssembleExcludesZeroMatches(t *testing.T) {
	store := patternstore.NewMemoryStore()
	seed(t, store, "kb1", "PTRN|x", []katoid.Event{{"p", "q"}})

	cfg := config.Default()
	cfg.RecallThreshold = 0
	stm := []katoid.Event{{"z"}}

	preds, err := Assemble(context.Background(), store, "kb1", stm, []string{"PTRN|x"}, cfg)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(preds) != 0 {
		t.Fatalf("len(preds) = %d, want 0 (zero matches)", len(preds))
	}
}

func TestAssembleRankingAndCap(t *testing.T) {
	store := patternstore.NewMemoryStore()
	seed(t, store, "kb1", "PTRN|a", []katoid.Event{{"x", "y"}})
	seed(t, store, "kb1", "PTRN|b", []katoid.Event{{"x", "y"}, {"z"}})

	cfg := config.Default()
	cfg.RecallThreshold = 0
	cfg.MaxPredictions = 1
	stm := []katoid.Event{{"x", "y"}}

	preds, err := Assemble(context.Background(), store, "kb1", stm, []string{"PTRN|a", "PTRN|b"}, cfg)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("len(preds) = %d, want 1 (capped)", len(preds))
	}
}

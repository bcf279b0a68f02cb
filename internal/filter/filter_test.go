package filter

import (
	"context"
	"testing"

	"github.com/sevakavakians/kato/internal/config"
	"github.com/sevakavakians/kato/internal/katoid"
	"github.com/sevakavakians/kato/internal/patternstore"
)

func seedStore(t *testing.T, store *patternstore.MemoryStore, kbID, name string, events []katoid.Event) {
	t.Helper()
	ctx := context.Background()
	row := patternstore.Row{
		Name:        name,
		PatternData: events,
		Length:      uint32(len(events)),
		Tokens:      katoid.Pattern{Events: events}.Tokens(),
	}
	if _, err := store.UpsertPattern(ctx, kbID, row, nil, 5, nil); err != nil {
		t.Fatalf("seed UpsertPattern() error = %v", err)
	}
}

func TestPipelineLengthStageNarrows(t *testing.T) {
	ctx := context.Background()
	store := patternstore.NewMemoryStore()
	seedStore(t, store, "kb1", "PTRN|short", []katoid.Event{{"a"}})
	seedStore(t, store, "kb1", "PTRN|long", []katoid.Event{{"a"}, {"b"}, {"c"}, {"d"}})

	p := New(store, NewBloomIndex(0.01))
	cfg := config.Default()
	cfg.FilterPipeline = []config.FilterStage{config.StageLength}

	stm := []katoid.Event{{"a"}, {"b"}, {"c"}}
	names, metrics, err := p.Run(ctx, "kb1", stm, cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("expected 1 stage metric, got %d", len(metrics))
	}
	found := false
	for _, n := range names {
		if n == "PTRN|long" {
			found = true
		}
		if n == "PTRN|short" {
			t.Fatalf("short pattern should have been excluded by length ratio, got %v", names)
		}
	}
	if !found {
		t.Fatalf("expected PTRN|long to survive length filter, got %v", names)
	}
}

func TestPipelineEmptyPipelineDegradesToAll(t *testing.T) {
	ctx := context.Background()
	store := patternstore.NewMemoryStore()
	seedStore(t, store, "kb1", "PTRN|a", []katoid.Event{{"a"}})
	seedStore(t, store, "kb1", "PTRN|b", []katoid.Event{{"b"}})

	p := New(store, NewBloomIndex(0.01))
	cfg := config.Default()
	cfg.FilterPipeline = nil

	names, metrics, err := p.Run(ctx, "kb1", []katoid.Event{{"a"}}, cfg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if metrics != nil {
		t.Fatalf("expected no stage metrics for degraded empty pipeline, got %v", metrics)
	}
	if len(names) != 2 {
		t.Fatalf("expected all patterns loaded, got %v", names)
	}
}

func TestPipelineOverflow(t *testing.T) {
	ctx := context.Background()
	store := patternstore.NewMemoryStore()
	for i := 0; i < 5; i++ {
		seedStore(t, store, "kb1", "PTRN|p"+string(rune('a'+i)), []katoid.Event{{"x"}})
	}

	p := New(store, NewBloomIndex(0.01))
	cfg := config.Default()
	cfg.FilterPipeline = []config.FilterStage{config.StageLength}
	cfg.MaxCandidatesPerStage = 1
	cfg.LengthMinRatio = 0
	cfg.LengthMaxRatio = 100

	_, _, err := p.Run(ctx, "kb1", []katoid.Event{{"x"}}, cfg)
	if err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestFuzzyRatioTokenMode(t *testing.T) {
	a := []string{"a", "b", "c"}
	b := []string{"a", "b", "c"}
	if got := FuzzyRatio(a, b, true); got != 1.0 {
		t.Fatalf("FuzzyRatio(identical, token) = %v, want 1.0", got)
	}
}

func TestFuzzyRatioCharMode(t *testing.T) {
	a := []string{"hello"}
	b := []string{"hello"}
	if got := FuzzyRatio(a, b, false); got != 1.0 {
		t.Fatalf("FuzzyRatio(identical, char) = %v, want 1.0", got)
	}
}

// TestFuzzyRatioTokenModeSoundOnTruncatedMatch is the spec §8.1 property 11
// regression: a candidate whose matched span is a small part of a longer
// pattern must still score at or above the detailed matcher's similarity,
// so the rapidfuzz stage never rejects a candidate the real matcher would
// keep. Pattern tokens ["x","a","b","c","y"] (5) fully cover STM tokens
// ["a","b","c"] (3); the detailed matcher's present span is exactly the
// matched "a","b","c" run, giving similarity = 2*3/(3+3) = 1.0.
func TestFuzzyRatioTokenModeSoundOnTruncatedMatch(t *testing.T) {
	pattern := []string{"x", "a", "b", "c", "y"}
	stm := []string{"a", "b", "c"}
	got := FuzzyRatio(pattern, stm, true)
	if got < 0.9 {
		t.Fatalf("FuzzyRatio(token) = %v, want >= recall_threshold 0.9 (true similarity is 1.0)", got)
	}
}

func TestBloomFilterZeroFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	tokens := []string{"alpha", "beta", "gamma"}
	for _, tok := range tokens {
		bf.Add(tok)
	}
	for _, tok := range tokens {
		if !bf.MayContain(tok) {
			t.Fatalf("bloom filter false negative for %q", tok)
		}
	}
}

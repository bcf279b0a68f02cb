package processor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sevakavakians/kato/internal/config"
	"github.com/sevakavakians/kato/internal/filter"
	"github.com/sevakavakians/kato/internal/patternstore"
	"github.com/sevakavakians/kato/internal/session"
)

func newTestProcessor(t *testing.T) (*Processor, *session.Manager, *patternstore.MemoryStore) {
	t.Helper()
	t.Setenv("SERVICE_NAME", "testsvc")
	settings, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	store := patternstore.NewMemoryStore()
	bloom := filter.NewBloomIndex(0.01)
	pipeline := filter.New(store, bloom)
	sessions := session.NewManager(settings, session.NewInMemoryStore())
	return New(sessions, store, pipeline, bloom), sessions, store
}

func TestObserveBelowTwoStringRuleNeverAutoLearns(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	override := config.Default()
	override.MaxPatternLength = 1
	sess, err := sessions.Create(ctx, "alice", time.Hour, &override)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a"}})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if result.AutoLearned {
		t.Fatalf("expected no auto-learn for a single-token STM")
	}
	if len(result.STM) != 1 {
		t.Fatalf("STM = %v, want 1 event", result.STM)
	}
}

func TestObserveFoldsVectorIntoEvent(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	sess, err := sessions.Create(ctx, "alice", time.Hour, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result, err := p.Observe(ctx, sess.ID, ObserveInput{
		Strings: []string{"a"},
		Vectors: [][]float64{{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if len(result.STM) != 1 || len(result.STM[0]) != 2 {
		t.Fatalf("STM = %v, want one event of 2 symbols", result.STM)
	}
}

func TestObserveRejectsNonFiniteVectorComponent(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	sess, err := sessions.Create(ctx, "alice", time.Hour, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = p.Observe(ctx, sess.ID, ObserveInput{
		Strings: []string{"a"},
		Vectors: [][]float64{{1, math.NaN(), 3}},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Observe() error = %v, want ErrInvalidInput", err)
	}

	got, err := sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.STM) != 0 {
		t.Fatalf("STM = %v, want untouched session after a rejected observe", got.STM)
	}
}

func TestObserveRejectsNonFiniteEmotive(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	sess, err := sessions.Create(ctx, "alice", time.Hour, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = p.Observe(ctx, sess.ID, ObserveInput{
		Strings:  []string{"a"},
		Emotives: map[string]float64{"joy": math.Inf(1)},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Observe() error = %v, want ErrInvalidInput", err)
	}
}

func TestLearnNoOpBelowTwoStringRule(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	sess, _ := sessions.Create(ctx, "alice", time.Hour, nil)

	if _, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a"}}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	result, err := p.Learn(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Learn() error = %v", err)
	}
	if !result.NoOp {
		t.Fatalf("expected learn to be a no-op under the 2-string rule")
	}

	got, err := sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.STM) != 1 {
		t.Fatalf("STM = %v, want untouched single event after a no-op learn", got.STM)
	}
}

func TestLearnPersistsPatternAndClearsSTM(t *testing.T) {
	ctx := context.Background()
	p, sessions, store := newTestProcessor(t)
	sess, _ := sessions.Create(ctx, "alice", time.Hour, nil)

	if _, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a", "b"}}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	result, err := p.Learn(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Learn() error = %v", err)
	}
	if result.NoOp || !result.IsNew {
		t.Fatalf("Learn() result = %+v, want a fresh pattern", result)
	}

	got, err := sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.STM) != 0 {
		t.Fatalf("STM = %v, want empty after explicit learn", got.STM)
	}

	row, err := store.GetPattern(ctx, got.KBID, result.Name)
	if err != nil {
		t.Fatalf("GetPattern() error = %v", err)
	}
	if row.Length != 1 {
		t.Fatalf("row.Length = %d, want 1", row.Length)
	}
}

func TestAutoLearnRollingRetainsLastEventAsHead(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	override := config.Default()
	override.MaxPatternLength = 2
	override.STMMode = config.STMModeRolling
	sess, err := sessions.Create(ctx, "alice", time.Hour, &override)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a"}}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	result, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"b"}})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if !result.AutoLearned {
		t.Fatalf("expected auto-learn to fire at max_pattern_length")
	}
	if len(result.STM) != 1 || result.STM[0][0] != "b" {
		t.Fatalf("STM = %v, want rolling head of [b]", result.STM)
	}
}

func TestAutoLearnClearModeEmptiesSTM(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	override := config.Default()
	override.MaxPatternLength = 2
	override.STMMode = config.STMModeClear
	sess, err := sessions.Create(ctx, "alice", time.Hour, &override)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a"}}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	result, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"b"}})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if !result.AutoLearned || len(result.STM) != 0 {
		t.Fatalf("result = %+v, want auto-learn with a fully cleared STM", result)
	}
}

func TestGetPredictionsBelowTwoStringRuleIsEmpty(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	sess, _ := sessions.Create(ctx, "alice", time.Hour, nil)

	if _, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a"}}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	preds, err := p.GetPredictions(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetPredictions() error = %v", err)
	}
	if len(preds) != 0 {
		t.Fatalf("predictions = %v, want none under the 2-string rule", preds)
	}
}

func TestGetPredictionsReturnsLearnedPattern(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	sess, _ := sessions.Create(ctx, "alice", time.Hour, nil)

	if _, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a", "b"}}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if _, err := p.Learn(ctx, sess.ID); err != nil {
		t.Fatalf("Learn() error = %v", err)
	}

	if _, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a", "b"}}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	preds, err := p.GetPredictions(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetPredictions() error = %v", err)
	}
	if len(preds) != 1 {
		t.Fatalf("predictions = %v, want exactly 1", preds)
	}
	if preds[0].Similarity != 1.0 {
		t.Fatalf("Similarity = %v, want 1.0 for an exact repeat", preds[0].Similarity)
	}
}

func TestClearSTMLeavesMetadataAndPatterns(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	sess, _ := sessions.Create(ctx, "alice", time.Hour, nil)

	if _, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a"}, Metadata: []string{"tag1"}}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if err := p.ClearSTM(ctx, sess.ID); err != nil {
		t.Fatalf("ClearSTM() error = %v", err)
	}
	got, err := sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.STM) != 0 {
		t.Fatalf("STM = %v, want empty", got.STM)
	}
	if len(got.Metadata) != 1 {
		t.Fatalf("Metadata = %v, want preserved", got.Metadata)
	}
}

func TestClearAllWithDropPersistedRemovesPattern(t *testing.T) {
	ctx := context.Background()
	p, sessions, store := newTestProcessor(t)
	sess, _ := sessions.Create(ctx, "alice", time.Hour, nil)

	if _, err := p.Observe(ctx, sess.ID, ObserveInput{Strings: []string{"a", "b"}}); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	result, err := p.Learn(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Learn() error = %v", err)
	}

	got, _ := sessions.Get(ctx, sess.ID)
	if err := p.ClearAll(ctx, sess.ID, true); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if _, err := store.GetPattern(ctx, got.KBID, result.Name); err == nil {
		t.Fatalf("GetPattern() succeeded after ClearAll(dropPersisted=true), want not found")
	}
}

func TestUpdateConfigAppliesToSubsequentObserve(t *testing.T) {
	ctx := context.Background()
	p, sessions, _ := newTestProcessor(t)
	sess, _ := sessions.Create(ctx, "alice", time.Hour, nil)

	if err := p.UpdateConfig(ctx, sess.ID, map[string]interface{}{"recall_threshold": 0.5}); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	got, err := sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Config.RecallThreshold != 0.5 {
		t.Fatalf("RecallThreshold = %v, want 0.5", got.Config.RecallThreshold)
	}
}

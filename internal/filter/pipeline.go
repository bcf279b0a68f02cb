// Package filter implements the multi-stage candidate filter pipeline (C5):
// an ordered reduction of candidate pattern names from the full kb_id
// partition down to a small set worth detailed matching (spec §4.5).
package filter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sevakavakians/kato/internal/config"
	"github.com/sevakavakians/kato/internal/katoid"
	"github.com/sevakavakians/kato/internal/logging"
	"github.com/sevakavakians/kato/internal/minhash"
	"github.com/sevakavakians/kato/internal/patternstore"
	"github.com/sevakavakians/kato/internal/telemetry"
)

// ErrPipelineOverflow is PipelineOverflow (spec §7): a stage's candidate
// set exceeded max_candidates_per_stage. The pipeline never truncates
// silently; it fails with the stage name and size.
var ErrPipelineOverflow = errors.New("filter pipeline candidate set overflow")

// StageMetrics is the {candidates_before, candidates_after, elapsed_ms}
// triple exposed per stage when metrics are enabled (spec §4.5).
type StageMetrics struct {
	Stage            string
	CandidatesBefore int
	CandidatesAfter  int
	ElapsedMs        int64
}

// Pipeline runs the ordered filter stages over a pattern store.
type Pipeline struct {
	Store patternstore.Store
	Bloom *BloomIndex
	ids   *idTable
	log   *logging.Logger
}

// New creates a Pipeline over store that uses bloom, the caller's
// process-scoped Bloom index (shared with the processor), for its bloom stage.
func New(store patternstore.Store, bloom *BloomIndex) *Pipeline {
	return &Pipeline{Store: store, Bloom: bloom, ids: newIDTable(), log: logging.Default.WithComponent("filter")}
}

// Run executes cfg.FilterPipeline in order and returns the surviving
// candidate pattern names plus per-stage metrics.
func (p *Pipeline) Run(ctx context.Context, kbID string, stm []katoid.Event, cfg config.SessionConfig) ([]string, []StageMetrics, error) {
	stmTokens := katoid.Pattern{Events: stm}.Tokens()
	stmLen := len(stm)

	if len(cfg.FilterPipeline) == 0 {
		p.log.WarnOnce("empty-filter-pipeline",
			"filter_pipeline is empty; degrading to loading all patterns for kb_id",
			map[string]interface{}{"kb_id": kbID})
		names, err := p.Store.AllNames(ctx, kbID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", patternstore.ErrUnavailable, err)
		}
		return names, nil, nil
	}

	var candidates []string
	seeded := false
	var metrics []StageMetrics

	for _, stageName := range cfg.FilterPipeline {
		select {
		case <-ctx.Done():
			return nil, metrics, ctx.Err()
		default:
		}

		before := 0
		if seeded {
			before = len(candidates)
		}
		start := time.Now()

		ctx, span := telemetry.StartSpan(ctx, "filter."+string(stageName))

		var err error
		switch stageName {
		case config.StageLength:
			candidates, seeded, err = p.runLength(ctx, kbID, candidates, seeded, stmLen, cfg)
		case config.StageMinHash:
			candidates, seeded, err = p.runMinHash(ctx, kbID, candidates, seeded, stmTokens, cfg)
		case config.StageJaccard:
			candidates, seeded, err = p.runJaccard(ctx, kbID, candidates, seeded, stmTokens, cfg)
		case config.StageBloom:
			candidates, seeded, err = p.runBloom(ctx, kbID, candidates, seeded, stmTokens)
		case config.StageRapidFuzz:
			candidates, seeded, err = p.runRapidFuzz(ctx, kbID, candidates, seeded, stmTokens, cfg)
		default:
			err = fmt.Errorf("filter: unknown stage %q", stageName)
		}

		elapsed := time.Since(start).Milliseconds()
		after := len(candidates)
		telemetry.RecordError(span, err)
		span.SetAttributes(telemetry.StageAttributes(string(stageName), before, after, elapsed)...)
		span.End()

		if err != nil {
			return nil, metrics, err
		}

		metrics = append(metrics, StageMetrics{
			Stage:            string(stageName),
			CandidatesBefore: before,
			CandidatesAfter:  after,
			ElapsedMs:        elapsed,
		})

		maxCap := cfg.MaxCandidatesPerStage
		if maxCap > 0 && len(candidates) > maxCap {
			return nil, metrics, fmt.Errorf("%w: stage %s produced %d candidates (max %d)",
				ErrPipelineOverflow, stageName, len(candidates), maxCap)
		}
	}

	return candidates, metrics, nil
}

// intersectIDs ANDs two candidate-name sets as Roaring bitmaps rather than
// rebuilding a map per stage (spec §4.5's candidate-set plumbing).
func (p *Pipeline) intersectIDs(kbID string, a, b []string) []string {
	bmA := p.ids.bitmapFor(kbID, a)
	bmB := p.ids.bitmapFor(kbID, b)
	bmA.And(bmB)
	return p.ids.names(kbID, bmA)
}

func (p *Pipeline) runLength(ctx context.Context, kbID string, candidates []string, seeded bool, stmLen int, cfg config.SessionConfig) ([]string, bool, error) {
	minLen := uint32(math.Ceil(float64(stmLen) * cfg.LengthMinRatio))
	maxLen := uint32(math.Floor(float64(stmLen) * cfg.LengthMaxRatio))
	result, err := p.Store.FilterByLength(ctx, kbID, minLen, maxLen)
	if err != nil {
		return nil, seeded, fmt.Errorf("filter: length stage: %w", err)
	}
	if !seeded {
		return result, true, nil
	}
	return p.intersectIDs(kbID, candidates, result), true, nil
}

func (p *Pipeline) runMinHash(ctx context.Context, kbID string, candidates []string, seeded bool, stmTokens []string, cfg config.SessionConfig) ([]string, bool, error) {
	params := minhash.Params{NumHashes: cfg.MinHashNumHashes, Bands: cfg.MinHashBands, Rows: cfg.MinHashRows}
	if params.Bands*params.Rows != params.NumHashes {
		return nil, seeded, fmt.Errorf("filter: minhash stage: %w: bands*rows != num_hashes", config.ErrInvalidConfig)
	}

	if minhash.BelowInflection(cfg.MinHashThreshold, params) {
		p.log.WarnOnce("minhash-below-inflection",
			"minhash_threshold is below the LSH retention-probability inflection point for the configured bands/rows; results for low-Jaccard pairs may be under-retained",
			map[string]interface{}{"threshold": cfg.MinHashThreshold, "bands": params.Bands, "rows": params.Rows})
	}

	sketch := minhash.Compute(stmTokens, params)
	bands := minhash.Bands(sketch, params)

	base := candidates
	if !seeded {
		all, err := p.Store.AllNames(ctx, kbID)
		if err != nil {
			return nil, seeded, fmt.Errorf("filter: minhash stage: %w", err)
		}
		base = all
	}

	stage1, err := p.Store.FilterByLSHBands(ctx, kbID, base, bands)
	if err != nil {
		return nil, seeded, fmt.Errorf("filter: minhash stage 1: %w", err)
	}

	var stage2 []string
	for _, name := range stage1 {
		candSketch, err := p.Store.GetSketch(ctx, kbID, name)
		if err != nil {
			return nil, seeded, fmt.Errorf("filter: minhash stage 2: %w", err)
		}
		if minhash.EstimatedJaccard(sketch, candSketch) >= cfg.MinHashThreshold {
			stage2 = append(stage2, name)
		}
	}
	return stage2, true, nil
}

func (p *Pipeline) runJaccard(ctx context.Context, kbID string, candidates []string, seeded bool, stmTokens []string, cfg config.SessionConfig) ([]string, bool, error) {
	base := candidates
	if !seeded {
		all, err := p.Store.AllNames(ctx, kbID)
		if err != nil {
			return nil, seeded, fmt.Errorf("filter: jaccard stage: %w", err)
		}
		base = all
	}
	result, err := p.Store.FilterByJaccard(ctx, kbID, base, stmTokens, cfg.JaccardThreshold, cfg.JaccardMinOverlap)
	if err != nil {
		return nil, seeded, fmt.Errorf("filter: jaccard stage: %w", err)
	}
	return result, true, nil
}

func (p *Pipeline) runBloom(ctx context.Context, kbID string, candidates []string, seeded bool, stmTokens []string) ([]string, bool, error) {
	if err := p.Bloom.EnsureRebuilt(ctx, kbID, p.Store); err != nil {
		return nil, seeded, fmt.Errorf("filter: bloom stage: %w", err)
	}
	base := candidates
	if !seeded {
		all, err := p.Store.AllNames(ctx, kbID)
		if err != nil {
			return nil, seeded, fmt.Errorf("filter: bloom stage: %w", err)
		}
		base = all
	}
	var out []string
	for _, name := range base {
		if p.Bloom.MayOverlap(kbID, name, stmTokens) {
			out = append(out, name)
		}
	}
	return out, true, nil
}

// fuzzySlack is the numeric tolerance spec §7 allows for the rapidfuzz
// stage's threshold comparison.
const fuzzySlack = 1e-6

func (p *Pipeline) runRapidFuzz(ctx context.Context, kbID string, candidates []string, seeded bool, stmTokens []string, cfg config.SessionConfig) ([]string, bool, error) {
	base := candidates
	if !seeded {
		all, err := p.Store.AllNames(ctx, kbID)
		if err != nil {
			return nil, seeded, fmt.Errorf("filter: rapidfuzz stage: %w", err)
		}
		base = all
	}
	var out []string
	for _, name := range base {
		tokens, err := p.Store.GetTokens(ctx, kbID, name)
		if err != nil {
			return nil, seeded, fmt.Errorf("filter: rapidfuzz stage: %w", err)
		}
		ratio := FuzzyRatio(tokens, stmTokens, cfg.UseTokenMatching)
		if ratio+fuzzySlack >= cfg.RecallThreshold {
			out = append(out, name)
		}
	}
	return out, true, nil
}

// Package processor implements the orchestrator (C10): observe/learn/
// get_predictions/clear_stm/clear_all/update_config. Each mutating
// operation acquires the session's lease lock, loads a working view of STM
// and the emotive accumulator, runs the operation, and persists the result
// back through the session manager; get_predictions reads the session
// without taking the lock (spec §4.10).
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sevakavakians/kato/internal/config"
	"github.com/sevakavakians/kato/internal/emotive"
	"github.com/sevakavakians/kato/internal/filter"
	"github.com/sevakavakians/kato/internal/katoid"
	"github.com/sevakavakians/kato/internal/logging"
	"github.com/sevakavakians/kato/internal/minhash"
	"github.com/sevakavakians/kato/internal/patternstore"
	"github.com/sevakavakians/kato/internal/prediction"
	"github.com/sevakavakians/kato/internal/session"
	"github.com/sevakavakians/kato/internal/stm"
	"github.com/sevakavakians/kato/internal/telemetry"
)

// ErrTwoStringRule is the spec §4.4 precondition failure: fewer than two
// total STM tokens. learn() is a no-op under this rule; get_predictions()
// requires it to hold as well (spec §4.8).
var ErrTwoStringRule = errors.New("stm has fewer than 2 tokens")

// ErrInvalidInput is the spec §7 InvalidInput error kind: a malformed
// observation, e.g. NaN/Inf in a vector component or a non-finite emotive
// value (spec §9's design note: vectors and emotives are rejected at input
// validation, a fixed boundary, rather than left to pollute the pattern
// hash or the emotive accumulator downstream).
var ErrInvalidInput = errors.New("invalid observation input")

// validateObserveInput rejects non-finite vector components and emotive
// values before they reach katoid.VectorSymbol's hash or the emotive
// accumulator.
func validateObserveInput(in ObserveInput) error {
	for vi, vec := range in.Vectors {
		for ci, v := range vec {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: vector %d component %d is non-finite: %v", ErrInvalidInput, vi, ci, v)
			}
		}
	}
	for key, v := range in.Emotives {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: emotive %q is non-finite: %v", ErrInvalidInput, key, v)
		}
	}
	return nil
}

// ObserveInput is one observe() call's payload (spec §4.2): a single event
// of string symbols, an optional set of vectors (each folded into a
// "VCTR|..." symbol in the same event), an emotive dict, and metadata tags.
type ObserveInput struct {
	Strings  []string
	Vectors  [][]float64
	Emotives map[string]float64
	Metadata []string
}

// ObserveResult reports the post-append STM and, if auto-learn fired, the
// name of the pattern it produced.
type ObserveResult struct {
	STM             []katoid.Event
	AutoLearnedName string
	AutoLearned     bool
}

// LearnResult reports the outcome of an explicit or auto-triggered learn.
type LearnResult struct {
	Name  string
	IsNew bool
	NoOp  bool // true if the 2-string rule blocked the learn
}

// Processor wires the session manager, pattern store, and filter pipeline
// into the six caller-facing operations (spec §4.10).
type Processor struct {
	sessions *session.Manager
	store    patternstore.Store
	pipeline *filter.Pipeline
	bloom    *filter.BloomIndex
	log      *logging.Logger
}

// New builds a Processor over the given collaborators. bloom is the same
// index the pipeline was constructed with, so Learn's Bloom insert and the
// pipeline's bloom stage observe the same state.
func New(sessions *session.Manager, store patternstore.Store, pipeline *filter.Pipeline, bloom *filter.BloomIndex) *Processor {
	return &Processor{
		sessions: sessions,
		store:    store,
		pipeline: pipeline,
		bloom:    bloom,
		log:      logging.Default.WithComponent("processor"),
	}
}

// Observe appends one event to the session's STM, folding any vectors into
// "VCTR|..." symbols first, pushes the emotive dict into the session
// accumulator, unions metadata tags, and triggers auto-learn if the
// session's max_pattern_length has been reached (spec §4.2, §4.4).
func (p *Processor) Observe(ctx context.Context, sessionID string, in ObserveInput) (ObserveResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "processor.observe")
	defer span.End()

	if err := validateObserveInput(in); err != nil {
		return ObserveResult{}, fmt.Errorf("processor: observe: %w", err)
	}

	var result ObserveResult
	err := p.sessions.Update(ctx, sessionID, func(sess *session.Session) error {
		span.SetAttributes(telemetry.SessionAttributes(sess.KBID, sess.ID)...)

		buffer := stm.New()
		buffer.Restore(sess.STM)
		accumulator := emotive.RestoreAccumulator(sess.EmotiveEntries)

		event := make(katoid.Event, 0, len(in.Strings)+len(in.Vectors))
		event = append(event, in.Strings...)
		for _, vec := range in.Vectors {
			event = append(event, katoid.VectorSymbol(vec))
		}

		appendResult := buffer.Append(event, sess.Config.SortSymbolsWithin, sess.Config.MaxPatternLength)
		accumulator.Append(in.Emotives)
		sess.Metadata = unionStrings(sess.Metadata, in.Metadata)

		if appendResult.ReachedMaxLength {
			learned, err := p.learnLocked(ctx, sess, buffer, accumulator)
			if err != nil {
				return err
			}
			if !learned.NoOp {
				switch sess.Config.STMMode {
				case config.STMModeRolling:
					buffer.RetainLastAsHead()
				default:
					buffer.Clear()
				}
			}
			result.AutoLearned = !learned.NoOp
			result.AutoLearnedName = learned.Name
		}

		sess.STM = buffer.Snapshot()
		sess.EmotiveEntries = accumulator.Entries()
		result.STM = sess.STM
		return nil
	})
	if err != nil {
		return ObserveResult{}, fmt.Errorf("processor: observe: %w", err)
	}
	return result, nil
}

// Learn runs the explicit learn() operation: canonicalize the session's
// current STM, upsert the resulting pattern, update the process-scoped
// Bloom index, and clear STM completely (spec §4.4's "explicit learn"
// path, which always fully clears regardless of stm_mode).
func (p *Processor) Learn(ctx context.Context, sessionID string) (LearnResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "processor.learn")
	defer span.End()

	var result LearnResult
	err := p.sessions.Update(ctx, sessionID, func(sess *session.Session) error {
		span.SetAttributes(telemetry.SessionAttributes(sess.KBID, sess.ID)...)

		buffer := stm.New()
		buffer.Restore(sess.STM)
		accumulator := emotive.RestoreAccumulator(sess.EmotiveEntries)

		learned, err := p.learnLocked(ctx, sess, buffer, accumulator)
		if err != nil {
			return err
		}
		result = learned
		if !learned.NoOp {
			buffer.Clear()
		}
		sess.STM = buffer.Snapshot()
		sess.EmotiveEntries = accumulator.Entries()
		return nil
	})
	if err != nil {
		return LearnResult{}, fmt.Errorf("processor: learn: %w", err)
	}
	return result, nil
}

// learnLocked implements spec §4.4's procedure against an already-loaded
// STM/accumulator pair, called by both Observe's auto-learn path and the
// explicit Learn operation. It never mutates buffer or accumulator itself;
// callers decide what happens to STM afterward.
func (p *Processor) learnLocked(ctx context.Context, sess *session.Session, buffer *stm.STM, accumulator *emotive.Accumulator) (LearnResult, error) {
	if buffer.TotalTokens() < 2 {
		return LearnResult{NoOp: true}, nil
	}

	pattern := buffer.ToPattern()
	name := katoid.PatternName(pattern.Events)

	row := patternstore.Row{
		Name:        name,
		PatternData: pattern.Events,
		Length:      uint32(pattern.Length()),
		Tokens:      pattern.Tokens(),
	}
	params := minhash.Params{
		NumHashes: sess.Config.MinHashNumHashes,
		Bands:     sess.Config.MinHashBands,
		Rows:      sess.Config.MinHashRows,
	}
	row.MinHashSketch = minhash.Compute(row.Tokens, params)
	row.LSHBands = minhash.Bands(row.MinHashSketch, params)

	isNew, err := p.store.UpsertPattern(ctx, sess.KBID, row, accumulator.Averages(), int(sess.Config.Persistence), sess.Metadata)
	if err != nil {
		return LearnResult{}, fmt.Errorf("upsert pattern: %w", err)
	}
	p.bloom.Upsert(sess.KBID, name, row.Tokens)
	accumulator.Clear()

	p.log.Info("learned pattern", map[string]interface{}{"kb_id": sess.KBID, "name": name, "is_new": isNew})
	return LearnResult{Name: name, IsNew: isNew}, nil
}

// GetPredictions runs the filter pipeline and the detailed matcher+metrics
// pass over the session's current STM, returning the ranked prediction
// list (spec §4.8). The 2-string rule gates this operation the same as
// learn (spec §4.4/§4.8): fewer than two STM tokens yields an empty result
// rather than an error, since reading predictions is not itself a mutation.
func (p *Processor) GetPredictions(ctx context.Context, sessionID string) ([]prediction.Prediction, error) {
	ctx, span := telemetry.StartSpan(ctx, "processor.get_predictions")
	defer span.End()

	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("processor: get_predictions: %w", err)
	}
	span.SetAttributes(telemetry.SessionAttributes(sess.KBID, sess.ID)...)

	if totalTokens(sess.STM) < 2 {
		return nil, nil
	}

	candidates, _, err := p.pipeline.Run(ctx, sess.KBID, sess.STM, sess.Config)
	if err != nil {
		return nil, fmt.Errorf("processor: get_predictions: %w", err)
	}

	predictions, err := prediction.Assemble(ctx, p.store, sess.KBID, sess.STM, candidates, sess.Config)
	if err != nil {
		return nil, fmt.Errorf("processor: get_predictions: %w", err)
	}
	return predictions, nil
}

// ClearSTM drops the session's STM and emotive accumulator, leaving
// metadata and persisted patterns untouched.
func (p *Processor) ClearSTM(ctx context.Context, sessionID string) error {
	err := p.sessions.Update(ctx, sessionID, func(sess *session.Session) error {
		sess.STM = nil
		sess.EmotiveEntries = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("processor: clear_stm: %w", err)
	}
	return nil
}

// ClearAll resets the session's STM, emotive accumulator, and metadata. If
// dropPersisted is true, it additionally drops every pattern persisted
// under the session's kb_id — an opt-in variant spec §4.10 calls out
// separately from the session-only default.
func (p *Processor) ClearAll(ctx context.Context, sessionID string, dropPersisted bool) error {
	var kbID string
	err := p.sessions.Update(ctx, sessionID, func(sess *session.Session) error {
		kbID = sess.KBID
		sess.STM = nil
		sess.EmotiveEntries = nil
		sess.Metadata = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("processor: clear_all: %w", err)
	}
	if dropPersisted {
		if err := p.store.DropPartition(ctx, kbID); err != nil {
			return fmt.Errorf("processor: clear_all: drop partition: %w", err)
		}
		p.bloom.DropPartition(kbID)
	}
	return nil
}

// UpdateConfig merges partial into the session's effective SessionConfig
// (spec §4.10's update_config(partial)).
func (p *Processor) UpdateConfig(ctx context.Context, sessionID string, partial map[string]interface{}) error {
	if err := p.sessions.UpdateConfig(ctx, sessionID, partial); err != nil {
		return fmt.Errorf("processor: update_config: %w", err)
	}
	return nil
}

func totalTokens(events []katoid.Event) int {
	n := 0
	for _, e := range events {
		n += len(e)
	}
	return n
}

// unionStrings appends any of additions not already present in base,
// preserving base's existing order (spec §4.3's metadata_accumulator: "set
// of strings").
func unionStrings(base, additions []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, s := range base {
		seen[s] = struct{}{}
	}
	out := base
	for _, s := range additions {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

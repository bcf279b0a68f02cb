// Package prediction implements the prediction assembler (C8): runs the
// matcher and metrics computer over each filtered candidate, excludes
// below-threshold and zero-match results, and ranks the survivors (spec
// §4.8).
package prediction

import (
	"context"
	"fmt"
	"sort"

	"github.com/sevakavakians/kato/internal/config"
	"github.com/sevakavakians/kato/internal/katoid"
	"github.com/sevakavakians/kato/internal/logging"
	"github.com/sevakavakians/kato/internal/matcher"
	"github.com/sevakavakians/kato/internal/metrics"
	"github.com/sevakavakians/kato/internal/patternstore"
	"github.com/sevakavakians/kato/internal/telemetry"
)

// thresholdSlack is the numeric tolerance spec §8.1 property 7 allows when
// comparing similarity against recall_threshold.
const thresholdSlack = 1e-6

// Prediction is one ranked candidate record, spec §4.8's full field set.
type Prediction struct {
	Name                  string
	Frequency             uint64
	Matches               []string
	Missing               []string
	Extras                []string
	Past                  []katoid.Event
	Present               []katoid.Event
	Future                []katoid.Event
	Similarity            float64
	Confidence            float64
	Evidence              float64
	SNR                   float64
	Fragmentation         float64
	Entropy               float64
	Hamiltonian           float64
	GrandHamiltonian      float64
	Confluence            float64
	ITFDFSimilarity       float64
	PredictiveInformation float64
	Potential             float64
	Emotives              map[string]float64
	Type                  string
}

var log = logging.Default.WithComponent("prediction")

// candidateWork holds the per-candidate intermediate state needed between
// the first pass (matcher + non-ensemble metrics) and the second pass
// (ensemble-relative metrics: itfdf_similarity needs the frequency sum
// across survivors).
type candidateWork struct {
	row                   patternstore.Row
	out                   matcher.Outcome
	frequency             uint64
	emotives              map[string]float64
	evidence              float64
	confidence            float64
	snr                   float64
	fragmentation         float64
	entropy               float64
	hamiltonian           float64
	grandHamiltonian      float64
	confluence            float64
	predictiveInformation float64
}

// Assemble runs C6+C7 over candidateNames and returns the ranked,
// threshold-filtered, capped prediction list.
func Assemble(ctx context.Context, store patternstore.Store, kbID string, stm []katoid.Event, candidateNames []string, cfg config.SessionConfig) ([]Prediction, error) {
	ctx, span := telemetry.StartSpan(ctx, "prediction.assemble")
	defer span.End()
	span.SetAttributes(telemetry.SessionAttributes(kbID, "")...)

	globalCounts, globalTotal, err := store.GlobalSymbolCounts(ctx, kbID)
	if err != nil {
		return nil, fmt.Errorf("prediction: global symbol counts: %w", err)
	}

	var work []candidateWork
	var sumFrequencies uint64

	for _, name := range candidateNames {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		row, err := store.GetPattern(ctx, kbID, name)
		if err != nil {
			log.Warn("dropping candidate: failed to load pattern row", map[string]interface{}{"kb_id": kbID, "name": name, "error": err.Error()})
			continue
		}

		out, ok := matcher.Match(stm, row.PatternData)
		if !ok {
			continue
		}
		if out.Similarity+thresholdSlack < cfg.RecallThreshold {
			continue
		}

		frequency, err := store.GetFrequency(ctx, kbID, name)
		if err != nil {
			log.Warn("dropping candidate: failed to load frequency", map[string]interface{}{"kb_id": kbID, "name": name, "error": err.Error()})
			continue
		}
		emotives, err := store.GetEmotives(ctx, kbID, name)
		if err != nil {
			log.Warn("dropping candidate: failed to load emotives", map[string]interface{}{"kb_id": kbID, "name": name, "error": err.Error()})
			continue
		}

		evidence, err := metrics.Evidence(out)
		if err != nil {
			log.Warn("dropping candidate: evidence", map[string]interface{}{"name": name, "error": err.Error()})
			continue
		}
		confidence, err := metrics.Confidence(out)
		if err != nil {
			log.Warn("dropping candidate: confidence", map[string]interface{}{"name": name, "error": err.Error()})
			continue
		}
		snr, err := metrics.SNR(out)
		if err != nil {
			log.Warn("dropping candidate: snr", map[string]interface{}{"name": name, "error": err.Error()})
			continue
		}
		predictiveInformation, err := metrics.PredictiveInformation(out)
		if err != nil {
			log.Warn("dropping candidate: predictive_information", map[string]interface{}{"name": name, "error": err.Error()})
			continue
		}
		confluence, err := metrics.Confluence(out, frequency, globalCounts, globalTotal)
		if err != nil {
			log.Warn("dropping candidate: confluence", map[string]interface{}{"name": name, "error": err.Error()})
			continue
		}

		sumFrequencies += frequency
		work = append(work, candidateWork{
			row:                   row,
			out:                   out,
			frequency:             frequency,
			emotives:              emotives,
			evidence:              evidence,
			confidence:            confidence,
			snr:                   snr,
			fragmentation:         metrics.Fragmentation(out),
			entropy:               metrics.Entropy(out),
			hamiltonian:           metrics.Hamiltonian(out, stm),
			grandHamiltonian:      metrics.GrandHamiltonian(out, globalCounts, globalTotal),
			confluence:            confluence,
			predictiveInformation: predictiveInformation,
		})
	}

	predictions := make([]Prediction, 0, len(work))
	for _, w := range work {
		itfdf := metrics.ITFDFSimilarity(w.out, w.frequency, sumFrequencies)
		potential := metrics.Potential(w.out.Similarity, w.predictiveInformation)

		predictions = append(predictions, Prediction{
			Name:                  w.row.Name,
			Frequency:             w.frequency,
			Matches:               w.out.Matches,
			Missing:               w.out.Missing,
			Extras:                w.out.Extras,
			Past:                  w.out.Past,
			Present:               w.out.Present,
			Future:                w.out.Future,
			Similarity:            w.out.Similarity,
			Confidence:            w.confidence,
			Evidence:              w.evidence,
			SNR:                   w.snr,
			Fragmentation:         w.fragmentation,
			Entropy:               w.entropy,
			Hamiltonian:           w.hamiltonian,
			GrandHamiltonian:      w.grandHamiltonian,
			Confluence:            w.confluence,
			ITFDFSimilarity:       itfdf,
			PredictiveInformation: w.predictiveInformation,
			Potential:             potential,
			Emotives:              w.emotives,
			Type:                  "prototypical",
		})
	}

	sort.Slice(predictions, func(i, j int) bool {
		if predictions[i].Potential != predictions[j].Potential {
			return predictions[i].Potential > predictions[j].Potential
		}
		if predictions[i].Frequency != predictions[j].Frequency {
			return predictions[i].Frequency > predictions[j].Frequency
		}
		return predictions[i].Name < predictions[j].Name
	})

	if cfg.MaxPredictions > 0 && uint32(len(predictions)) > cfg.MaxPredictions {
		predictions = predictions[:cfg.MaxPredictions]
	}

	return predictions, nil
}

// Package config loads the process-wide Settings value threaded through
// every constructor in this module. No other package reads os.Getenv
// directly (spec §9: replace process-global mutable settings with an
// explicit, immutable value passed by the caller).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/sevakavakians/kato/internal/logging"
)

// FilterStage names one stage of the candidate filter pipeline (spec §4.5).
type FilterStage string

const (
	StageLength    FilterStage = "length"
	StageMinHash   FilterStage = "minhash"
	StageJaccard   FilterStage = "jaccard"
	StageBloom     FilterStage = "bloom"
	StageRapidFuzz FilterStage = "rapidfuzz"
)

// STMMode controls what happens to STM after a learn (spec §3).
type STMMode string

const (
	STMModeClear   STMMode = "CLEAR"
	STMModeRolling STMMode = "ROLLING"
)

// SessionConfig holds the per-session tunables of spec §3, all optional
// with the defaults below applied by Default().
type SessionConfig struct {
	MaxPatternLength       uint32        `toml:"max_pattern_length" json:"max_pattern_length" yaml:"max_pattern_length"`
	STMMode                STMMode       `toml:"stm_mode" json:"stm_mode" yaml:"stm_mode"`
	Persistence            uint32        `toml:"persistence" json:"persistence" yaml:"persistence"`
	RecallThreshold        float64       `toml:"recall_threshold" json:"recall_threshold" yaml:"recall_threshold"`
	MaxPredictions         uint32        `toml:"max_predictions" json:"max_predictions" yaml:"max_predictions"`
	FilterPipeline         []FilterStage `toml:"filter_pipeline" json:"filter_pipeline" yaml:"filter_pipeline"`
	MinHashThreshold       float64       `toml:"minhash_threshold" json:"minhash_threshold" yaml:"minhash_threshold"`
	MinHashBands           uint32        `toml:"minhash_bands" json:"minhash_bands" yaml:"minhash_bands"`
	MinHashRows            uint32        `toml:"minhash_rows" json:"minhash_rows" yaml:"minhash_rows"`
	MinHashNumHashes       uint32        `toml:"minhash_num_hashes" json:"minhash_num_hashes" yaml:"minhash_num_hashes"`
	LengthMinRatio         float64       `toml:"length_min_ratio" json:"length_min_ratio" yaml:"length_min_ratio"`
	LengthMaxRatio         float64       `toml:"length_max_ratio" json:"length_max_ratio" yaml:"length_max_ratio"`
	JaccardThreshold       float64       `toml:"jaccard_threshold" json:"jaccard_threshold" yaml:"jaccard_threshold"`
	JaccardMinOverlap      uint32        `toml:"jaccard_min_overlap" json:"jaccard_min_overlap" yaml:"jaccard_min_overlap"`
	UseTokenMatching       bool          `toml:"use_token_matching" json:"use_token_matching" yaml:"use_token_matching"`
	SortSymbolsWithin      bool          `toml:"sort_symbols_within_event" json:"sort_symbols_within_event" yaml:"sort_symbols_within_event"`
	MaxCandidatesPerStage  int           `toml:"max_candidates_per_stage" json:"max_candidates_per_stage" yaml:"max_candidates_per_stage"`
	BloomFalsePositiveRate float64       `toml:"bloom_false_positive_rate" json:"bloom_false_positive_rate" yaml:"bloom_false_positive_rate"`
}

// Default returns the spec §3 default SessionConfig.
func Default() SessionConfig {
	return SessionConfig{
		MaxPatternLength: 0,
		STMMode:          STMModeClear,
		Persistence:      5,
		RecallThreshold:  0.1,
		MaxPredictions:   100,
		FilterPipeline: []FilterStage{
			StageLength, StageMinHash, StageJaccard, StageRapidFuzz,
		},
		MinHashThreshold:       0.7,
		MinHashBands:           20,
		MinHashRows:            5,
		MinHashNumHashes:       100,
		LengthMinRatio:         0.5,
		LengthMaxRatio:         2.0,
		JaccardThreshold:       0.3,
		JaccardMinOverlap:      2,
		UseTokenMatching:       true,
		SortSymbolsWithin:      true,
		MaxCandidatesPerStage:  100000,
		BloomFalsePositiveRate: 0.01,
	}
}

// Validate enforces the constraints spec §3/§7 name as InvalidConfig
// triggers.
func (c SessionConfig) Validate(strict bool) error {
	if c.MinHashBands*c.MinHashRows != c.MinHashNumHashes {
		return fmt.Errorf("%w: minhash_bands*minhash_rows (%d*%d) must equal minhash_num_hashes (%d)",
			ErrInvalidConfig, c.MinHashBands, c.MinHashRows, c.MinHashNumHashes)
	}
	for name, v := range map[string]float64{
		"recall_threshold":  c.RecallThreshold,
		"minhash_threshold": c.MinHashThreshold,
		"jaccard_threshold": c.JaccardThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in [0,1], got %v", ErrInvalidConfig, name, v)
		}
	}
	if c.LengthMinRatio < 0 || c.LengthMaxRatio < c.LengthMinRatio {
		return fmt.Errorf("%w: length_min_ratio/length_max_ratio out of order", ErrInvalidConfig)
	}
	if len(c.FilterPipeline) == 0 && strict {
		return fmt.Errorf("%w: empty filter_pipeline is rejected under STRICT_MODE", ErrInvalidConfig)
	}
	return nil
}

// ErrInvalidConfig is the spec §7 InvalidConfig error kind.
var ErrInvalidConfig = fmt.Errorf("invalid config")

// Settings is the process-wide immutable configuration value (spec §6.3).
type Settings struct {
	ServiceName       string
	LogLevel          logging.Level
	SessionTTLSeconds int64
	SessionAutoExtend bool
	StrictMode        bool
	StoragePath       string

	defaultSessionConfig atomic.Pointer[SessionConfig]
	watcherOnce          sync.Once
}

// DefaultSessionConfig returns the current default SessionConfig, which may
// change over the process lifetime if a watched config file is edited.
func (s *Settings) DefaultSessionConfig() SessionConfig {
	if p := s.defaultSessionConfig.Load(); p != nil {
		return *p
	}
	return Default()
}

func (s *Settings) setDefaultSessionConfig(c SessionConfig) {
	s.defaultSessionConfig.Store(&c)
}

// SanitizeNodeID derives a kb_id from a caller-chosen node_id (spec §3):
// replace reserved characters with "_", then append "_"+ServiceName.
func (s *Settings) SanitizeNodeID(nodeID string) string {
	return SanitizeNodeID(nodeID, s.ServiceName)
}

// SanitizeNodeID is the pure sanitizer function, exported separately so it
// can be unit tested without a Settings value.
func SanitizeNodeID(nodeID, serviceName string) string {
	reserved := []string{"/", "\\", ".", "\"", "$", "*", "<", ">", ":", "|", "?", "-", " "}
	out := nodeID
	for _, r := range reserved {
		out = strings.ReplaceAll(out, r, "_")
	}
	return out + "_" + serviceName
}

// fileConfig is the shape of the optional kato.toml overlay.
type fileConfig struct {
	Session SessionConfig `toml:"session"`
}

// Load builds Settings from the environment (and an optional .env file),
// applying an optional TOML overlay for session defaults, and — whenever
// the overlay file exists — starts an fsnotify watcher that hot-swaps the
// default SessionConfig when that file changes.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := &Settings{
		ServiceName:       envOr("SERVICE_NAME", "kato"),
		LogLevel:          logging.Level(strings.ToUpper(envOr("LOG_LEVEL", "INFO"))),
		SessionTTLSeconds: envInt("SESSION_TTL", 3600),
		SessionAutoExtend: envBool("SESSION_AUTO_EXTEND", false),
		StrictMode:        envBool("STRICT_MODE", false),
		StoragePath:       envOr("KATO_STORAGE_PATH", "./kato-data"),
	}
	s.setDefaultSessionConfig(Default())

	if s.StrictMode && os.Getenv("SERVICE_NAME") == "" {
		return nil, fmt.Errorf("%w: STRICT_MODE requires a stable SERVICE_NAME", ErrInvalidConfig)
	}

	logging.SetDefaultLevel(s.LogLevel)

	configPath := envOr("KATO_CONFIG_PATH", "kato.toml")
	if _, err := os.Stat(configPath); err == nil {
		if err := s.reloadFrom(configPath); err != nil {
			return nil, err
		}
		s.watchConfig(configPath)
	}

	return s, nil
}

func (s *Settings) reloadFrom(path string) error {
	var fc fileConfig
	fc.Session = Default()
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := fc.Session.Validate(s.StrictMode); err != nil {
		return err
	}
	s.setDefaultSessionConfig(fc.Session)
	return nil
}

// watchConfig hot-reloads the default SessionConfig on file writes. Errors
// are logged, never fatal: a broken overlay keeps the last-good defaults.
func (s *Settings) watchConfig(path string) {
	log := logging.Default.WithComponent("config")
	s.watcherOnce.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("config watcher unavailable", map[string]interface{}{"error": err.Error()})
			return
		}
		if err := watcher.Add(path); err != nil {
			log.Warn("failed to watch config file", map[string]interface{}{"path": path, "error": err.Error()})
			watcher.Close()
			return
		}
		go func() {
			defer watcher.Close()
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					if err := s.reloadFrom(path); err != nil {
						log.Warn("config reload failed, keeping previous defaults", map[string]interface{}{"error": err.Error()})
						continue
					}
					log.Info("config reloaded", map[string]interface{}{"path": path})
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Warn("config watch error", map[string]interface{}{"error": err.Error()})
				}
			}
		}()
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

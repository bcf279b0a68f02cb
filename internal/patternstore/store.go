// Package patternstore implements the pattern store interface (C4): a
// capability handed by value into the filter pipeline (C5) and the
// processor orchestrator (C10), never the reverse, per spec §9's
// "break cyclic references with a capability pattern."
package patternstore

import (
	"context"
	"errors"

	"github.com/sevakavakians/kato/internal/katoid"
	"github.com/sevakavakians/kato/internal/minhash"
)

// ErrUnavailable is StoreUnavailable (spec §7): a transient store failure.
// The caller aborts the commit and the error is returned to the caller
// whether or not STRICT_MODE is set; no response is tagged as degraded.
var ErrUnavailable = errors.New("pattern store unavailable")

// ErrNotFound is returned by GetPattern when no row exists for the name.
var ErrNotFound = errors.New("pattern not found")

// ErrDeterminismViolation is the internal assertion of spec §7: an
// upsert-by-name return differed in canonical bytes from the existing row.
// It must never reach the caller in a release build and is therefore a
// panic, raised only from the UpsertPattern methods of CombinedStore and
// MemoryStore.
type ErrDeterminismViolation struct {
	Name string
}

func (e ErrDeterminismViolation) Error() string {
	return "determinism violation: upsert-by-name row for " + e.Name + " differs in canonical bytes from the stored row"
}

// Row is one persisted pattern, matching the columnar schema of spec §6.1.
type Row struct {
	Name          string
	PatternData   []katoid.Event
	Length        uint32
	Tokens        []string
	MinHashSketch minhash.Sketch
	LSHBands      []uint64
}

// Store is the unified capability passed into the filter pipeline and the
// processor orchestrator. It is implemented directly by MemoryStore (for
// tests) and by CombinedStore (BleveStore for the
// columnar half, SQLiteMetadataStore for the KV-metadata half) for
// production use.
type Store interface {
	// UpsertPattern inserts row if no pattern with row.Name exists for
	// kbID, or increments frequency/merges emotives+metadata if it does.
	// Returns isNew=true only on first insert.
	UpsertPattern(ctx context.Context, kbID string, row Row, emotives map[string]float64, emotiveCapacity int, metadataTags []string) (isNew bool, err error)

	GetPattern(ctx context.Context, kbID, name string) (Row, error)
	AllNames(ctx context.Context, kbID string) ([]string, error)

	FilterByLength(ctx context.Context, kbID string, minLen, maxLen uint32) ([]string, error)
	FilterByLSHBands(ctx context.Context, kbID string, candidates []string, bands []uint64) ([]string, error)
	FilterByJaccard(ctx context.Context, kbID string, candidates []string, tokens []string, threshold float64, minOverlap uint32) ([]string, error)

	GetSketch(ctx context.Context, kbID, name string) (minhash.Sketch, error)
	GetTokens(ctx context.Context, kbID, name string) ([]string, error)

	IncrementFrequency(ctx context.Context, kbID, name string) (uint64, error)
	GetFrequency(ctx context.Context, kbID, name string) (uint64, error)

	PushEmotives(ctx context.Context, kbID, name string, values map[string]float64, capacity int) error
	GetEmotives(ctx context.Context, kbID, name string) (map[string]float64, error)

	UnionMetadata(ctx context.Context, kbID, name string, tags []string) error
	GetMetadata(ctx context.Context, kbID, name string) ([]string, error)

	// DropPartition hermetically deletes every row for kbID.
	DropPartition(ctx context.Context, kbID string) error

	// GlobalSymbolCounts returns per-symbol occurrence counts across every
	// pattern in kbID, plus the grand total, for the grand_hamiltonian
	// metric (spec §4.7) and the process-scoped symbol-probability cache
	// (spec §5).
	GlobalSymbolCounts(ctx context.Context, kbID string) (counts map[string]uint64, total uint64, err error)
}

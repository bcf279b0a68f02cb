package patternstore

import (
	"context"
	"fmt"

	"github.com/sevakavakians/kato/internal/minhash"
)

// CombinedStore implements Store by composing a BleveStore (columnar
// pattern rows) with a SQLiteMetadataStore (frequency/emotives/metadata),
// the production pairing named in spec §6.1.
type CombinedStore struct {
	columns  *BleveStore
	metadata *SQLiteMetadataStore
}

// NewCombinedStore composes an already-opened BleveStore and
// SQLiteMetadataStore.
func NewCombinedStore(columns *BleveStore, metadata *SQLiteMetadataStore) *CombinedStore {
	return &CombinedStore{columns: columns, metadata: metadata}
}

func (c *CombinedStore) UpsertPattern(ctx context.Context, kbID string, row Row, emotives map[string]float64, emotiveCapacity int, metadataTags []string) (bool, error) {
	inserted, err := c.columns.InsertOrNoop(kbID, row)
	if err != nil {
		return false, err
	}

	if inserted {
		if err := c.metadata.InitFrequency(kbID, row.Name, 1); err != nil {
			return false, err
		}
	} else {
		existing, ok, err := c.columns.GetRow(kbID, row.Name)
		if err != nil {
			return false, err
		}
		if !ok || !canonicalEqual(existing, row) {
			panic(ErrDeterminismViolation{Name: row.Name})
		}
		if _, err := c.metadata.IncrementFrequency(kbID, row.Name); err != nil {
			return false, err
		}
	}

	if err := c.metadata.PushEmotives(kbID, row.Name, emotives, emotiveCapacity); err != nil {
		return false, err
	}
	if err := c.metadata.UnionMetadata(kbID, row.Name, metadataTags); err != nil {
		return false, err
	}
	return inserted, nil
}

func (c *CombinedStore) GetPattern(ctx context.Context, kbID, name string) (Row, error) {
	row, ok, err := c.columns.GetRow(kbID, name)
	if err != nil {
		return Row{}, err
	}
	if !ok {
		return Row{}, ErrNotFound
	}
	return row, nil
}

func (c *CombinedStore) AllNames(ctx context.Context, kbID string) ([]string, error) {
	return c.columns.AllNames(kbID)
}

func (c *CombinedStore) FilterByLength(ctx context.Context, kbID string, minLen, maxLen uint32) ([]string, error) {
	return c.columns.FilterByLength(kbID, minLen, maxLen)
}

func (c *CombinedStore) FilterByLSHBands(ctx context.Context, kbID string, candidates []string, bands []uint64) ([]string, error) {
	return c.columns.FilterByLSHBandOverlap(kbID, candidates, bands)
}

// FilterByJaccard computes exact Jaccard of token-sets over candidates by
// retrieving each candidate's stored tokens, since bleve has no native
// set-overlap scoring predicate (spec §6.1 calls for this pushdown "when
// safe" — here the push-down is the earlier length/minhash narrowing, and
// the exact Jaccard check runs over just the surviving candidates).
func (c *CombinedStore) FilterByJaccard(ctx context.Context, kbID string, candidates []string, tokens []string, threshold float64, minOverlap uint32) ([]string, error) {
	stmSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		stmSet[t] = struct{}{}
	}

	var out []string
	for _, name := range candidates {
		row, ok, err := c.columns.GetRow(kbID, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		inter := 0
		union := len(stmSet)
		for _, t := range row.Tokens {
			if _, in := stmSet[t]; in {
				inter++
			} else {
				union++
			}
		}
		if union == 0 {
			continue
		}
		jaccard := float64(inter) / float64(union)
		if jaccard >= threshold && uint32(inter) >= minOverlap {
			out = append(out, name)
		}
	}
	return out, nil
}

func (c *CombinedStore) GetSketch(ctx context.Context, kbID, name string) (minhash.Sketch, error) {
	row, ok, err := c.columns.GetRow(kbID, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return row.MinHashSketch, nil
}

func (c *CombinedStore) GetTokens(ctx context.Context, kbID, name string) ([]string, error) {
	row, ok, err := c.columns.GetRow(kbID, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return row.Tokens, nil
}

func (c *CombinedStore) IncrementFrequency(ctx context.Context, kbID, name string) (uint64, error) {
	return c.metadata.IncrementFrequency(kbID, name)
}

func (c *CombinedStore) GetFrequency(ctx context.Context, kbID, name string) (uint64, error) {
	return c.metadata.GetFrequency(kbID, name)
}

func (c *CombinedStore) PushEmotives(ctx context.Context, kbID, name string, values map[string]float64, capacity int) error {
	return c.metadata.PushEmotives(kbID, name, values, capacity)
}

func (c *CombinedStore) GetEmotives(ctx context.Context, kbID, name string) (map[string]float64, error) {
	return c.metadata.GetEmotives(kbID, name)
}

func (c *CombinedStore) UnionMetadata(ctx context.Context, kbID, name string, tags []string) error {
	return c.metadata.UnionMetadata(kbID, name, tags)
}

func (c *CombinedStore) GetMetadata(ctx context.Context, kbID, name string) ([]string, error) {
	return c.metadata.GetMetadata(kbID, name)
}

func (c *CombinedStore) DropPartition(ctx context.Context, kbID string) error {
	if err := c.columns.DropPartition(kbID); err != nil {
		return err
	}
	return c.metadata.DropPartition(kbID)
}

func (c *CombinedStore) GlobalSymbolCounts(ctx context.Context, kbID string) (map[string]uint64, uint64, error) {
	names, err := c.columns.AllNames(kbID)
	if err != nil {
		return nil, 0, err
	}
	counts := make(map[string]uint64)
	var total uint64
	for _, name := range names {
		row, ok, err := c.columns.GetRow(kbID, name)
		if err != nil {
			return nil, 0, fmt.Errorf("patternstore: global symbol counts: %w", err)
		}
		if !ok {
			continue
		}
		for _, event := range row.PatternData {
			for _, sym := range event {
				counts[sym]++
				total++
			}
		}
	}
	return counts, total, nil
}

// Close releases both underlying stores.
func (c *CombinedStore) Close() error {
	if err := c.columns.Close(); err != nil {
		return err
	}
	return c.metadata.Close()
}

var _ Store = (*CombinedStore)(nil)
var _ Store = (*MemoryStore)(nil)

package patternstore

import (
	"context"
	"sort"
	"sync"

	"github.com/sevakavakians/kato/internal/emotive"
	"github.com/sevakavakians/kato/internal/minhash"
)

// MemoryStore is a map-backed Store, grounded on the teacher's
// map-of-maps InMemoryStore. Used by tests; the katoctl binary wires
// CombinedStore instead.
type MemoryStore struct {
	mu sync.RWMutex
	// rows[kbID][name] = Row
	rows map[string]map[string]Row
	// frequency[kbID][name]
	frequency map[string]map[string]uint64
	// emotives[kbID][name]
	emotives map[string]map[string]*emotive.PatternEmotives
	// metadata[kbID][name] = set of tags
	metadata map[string]map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:      make(map[string]map[string]Row),
		frequency: make(map[string]map[string]uint64),
		emotives:  make(map[string]map[string]*emotive.PatternEmotives),
		metadata:  make(map[string]map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) UpsertPattern(ctx context.Context, kbID string, row Row, emotives map[string]float64, emotiveCapacity int, metadataTags []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rows[kbID] == nil {
		m.rows[kbID] = make(map[string]Row)
		m.frequency[kbID] = make(map[string]uint64)
		m.emotives[kbID] = make(map[string]*emotive.PatternEmotives)
		m.metadata[kbID] = make(map[string]map[string]struct{})
	}

	existing, ok := m.rows[kbID][row.Name]
	isNew := !ok
	if ok {
		if !canonicalEqual(existing, row) {
			panic(ErrDeterminismViolation{Name: row.Name})
		}
		m.frequency[kbID][row.Name]++
	} else {
		m.rows[kbID][row.Name] = row
		m.frequency[kbID][row.Name] = 1
		m.emotives[kbID][row.Name] = emotive.NewPatternEmotives(emotiveCapacity)
	}

	m.emotives[kbID][row.Name].Push(emotives)

	if m.metadata[kbID][row.Name] == nil {
		m.metadata[kbID][row.Name] = make(map[string]struct{})
	}
	for _, tag := range metadataTags {
		m.metadata[kbID][row.Name][tag] = struct{}{}
	}

	return isNew, nil
}

func canonicalEqual(a, b Row) bool {
	if a.Length != b.Length || len(a.PatternData) != len(b.PatternData) {
		return false
	}
	for i := range a.PatternData {
		if len(a.PatternData[i]) != len(b.PatternData[i]) {
			return false
		}
		for j := range a.PatternData[i] {
			if a.PatternData[i][j] != b.PatternData[i][j] {
				return false
			}
		}
	}
	return true
}

func (m *MemoryStore) GetPattern(ctx context.Context, kbID, name string) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[kbID][name]
	if !ok {
		return Row{}, ErrNotFound
	}
	return row, nil
}

func (m *MemoryStore) AllNames(ctx context.Context, kbID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rows[kbID]))
	for name := range m.rows[kbID] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) FilterByLength(ctx context.Context, kbID string, minLen, maxLen uint32) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, row := range m.rows[kbID] {
		if row.Length >= minLen && row.Length <= maxLen {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) FilterByLSHBands(ctx context.Context, kbID string, candidates []string, bands []uint64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, name := range candidates {
		row, ok := m.rows[kbID][name]
		if !ok {
			continue
		}
		if minhash.SharesBand(row.LSHBands, bands) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (m *MemoryStore) FilterByJaccard(ctx context.Context, kbID string, candidates []string, tokens []string, threshold float64, minOverlap uint32) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stmSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		stmSet[t] = struct{}{}
	}
	var out []string
	for _, name := range candidates {
		row, ok := m.rows[kbID][name]
		if !ok {
			continue
		}
		inter := 0
		union := len(stmSet)
		seen := make(map[string]struct{}, len(row.Tokens))
		for _, t := range row.Tokens {
			seen[t] = struct{}{}
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
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) GetSketch(ctx context.Context, kbID, name string) (minhash.Sketch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[kbID][name]
	if !ok {
		return nil, ErrNotFound
	}
	return row.MinHashSketch, nil
}

func (m *MemoryStore) GetTokens(ctx context.Context, kbID, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[kbID][name]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Tokens, nil
}

func (m *MemoryStore) IncrementFrequency(ctx context.Context, kbID, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frequency[kbID] == nil {
		return 0, ErrNotFound
	}
	m.frequency[kbID][name]++
	return m.frequency[kbID][name], nil
}

func (m *MemoryStore) GetFrequency(ctx context.Context, kbID, name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.frequency[kbID][name]
	if !ok {
		return 0, ErrNotFound
	}
	return f, nil
}

func (m *MemoryStore) PushEmotives(ctx context.Context, kbID, name string, values map[string]float64, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emotives[kbID] == nil {
		m.emotives[kbID] = make(map[string]*emotive.PatternEmotives)
	}
	pe, ok := m.emotives[kbID][name]
	if !ok {
		pe = emotive.NewPatternEmotives(capacity)
		m.emotives[kbID][name] = pe
	}
	pe.Push(values)
	return nil
}

func (m *MemoryStore) GetEmotives(ctx context.Context, kbID, name string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pe, ok := m.emotives[kbID][name]
	if !ok {
		return map[string]float64{}, nil
	}
	return pe.Averages(), nil
}

func (m *MemoryStore) UnionMetadata(ctx context.Context, kbID, name string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metadata[kbID] == nil {
		m.metadata[kbID] = make(map[string]map[string]struct{})
	}
	if m.metadata[kbID][name] == nil {
		m.metadata[kbID][name] = make(map[string]struct{})
	}
	for _, tag := range tags {
		m.metadata[kbID][name][tag] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) GetMetadata(ctx context.Context, kbID, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.metadata[kbID][name]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) DropPartition(ctx context.Context, kbID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, kbID)
	delete(m.frequency, kbID)
	delete(m.emotives, kbID)
	delete(m.metadata, kbID)
	return nil
}

func (m *MemoryStore) GlobalSymbolCounts(ctx context.Context, kbID string) (map[string]uint64, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]uint64)
	var total uint64
	for _, row := range m.rows[kbID] {
		for _, event := range row.PatternData {
			for _, sym := range event {
				counts[sym]++
				total++
			}
		}
	}
	return counts, total, nil
}

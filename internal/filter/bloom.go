package filter

import (
	"context"
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"github.com/sevakavakians/kato/internal/patternstore"
)

// BloomFilter is a standard k-hash Bloom filter over string tokens, sized
// for n expected items at the target false-positive rate, built on
// bits-and-blooms/bitset for the bit array and cespare/xxhash/v2 for the
// hash family (double hashing: h_i(x) = h1(x) + i*h2(x)).
type BloomFilter struct {
	bits *bitset.BitSet
	m    uint
	k    uint
}

// NewBloomFilter sizes a filter for n expected items at false-positive
// rate p, using the standard m = -n*ln(p)/(ln2)^2, k = (m/n)*ln2 formulas.
func NewBloomFilter(n int, p float64) *BloomFilter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &BloomFilter{bits: bitset.New(m), m: m, k: k}
}

func (b *BloomFilter) hashes(token string) (uint64, uint64) {
	h1 := xxhash.Sum64String(token)
	h2 := xxhash.Sum64String(token + "\x00salt")
	return h1, h2
}

// Add inserts token, setting k bit positions.
func (b *BloomFilter) Add(token string) {
	h1, h2 := b.hashes(token)
	for i := uint(0); i < b.k; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(b.m)
		b.bits.Set(uint(pos))
	}
}

// MayContain reports whether token might be a member (false positives
// possible; false negatives impossible).
func (b *BloomFilter) MayContain(token string) bool {
	h1, h2 := b.hashes(token)
	for i := uint(0); i < b.k; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(b.m)
		if !b.bits.Test(uint(pos)) {
			return false
		}
	}
	return true
}

// BloomIndex is the process-scoped Bloom filter over stored patterns'
// token-sets (spec §4.5, §5): one filter per pattern, rebuilt on startup
// per kb_id and updated on each pattern insert via Upsert — the insert
// side is the single authoritative write path.
type BloomIndex struct {
	mu       sync.RWMutex
	rate     float64
	filters  map[string]map[string]*BloomFilter // kbID -> name -> filter
	rebuilt  map[string]bool
}

// NewBloomIndex creates an empty index at the given false-positive rate.
func NewBloomIndex(rate float64) *BloomIndex {
	if rate <= 0 {
		rate = 0.01
	}
	return &BloomIndex{
		rate:    rate,
		filters: make(map[string]map[string]*BloomFilter),
		rebuilt: make(map[string]bool),
	}
}

// Upsert (re)builds the filter for one pattern's token set — the
// authoritative update path, called by the processor immediately after a
// successful learn.
func (bi *BloomIndex) Upsert(kbID, name string, tokens []string) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	if bi.filters[kbID] == nil {
		bi.filters[kbID] = make(map[string]*BloomFilter)
	}
	bf := NewBloomFilter(len(tokens), bi.rate)
	for _, t := range tokens {
		bf.Add(t)
	}
	bi.filters[kbID][name] = bf
}

// EnsureRebuilt lazily rebuilds the whole kb_id's index from the store on
// first use in a process lifetime (spec §5's "rebuilt on startup").
func (bi *BloomIndex) EnsureRebuilt(ctx context.Context, kbID string, store patternstore.Store) error {
	bi.mu.Lock()
	if bi.rebuilt[kbID] {
		bi.mu.Unlock()
		return nil
	}
	bi.mu.Unlock()

	names, err := store.AllNames(ctx, kbID)
	if err != nil {
		return err
	}
	for _, name := range names {
		tokens, err := store.GetTokens(ctx, kbID, name)
		if err != nil {
			return err
		}
		bi.Upsert(kbID, name, tokens)
	}

	bi.mu.Lock()
	bi.rebuilt[kbID] = true
	bi.mu.Unlock()
	return nil
}

// MayOverlap reports whether any stmToken might be a member of the named
// pattern's token set. If the pattern has no cached filter, it defaults to
// true (cannot safely reject without a filter — zero false negatives).
func (bi *BloomIndex) MayOverlap(kbID, name string, stmTokens []string) bool {
	bi.mu.RLock()
	bf, ok := bi.filters[kbID][name]
	bi.mu.RUnlock()
	if !ok {
		return true
	}
	for _, t := range stmTokens {
		if bf.MayContain(t) {
			return true
		}
	}
	return false
}

// DropPartition discards a kb_id's cached filters (called alongside
// patternstore.Store.DropPartition).
func (bi *BloomIndex) DropPartition(kbID string) {
	bi.mu.Lock()
	defer bi.mu.Unlock()
	delete(bi.filters, kbID)
	delete(bi.rebuilt, kbID)
}

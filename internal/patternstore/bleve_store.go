package patternstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/sevakavakians/kato/internal/logging"
)

// bleveDoc is the searchable projection of a Row indexed in Bleve: length
// (numeric, range-queryable for the length stage) and tokens/lsh_bands
// (keyword arrays, term-queryable for the jaccard/minhash stages). The raw
// pattern data, sketch, and bands live in the side store (bleveSideRow),
// not in the index, mirroring the teacher's index-plus-side-JSON-KV split.
type bleveDoc struct {
	KBID     string   `json:"kb_id"`
	Name     string   `json:"name"`
	Length   float64  `json:"length"`
	Tokens   []string `json:"tokens"`
	LSHBands []string `json:"lsh_bands"`
}

// bleveSideRow is the full row, persisted in the side KV file keyed by
// docID ("kbID/name").
type bleveSideRow struct {
	Row Row `json:"row"`
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	doc := bleve.NewDocumentMapping()

	kbIDField := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("kb_id", kbIDField)

	nameField := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("name", nameField)

	lengthField := bleve.NewNumericFieldMapping()
	doc.AddFieldMappingsAt("length", lengthField)

	tokenField := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("tokens", tokenField)

	bandField := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("lsh_bands", bandField)

	im.AddDocumentMapping("_default", doc)
	return im
}

// BleveStore is the columnar pattern store (spec §6.1), backed by
// blevesearch/bleve/v2 for the indexed/searchable fields and a JSON side
// file for the full row payload, following the teacher's
// index-plus-side-KV layout (internal/memory/bleve_store.go).
type BleveStore struct {
	mu       sync.RWMutex
	index    bleve.Index
	sidePath string
	side     map[string]bleveSideRow // docID -> row
	log      *logging.Logger
}

// NewBleveStore opens dir/index.bleve (creating it if absent) and loads
// dir/rows.json as the side store.
func NewBleveStore(dir string) (*BleveStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("patternstore: create dir: %w", err)
	}

	indexPath := filepath.Join(dir, "index.bleve")
	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(indexPath, buildIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open bleve index: %v", ErrUnavailable, err)
	}

	s := &BleveStore{
		index:    idx,
		sidePath: filepath.Join(dir, "rows.json"),
		side:     make(map[string]bleveSideRow),
		log:      logging.Default.WithComponent("patternstore.bleve"),
	}
	if err := s.loadSide(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BleveStore) loadSide() error {
	data, err := os.ReadFile(s.sidePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read side store: %v", ErrUnavailable, err)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &s.side)
}

func (s *BleveStore) flushSideLocked() error {
	data, err := json.Marshal(s.side)
	if err != nil {
		return fmt.Errorf("patternstore: marshal side store: %w", err)
	}
	return os.WriteFile(s.sidePath, data, 0o644)
}

func docID(kbID, name string) string { return kbID + "/" + name }

// InsertOrNoop inserts row if docID(kbID,name) is not already present.
// Returns inserted=false (without error) on an idempotent repeat.
func (s *BleveStore) InsertOrNoop(kbID string, row Row) (bool, error) {
	id := docID(kbID, row.Name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.side[id]; exists {
		return false, nil
	}

	bands := make([]string, len(row.LSHBands))
	for i, b := range row.LSHBands {
		bands[i] = strconv.FormatUint(b, 16)
	}
	doc := bleveDoc{
		KBID:     kbID,
		Name:     row.Name,
		Length:   float64(row.Length),
		Tokens:   row.Tokens,
		LSHBands: bands,
	}
	if err := s.index.Index(id, doc); err != nil {
		return false, fmt.Errorf("%w: index pattern: %v", ErrUnavailable, err)
	}
	s.side[id] = bleveSideRow{Row: row}
	if err := s.flushSideLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// GetRow returns the full row for (kbID, name).
func (s *BleveStore) GetRow(kbID, name string) (Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.side[docID(kbID, name)]
	if !ok {
		return Row{}, false, nil
	}
	return sr.Row, true, nil
}

func kbIDQuery(kbID string) *query.TermQuery {
	q := bleve.NewTermQuery(kbID)
	q.SetField("kb_id")
	return q
}

// AllNames returns every pattern name stored for kbID.
func (s *BleveStore) AllNames(kbID string) ([]string, error) {
	return s.runQuery(kbIDQuery(kbID))
}

// FilterByLength keeps patterns whose length column is in [minLen, maxLen].
func (s *BleveStore) FilterByLength(kbID string, minLen, maxLen uint32) ([]string, error) {
	minF, maxF := float64(minLen), float64(maxLen)
	lengthQ := bleve.NewNumericRangeInclusiveQuery(&minF, &maxF, boolPtr(true), boolPtr(true))
	lengthQ.SetField("length")

	conj := bleve.NewConjunctionQuery(kbIDQuery(kbID), lengthQ)
	return s.runQuery(conj)
}

// FilterByLSHBandOverlap keeps, among candidates, only the names whose
// indexed lsh_bands share at least one band value with bands (the
// stage-1 db-side predicate of the minhash stage, spec §4.5). Bleve does
// the "any term matches" part via a disjunction of term queries; the
// candidate-set restriction itself is applied client-side since bleve has
// no "IN (...)" predicate on doc ID.
func (s *BleveStore) FilterByLSHBandOverlap(kbID string, candidates []string, bands []uint64) ([]string, error) {
	if len(bands) == 0 {
		return nil, nil
	}
	disjuncts := make([]query.Query, len(bands))
	for i, b := range bands {
		tq := bleve.NewTermQuery(strconv.FormatUint(b, 16))
		tq.SetField("lsh_bands")
		disjuncts[i] = tq
	}
	bandQ := bleve.NewDisjunctionQuery(disjuncts...)
	conj := bleve.NewConjunctionQuery(kbIDQuery(kbID), bandQ)

	matched, err := s.runQuery(conj)
	if err != nil {
		return nil, err
	}
	return intersectSorted(candidates, matched), nil
}

func intersectSorted(candidates, matched []string) []string {
	matchSet := make(map[string]struct{}, len(matched))
	for _, m := range matched {
		matchSet[m] = struct{}{}
	}
	var out []string
	for _, c := range candidates {
		if _, ok := matchSet[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func boolPtr(b bool) *bool { return &b }

// runQuery executes q restricted to at most maxStageResults hits and
// returns the matching pattern names.
func (s *BleveStore) runQuery(q query.Query) ([]string, error) {
	req := bleve.NewSearchRequestOptions(q, maxStageResults, 0, false)
	req.Fields = []string{"name"}

	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("%w: bleve search: %v", ErrUnavailable, err)
	}

	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if name, ok := hit.Fields["name"].(string); ok {
			out = append(out, name)
			continue
		}
		// fall back to the doc ID suffix if field loading is unavailable
		if idx := lastSlash(hit.ID); idx >= 0 {
			out = append(out, hit.ID[idx+1:])
		}
	}
	return out, nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// maxStageResults bounds a single bleve query; the filter pipeline's own
// max_candidates_per_stage cap (spec §4.5) is enforced by the caller on
// the returned slice length, this is just a defensive upper bound so a
// misconfigured store can't return an unbounded hit list.
const maxStageResults = 1_000_000

// DropPartition deletes every row for kbID, from both the index and the
// side store (spec §6.1 drop_partition — hermetic deletion).
func (s *BleveStore) DropPartition(kbID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.side {
		if len(id) > len(kbID) && id[:len(kbID)+1] == kbID+"/" {
			if err := s.index.Delete(id); err != nil {
				return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, id, err)
			}
			delete(s.side, id)
		}
	}
	return s.flushSideLocked()
}

// Close releases the underlying index handle.
func (s *BleveStore) Close() error {
	return s.index.Close()
}

package filter

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// idTable assigns dense uint32 ids to pattern names, scoped per kb_id, so
// that successive filter stages can intersect candidate sets as a Roaring
// bitmap AND instead of rebuilding a map on every stage (spec §4.5's
// candidate-set plumbing).
type idTable struct {
	mu    sync.Mutex
	toID  map[string]map[string]uint32
	toName map[string][]string
}

func newIDTable() *idTable {
	return &idTable{
		toID:   make(map[string]map[string]uint32),
		toName: make(map[string][]string),
	}
}

func (t *idTable) idFor(kbID, name string) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	byName, ok := t.toID[kbID]
	if !ok {
		byName = make(map[string]uint32)
		t.toID[kbID] = byName
	}
	if id, ok := byName[name]; ok {
		return id
	}
	id := uint32(len(t.toName[kbID]))
	byName[name] = id
	t.toName[kbID] = append(t.toName[kbID], name)
	return id
}

func (t *idTable) nameFor(kbID string, id uint32) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toName[kbID][id]
}

// bitmapFor builds a Roaring bitmap of the ids assigned to names, assigning
// fresh ids for any name not seen before under this kb_id.
func (t *idTable) bitmapFor(kbID string, names []string) *roaring.Bitmap {
	bm := roaring.New()
	for _, n := range names {
		bm.Add(t.idFor(kbID, n))
	}
	return bm
}

// names converts a bitmap back to pattern names under kb_id.
func (t *idTable) names(kbID string, bm *roaring.Bitmap) []string {
	it := bm.Iterator()
	out := make([]string, 0, bm.GetCardinality())
	for it.HasNext() {
		out = append(out, t.nameFor(kbID, it.Next()))
	}
	return out
}

package patternstore

import (
	"context"
	"testing"

	"github.com/sevakavakians/kato/internal/katoid"
)

func testRow(name string, events []katoid.Event) Row {
	return Row{
		Name:        name,
		PatternData: events,
		Length:      uint32(len(events)),
		Tokens:      katoid.Pattern{Events: events}.Tokens(),
	}
}

func TestUpsertPatternFirstInsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	row := testRow("PTRN|abc", []katoid.Event{{"hello", "world"}})

	isNew, err := s.UpsertPattern(ctx, "kb1", row, map[string]float64{"joy": 1}, 5, []string{"tag1"})
	if err != nil {
		t.Fatalf("UpsertPattern() error = %v", err)
	}
	if !isNew {
		t.Fatal("expected isNew=true on first insert")
	}

	freq, err := s.GetFrequency(ctx, "kb1", row.Name)
	if err != nil || freq != 1 {
		t.Fatalf("GetFrequency() = %d, %v, want 1, nil", freq, err)
	}
}

func TestUpsertPatternReLearnIncrementsFrequency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	row := testRow("PTRN|abc", []katoid.Event{{"hello", "world"}})

	s.UpsertPattern(ctx, "kb1", row, nil, 5, nil)
	isNew, err := s.UpsertPattern(ctx, "kb1", row, nil, 5, nil)
	if err != nil {
		t.Fatalf("UpsertPattern() error = %v", err)
	}
	if isNew {
		t.Fatal("expected isNew=false on re-learn")
	}
	freq, _ := s.GetFrequency(ctx, "kb1", row.Name)
	if freq != 2 {
		t.Fatalf("frequency = %d, want 2", freq)
	}
}

func TestUpsertPatternDeterminismViolationPanics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rowA := testRow("PTRN|same-name", []katoid.Event{{"a"}})
	rowB := testRow("PTRN|same-name", []katoid.Event{{"b"}})

	s.UpsertPattern(ctx, "kb1", rowA, nil, 5, nil)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on determinism violation")
		}
	}()
	s.UpsertPattern(ctx, "kb1", rowB, nil, 5, nil)
}

func TestKBIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	row := testRow("PTRN|abc", []katoid.Event{{"hello"}})

	s.UpsertPattern(ctx, "kbA", row, nil, 5, nil)

	names, err := s.AllNames(ctx, "kbB")
	if err != nil {
		t.Fatalf("AllNames() error = %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected kbB to be empty, got %v", names)
	}
}

func TestFilterByLength(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	short := testRow("PTRN|short", []katoid.Event{{"a"}})
	long := testRow("PTRN|long", []katoid.Event{{"a"}, {"b"}, {"c"}, {"d"}})

	s.UpsertPattern(ctx, "kb1", short, nil, 5, nil)
	s.UpsertPattern(ctx, "kb1", long, nil, 5, nil)

	names, err := s.FilterByLength(ctx, "kb1", 3, 10)
	if err != nil {
		t.Fatalf("FilterByLength() error = %v", err)
	}
	if len(names) != 1 || names[0] != long.Name {
		t.Fatalf("FilterByLength() = %v, want [%s]", names, long.Name)
	}
}

func TestUnionMetadata(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	row := testRow("PTRN|abc", []katoid.Event{{"a"}})
	s.UpsertPattern(ctx, "kb1", row, nil, 5, []string{"tag1"})
	s.UnionMetadata(ctx, "kb1", row.Name, []string{"tag2", "tag1"})

	tags, err := s.GetMetadata(ctx, "kb1", row.Name)
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("GetMetadata() = %v, want 2 unique tags", tags)
	}
}

func TestDropPartition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	row := testRow("PTRN|abc", []katoid.Event{{"a"}})
	s.UpsertPattern(ctx, "kb1", row, nil, 5, nil)

	if err := s.DropPartition(ctx, "kb1"); err != nil {
		t.Fatalf("DropPartition() error = %v", err)
	}
	names, _ := s.AllNames(ctx, "kb1")
	if len(names) != 0 {
		t.Fatalf("expected empty partition after drop, got %v", names)
	}
}

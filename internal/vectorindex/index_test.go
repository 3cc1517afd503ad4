package vectorindex

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
)

func TestPointIDStable(t *testing.T) {
	a := PointID("t1", "docs/a.txt", 0)
	if a != PointID("t1", "docs/a.txt", 0) {
		t.Error("PointID should be deterministic")
	}

	id, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("PointID() = %q is not a uuid: %v", a, err)
	}
	if id.Version() != 5 {
		t.Errorf("version = %d, want 5", id.Version())
	}

	others := []string{
		PointID("t2", "docs/a.txt", 0),
		PointID("t1", "docs/b.txt", 0),
		PointID("t1", "docs/a.txt", 1),
	}
	for _, o := range others {
		if o == a {
			t.Errorf("PointID collision: %s", o)
		}
	}

	ids := PointIDs("t1", "docs/a.txt", 3)
	if len(ids) != 3 || ids[0] != a || ids[2] != PointID("t1", "docs/a.txt", 2) {
		t.Errorf("PointIDs() = %v", ids)
	}
}

func TestMemoryUpsertDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	points := []Point{
		{ID: PointID("t1", "a", 0), TenantID: "t1", Path: "a", Vector: []float32{1, 0}},
		{ID: PointID("t1", "a", 1), TenantID: "t1", Path: "a", Index: 1, Vector: []float32{0, 1}},
		{ID: PointID("t2", "a", 0), TenantID: "t2", Path: "a", Vector: []float32{1, 0}},
	}
	if err := m.Upsert(ctx, points); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if m.Count("t1") != 2 || m.Count("t2") != 1 {
		t.Fatalf("Count() = %d, %d", m.Count("t1"), m.Count("t2"))
	}

	// replacing by id keeps the count
	if err := m.Upsert(ctx, points[:1]); err != nil {
		t.Fatal(err)
	}
	if m.Count("t1") != 2 {
		t.Errorf("Count() after re-upsert = %d", m.Count("t1"))
	}

	if err := m.Delete(ctx, []string{points[0].ID, "unknown"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if m.Count("t1") != 1 || m.Count("t2") != 1 {
		t.Errorf("Count() after delete = %d, %d", m.Count("t1"), m.Count("t2"))
	}
}

func TestMemoryUpsertRejectsIncompletePoint(t *testing.T) {
	m := NewMemory()
	if err := m.Upsert(context.Background(), []Point{{ID: "x"}}); err == nil {
		t.Error("Upsert() without tenant should fail")
	}
	if m.Count("") != 0 {
		t.Error("rejected batch must not be partially applied")
	}
}

func TestMemorySearchScopedByTenant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Upsert(ctx, []Point{
		{ID: "1", TenantID: "t1", Vector: []float32{1, 0}},
		{ID: "2", TenantID: "t1", Vector: []float32{0.7, 0.7}},
		{ID: "3", TenantID: "t1", Vector: []float32{0, 1}},
		{ID: "4", TenantID: "t2", Vector: []float32{1, 0}},
	})

	results, err := m.Search(ctx, "t1", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 || results[0].ID != "1" || results[1].ID != "2" {
		t.Fatalf("Search() = %+v", results)
	}
	for _, r := range results {
		if r.TenantID != "t1" {
			t.Errorf("result from tenant %s", r.TenantID)
		}
	}

	if none, _ := m.Search(ctx, "t3", []float32{1, 0}, 5); len(none) != 0 {
		t.Errorf("Search() on empty tenant = %+v", none)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Point is one vector stored in the index
type Point struct {
	ID       string
	TenantID string
	Path     string
	Index    int
	Vector   []float32
	Text     string
}

// Result is a search hit
type Result struct {
	Point
	Score float64
}

// PointID returns the stable id of chunk index of a tenant's file
func PointID(tenantID, path string, index int) string {
	name := fmt.Sprintf("%s/%s#%d", tenantID, path, index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// PointIDs returns the ids of chunks 0..count-1 of a file
func PointIDs(tenantID, path string, count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = PointID(tenantID, path, i)
	}
	return ids
}

// Memory is a tenant-partitioned in-memory vector index
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]map[string]Point
	owner   map[string]string // point id -> tenant
}

// NewMemory returns an empty index
func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[string]map[string]Point),
		owner:   make(map[string]string),
	}
}

// Upsert inserts or replaces points by id
func (m *Memory) Upsert(ctx context.Context, points []Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range points {
		if p.ID == "" || p.TenantID == "" {
			return fmt.Errorf("point %q: id and tenant are required", p.ID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range points {
		if prev, ok := m.owner[p.ID]; ok && prev != p.TenantID {
			delete(m.tenants[prev], p.ID)
		}
		part, ok := m.tenants[p.TenantID]
		if !ok {
			part = make(map[string]Point)
			m.tenants[p.TenantID] = part
		}
		p.Vector = append([]float32(nil), p.Vector...)
		part[p.ID] = p
		m.owner[p.ID] = p.TenantID
	}
	return nil
}

// Delete removes points by id. Unknown ids are ignored.
func (m *Memory) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		tenant, ok := m.owner[id]
		if !ok {
			continue
		}
		delete(m.tenants[tenant], id)
		delete(m.owner, id)
	}
	return nil
}

// Count returns the number of points of a tenant
func (m *Memory) Count(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tenants[tenantID])
}

// Search returns the topK points of a tenant most similar to query
func (m *Memory) Search(ctx context.Context, tenantID string, query []float32, topK int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	results := make([]Result, 0, len(m.tenants[tenantID]))
	for _, p := range m.tenants[tenantID] {
		results = append(results, Result{Point: p, Score: CosineSimilarity(query, p.Vector)})
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// CosineSimilarity returns a value between -1.0 and 1.0, where 1.0 means
// identical direction. Vectors of different length score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"docsync/internal/logging"
)

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing auth header")
		}
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		for i := range req.Input {
			// reversed on purpose
			j := len(req.Input) - 1 - i
			data[i] = item{Index: j, Embedding: []float32{float32(j), 0}}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1", "sk-test", logging.Discard())
	m, err := c.Open(context.Background(), "text-embedding-3-small")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if m.Dimensions() != 2 || m.ID() != "openai:text-embedding-3-small" {
		t.Errorf("unexpected model %s dims=%d", m.ID(), m.Dimensions())
	}

	vecs, err := m.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vector %d = %v, not ordered by index", i, v)
		}
	}
}

func TestOpenRequiresKey(t *testing.T) {
	if _, err := NewClient("", "", logging.Discard()).Open(context.Background(), "x"); err == nil {
		t.Error("expected error without API key")
	}
}

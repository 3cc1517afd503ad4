package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"docsync/internal/logging"
)

type fakeServer struct {
	mu       sync.Mutex
	requests []map[string]interface{}
	paths    []string
	status   int
}

func (f *fakeServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		f.mu.Lock()
		f.requests = append(f.requests, body)
		f.paths = append(f.paths, r.URL.Path)
		status := f.status
		f.mu.Unlock()

		if status != 0 {
			http.Error(w, "model not found", status)
			return
		}
		if r.URL.Path != "/api/embed" {
			w.Write([]byte(`{}`))
			return
		}

		inputs := body["input"].([]interface{})
		embeddings := make([][]float32, len(inputs))
		for i, in := range inputs {
			embeddings[i] = []float32{float32(len(in.(string))), 1, 0}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": embeddings})
	}
}

func TestOpenAndEmbed(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL+"/", 512<<20, logging.Discard())
	m, err := c.Open(context.Background(), "nomic-embed-text")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if m.ID() != "ollama:nomic-embed-text" || m.Dimensions() != 3 || m.EstimatedBytes() != 512<<20 {
		t.Errorf("unexpected model: %s dims=%d size=%d", m.ID(), m.Dimensions(), m.EstimatedBytes())
	}

	vecs, err := m.EmbedBatch(context.Background(), []string{"a", "bbb"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][0] != 3 {
		t.Errorf("unexpected vectors: %v", vecs)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.requests[1]["model"] != "nomic-embed-text" {
		t.Errorf("request model = %v", fs.requests[1]["model"])
	}
	last := len(fs.paths) - 1
	if fs.paths[last] != "/api/generate" || fs.requests[last]["keep_alive"] != float64(0) {
		t.Errorf("Close sent %s %v", fs.paths[last], fs.requests[last])
	}
}

func TestEmbedErrorStatus(t *testing.T) {
	fs := &fakeServer{status: http.StatusNotFound}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0, logging.Discard()).Open(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Open() error = %v, want status 404", err)
	}
}

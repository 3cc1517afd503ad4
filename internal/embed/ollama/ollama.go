// Package ollama embeds text through a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docsync/internal/logging"
)

// Client talks to one Ollama endpoint
type Client struct {
	endpoint  string
	sizeBytes int64
	client    *http.Client
	logger    *logging.Logger
}

// NewClient creates a client. sizeBytes is the footprint charged for each
// opened model since the weights live in the Ollama process.
func NewClient(endpoint string, sizeBytes int64, logger *logging.Logger) *Client {
	return &Client{
		endpoint:  strings.TrimRight(endpoint, "/"),
		sizeBytes: sizeBytes,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
	}
}

// Open loads name on the server and probes its dimension
func (c *Client) Open(ctx context.Context, name string) (*Model, error) {
	m := &Model{client: c, name: name}
	vecs, err := m.embed(ctx, []string{"dimension probe"})
	if err != nil {
		return nil, err
	}
	m.dims = len(vecs[0])
	c.logger.WithFields(logging.Fields{"model": name, "dims": m.dims}).Debug("ollama model ready")
	return m, nil
}

// Model is one Ollama embedding model
type Model struct {
	client *Client
	name   string
	dims   int
}

func (m *Model) ID() string            { return "ollama:" + m.name }
func (m *Model) Dimensions() int       { return m.dims }
func (m *Model) EstimatedBytes() int64 { return m.client.sizeBytes }

// EmbedBatch embeds texts in one /api/embed call
func (m *Model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return m.embed(ctx, texts)
}

func (m *Model) embed(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"model": m.name,
		"input": texts,
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := m.client.post(ctx, "/api/embed", reqBody, &result); err != nil {
		return nil, fmt.Errorf("ollama: embed: %w", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: received %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	for _, v := range result.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("ollama: received empty embedding vector")
		}
	}
	return result.Embeddings, nil
}

// Close asks the server to unload the model
func (m *Model) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reqBody := map[string]interface{}{
		"model":      m.name,
		"keep_alive": 0,
	}
	if err := m.client.post(ctx, "/api/generate", reqBody, nil); err != nil {
		return fmt.Errorf("ollama: unload %s: %w", m.name, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, reqBody interface{}, out interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

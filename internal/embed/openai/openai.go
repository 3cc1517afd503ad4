// Package openai embeds text through an OpenAI-compatible /embeddings API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"docsync/internal/logging"
)

// DefaultEndpoint is the public OpenAI API base URL
const DefaultEndpoint = "https://api.openai.com/v1"

// Client calls one OpenAI-compatible endpoint
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *logging.Logger
}

// NewClient creates a client. An empty endpoint selects DefaultEndpoint.
func NewClient(endpoint, apiKey string, logger *logging.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

// Open probes the dimension of the named model
func (c *Client) Open(ctx context.Context, name string) (*Model, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	m := &Model{client: c, name: name}
	vecs, err := m.EmbedBatch(ctx, []string{"dimension probe"})
	if err != nil {
		return nil, err
	}
	m.dims = len(vecs[0])
	return m, nil
}

// Model is a remote embedding model; it holds no local memory
type Model struct {
	client *Client
	name   string
	dims   int
}

func (m *Model) ID() string            { return "openai:" + m.name }
func (m *Model) Dimensions() int       { return m.dims }
func (m *Model) EstimatedBytes() int64 { return 0 }
func (m *Model) Close() error          { return nil }

// EmbedBatch embeds texts in one request, ordered by the response index
func (m *Model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	logger := m.client.logger.WithFields(logging.Fields{
		"provider": "openai",
		"model":    m.name,
		"inputs":   len(texts),
	})
	start := time.Now()

	body, err := json.Marshal(map[string]interface{}{
		"model": m.name,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.client.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.client.apiKey)

	resp, err := m.client.client.Do(req)
	if err != nil {
		logger.WithError(err).Error("embed request failed")
		return nil, fmt.Errorf("openai: embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		logger.WithContext("status", resp.StatusCode).Error("embed returned non-OK status")
		return nil, fmt.Errorf("openai: embed returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("openai: failed to decode embed response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("openai: received %d embeddings for %d inputs", len(result.Data), len(texts))
	}

	sort.Slice(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })
	out := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		out[i] = d.Embedding
	}

	logger.WithContext("latency_ms", time.Since(start).Milliseconds()).Debug("embed request completed")
	return out, nil
}

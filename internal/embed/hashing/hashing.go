// Package hashing provides an offline embedding model based on feature
// hashing of lowercased word tokens.
package hashing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Model maps each token to a signed bucket and L2-normalizes the counts.
// Equal texts always produce equal vectors.
type Model struct {
	id   string
	dims int
}

// Open parses name as the vector dimension, e.g. "384"
func Open(_ context.Context, name string) (*Model, error) {
	dims, err := strconv.Atoi(name)
	if err != nil || dims <= 0 {
		return nil, fmt.Errorf("hashing: invalid dimension %q", name)
	}
	return New(dims), nil
}

// New creates a hashing model with dims dimensions
func New(dims int) *Model {
	return &Model{id: "hash:" + strconv.Itoa(dims), dims: dims}
}

func (m *Model) ID() string      { return m.id }
func (m *Model) Dimensions() int { return m.dims }

// EstimatedBytes is one float32 vector of scratch space per dimension
func (m *Model) EstimatedBytes() int64 { return int64(m.dims) * 4 }

// EmbedBatch implements the embedding model contract
func (m *Model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.Vector(text)
	}
	return out, nil
}

// Vector embeds a single text
func (m *Model) Vector(text string) []float32 {
	v := make([]float32, m.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(m.dims))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Close implements the embedding model contract
func (m *Model) Close() error { return nil }

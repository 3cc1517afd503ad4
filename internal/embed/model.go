// Package embed turns text chunks into vectors while keeping loaded models
// within a memory budget.
package embed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Model is a loaded vectorization model
type Model interface {
	ID() string
	Dimensions() int
	// EstimatedBytes is the resident footprint charged against the budget
	EstimatedBytes() int64
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// TransientReleaser is implemented by models that hold per-batch scratch
// memory. The engine calls ReleaseTransient after every batch.
type TransientReleaser interface {
	ReleaseTransient()
}

// Loader loads a model by id
type Loader interface {
	Load(ctx context.Context, modelID string) (Model, error)
}

// ModelResourceUsage is a snapshot of one registry entry
type ModelResourceUsage struct {
	ModelID        string    `json:"model_id"`
	EstimatedBytes int64     `json:"estimated_bytes"`
	LastUsed       time.Time `json:"last_used"`
	RefCount       int       `json:"ref_count"`
	Retired        bool      `json:"retired"`
}

// ErrOverBudget is returned when a model's footprint exceeds the memory budget
var ErrOverBudget = errors.New("model exceeds memory budget")

// EmbeddingError reports a failed load or batch. Batch is -1 for load failures.
type EmbeddingError struct {
	ModelID string
	Batch   int
	Err     error
}

func (e *EmbeddingError) Error() string {
	if e.Batch < 0 {
		return fmt.Sprintf("embed: loading %s: %v", e.ModelID, e.Err)
	}
	return fmt.Sprintf("embed: %s batch %d: %v", e.ModelID, e.Batch, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}
